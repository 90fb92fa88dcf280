package artifacts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-catd/internal/catd/domain"
)

var (
	bucketMeta = []byte("meta")

	keyPath      = []byte("artifact.path")
	keyGenerated = []byte("artifact.generated")
	keySize      = []byte("artifact.size")
)

// Store persists metadata about the last generated export archive so it can
// be served after a restart.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) a Bolt database at path and ensures buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open artifact metadata %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Last returns the recorded artifact, or domain.ErrNotFound if none.
func (s *Store) Last() (domain.Artifact, error) {
	var a domain.Artifact
	err := s.db.View(func(tx *bbolt.Tx) error {
		var ok bool
		a, ok = readArtifact(tx.Bucket(bucketMeta))
		if !ok {
			return domain.ErrNotFound
		}
		return nil
	})
	return a, err
}

// Replace records a as the current artifact and returns the one it replaced,
// if any. The swap happens in a single transaction.
func (s *Store) Replace(a domain.Artifact) (prev domain.Artifact, hadPrev bool, err error) {
	if a.Path == "" {
		return prev, false, errors.New("artifact path is empty")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		prev, hadPrev = readArtifact(b)

		gbuf := make([]byte, 8)
		sbuf := make([]byte, 8)
		binary.BigEndian.PutUint64(gbuf, uint64(a.GeneratedAt.UnixNano()))
		binary.BigEndian.PutUint64(sbuf, uint64(a.Size))
		if err := b.Put(keyPath, []byte(a.Path)); err != nil {
			return err
		}
		if err := b.Put(keyGenerated, gbuf); err != nil {
			return err
		}
		return b.Put(keySize, sbuf)
	})
	return prev, hadPrev, err
}

func readArtifact(b *bbolt.Bucket) (domain.Artifact, bool) {
	if b == nil {
		return domain.Artifact{}, false
	}
	p := b.Get(keyPath)
	if len(p) == 0 {
		return domain.Artifact{}, false
	}
	a := domain.Artifact{Path: string(p)}
	if v := b.Get(keyGenerated); len(v) == 8 {
		a.GeneratedAt = time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC()
	}
	if v := b.Get(keySize); len(v) == 8 {
		a.Size = int64(binary.BigEndian.Uint64(v))
	}
	return a, true
}
