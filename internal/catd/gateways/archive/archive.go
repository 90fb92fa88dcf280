// Package archive reads and writes list trees as (optionally gzip-compressed)
// tar archives.
package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrUnsafePath is returned for entries that would escape the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ErrTooLarge is returned when an archive exceeds its extraction Limits.
var ErrTooLarge = errors.New("archive exceeds extraction limits")

var gzipMagic = []byte{0x1f, 0x8b}

// Limits bound what Extract writes to disk. Zero fields are unlimited.
type Limits struct {
	// MaxBytes caps the total uncompressed size of regular files.
	MaxBytes int64
	// MaxEntries caps the number of tar headers read, of any type.
	MaxEntries int
}

// Extract unpacks a tar stream into dest. Gzip compression is detected from
// the stream header. Only directories and regular files are materialized;
// links and device entries are skipped. Exceeding limits aborts with
// ErrTooLarge, leaving partial output in dest.
func Extract(r io.Reader, dest string, limits Limits) error {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if head, err := br.Peek(2); err == nil && head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tr := tar.NewReader(src)
	var written int64
	for entries := 1; ; entries++ {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if limits.MaxEntries > 0 && entries > limits.MaxEntries {
			return fmt.Errorf("%w: more than %d entries", ErrTooLarge, limits.MaxEntries)
		}
		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			var data io.Reader = tr
			if limits.MaxBytes > 0 {
				// One byte past the budget distinguishes "exactly full" from "over".
				data = io.LimitReader(tr, limits.MaxBytes-written+1)
			}
			n, err := writeFile(target, data)
			if err != nil {
				return fmt.Errorf("%s: %w", header.Name, err)
			}
			written += n
			if limits.MaxBytes > 0 && written > limits.MaxBytes {
				return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limits.MaxBytes)
			}
		}
	}
}

// safeJoin resolves name under dest, rejecting absolute and parent-relative
// entries.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

func writeFile(path string, data io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, data)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("copy data: %w", err)
	}
	return n, f.Close()
}

// ListRoot returns the directory to load an extracted archive from: dir
// itself, or its only child when dir holds exactly one entry, that entry is a
// directory, and it does not directly contain a leaf file.
func ListRoot(dir, leaf string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return dir, nil
	}
	child := filepath.Join(dir, entries[0].Name())
	if _, err := os.Stat(filepath.Join(child, leaf)); err == nil {
		return dir, nil
	}
	return child, nil
}

// WriteTarGz archives every regular file and directory under src into w.
// Entry names are relative to src and use forward slashes.
func WriteTarGz(w io.Writer, src string) error {
	gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("write tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return gz.Close()
}
