package log

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled is a Logger that emits each distinct message at most once per
// interval. Suppressed occurrences are counted and reported on the next
// emitted line under the "suppressed" field. Panic and Fatal are never
// throttled.
type Throttled struct {
	base     Logger
	interval time.Duration

	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	every      rate.Sometimes
	suppressed atomic.Uint64
}

// NewThrottled wraps base. An interval <= 0 disables throttling.
func NewThrottled(base Logger, interval time.Duration) *Throttled {
	return &Throttled{base: base, interval: interval, gates: make(map[string]*gate)}
}

func (t *Throttled) gateFor(level, msg string) *gate {
	key := level + "|" + msg
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[key]
	if !ok {
		g = &gate{every: rate.Sometimes{Interval: t.interval}}
		t.gates[key] = g
	}
	return g
}

func (t *Throttled) emit(level, msg string, fields map[string]any, out func(map[string]any, string)) {
	if t.interval <= 0 {
		out(fields, msg)
		return
	}
	g := t.gateFor(level, msg)
	emitted := false
	g.every.Do(func() {
		emitted = true
		n := g.suppressed.Swap(0)
		if n > 0 {
			merged := make(map[string]any, len(fields)+1)
			for k, v := range fields {
				merged[k] = v
			}
			merged["suppressed"] = n
			fields = merged
		}
		out(fields, msg)
	})
	if !emitted {
		g.suppressed.Add(1)
	}
}

func (t *Throttled) Info(fields map[string]any, msg string) {
	t.emit("info", msg, fields, t.base.Info)
}

func (t *Throttled) Error(fields map[string]any, msg string) {
	t.emit("error", msg, fields, t.base.Error)
}

func (t *Throttled) Debug(fields map[string]any, msg string) {
	t.emit("debug", msg, fields, t.base.Debug)
}

func (t *Throttled) Warn(fields map[string]any, msg string) {
	t.emit("warn", msg, fields, t.base.Warn)
}

func (t *Throttled) Panic(fields map[string]any, msg string) { t.base.Panic(fields, msg) }

func (t *Throttled) Fatal(fields map[string]any, msg string) { t.base.Fatal(fields, msg) }

var _ Logger = (*Throttled)(nil)
