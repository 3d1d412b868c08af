package dedup

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
)

// Window suppresses repeat remote classification of a domain for a short
// period. It is bounded both by capacity (LRU) and by time.
type Window interface {
	// Seen reports whether name was marked within the window and marks it if not.
	Seen(name string) bool
	// Recent reports whether name was marked within the window without marking it.
	Recent(name string) bool
	// Forget drops name so the next Seen returns false.
	Forget(name string)
	Len() int
	Stats() (hits, misses, evictions uint64)
}

// Options configures a Window.
type Options struct {
	Size   int
	Window time.Duration
	Clock  clock.Clock
}

// window stores the time each domain was first seen. The expirable LRU drops
// entries after the window on its own; the stored timestamp is what decides,
// so tests can drive time through a mock clock.
type window struct {
	mu        sync.Mutex
	lru       *expirable.LRU[string, time.Time]
	ttl       time.Duration
	clock     clock.Clock
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledWindow never suppresses anything. Used when Size or Window is <= 0.
type disabledWindow struct{}

// New creates a dedup Window.
func New(opts Options) Window {
	if opts.Size <= 0 || opts.Window <= 0 {
		return disabledWindow{}
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	w := &window{ttl: opts.Window, clock: opts.Clock}
	w.lru = expirable.NewLRU[string, time.Time](opts.Size, func(string, time.Time) {
		atomic.AddUint64(&w.evictions, 1)
	}, opts.Window)
	return w
}

func (w *window) Seen(name string) bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.lru.Get(name); ok && now.Sub(at) < w.ttl {
		atomic.AddUint64(&w.hits, 1)
		return true
	}
	atomic.AddUint64(&w.misses, 1)
	w.lru.Add(name, now)
	return false
}

func (w *window) Recent(name string) bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	at, ok := w.lru.Peek(name)
	if ok && now.Sub(at) < w.ttl {
		atomic.AddUint64(&w.hits, 1)
		return true
	}
	return false
}

func (w *window) Forget(name string) {
	w.mu.Lock()
	w.lru.Remove(name)
	w.mu.Unlock()
}

func (w *window) Len() int { return w.lru.Len() }

func (w *window) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&w.hits), atomic.LoadUint64(&w.misses), atomic.LoadUint64(&w.evictions)
}

func (disabledWindow) Seen(string) bool                 { return false }
func (disabledWindow) Recent(string) bool               { return false }
func (disabledWindow) Forget(string)                    {}
func (disabledWindow) Len() int                         { return 0 }
func (disabledWindow) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ Window = (*window)(nil)
var _ Window = disabledWindow{}
