package cloudcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/common/log"
)

const (
	// DefaultInterval is how often every enabled key is reconciled.
	DefaultInterval = 30 * time.Minute
	// DefaultItemTimeout bounds one reconcile of one key.
	DefaultItemTimeout = 2 * time.Minute
	// DefaultConcurrency is the number of keys reconciled at once.
	DefaultConcurrency = 8
)

// ItemStatus is a snapshot of one key's sync state.
type ItemStatus struct {
	Key       string    `json:"key"`
	Observers int       `json:"observers"`
	LastRun   time.Time `json:"last_run"`
	Changed   bool      `json:"changed"`
	Supported bool      `json:"supported"`
	Error     string    `json:"error,omitempty"`
	Size      int       `json:"size"`
}

// Hooks lets callers observe reconcile results, e.g. for metrics.
type Hooks struct {
	OnReconcile func(key string, res Result, took time.Duration)
}

// Options configures a Registry.
type Options struct {
	Store          Store
	Fetcher        Fetcher
	Subscriber     Subscriber
	RefreshChannel string
	Interval       time.Duration
	ItemTimeout    time.Duration
	Concurrency    int
	ExpirationDays int
	Clock          clock.Clock
	Logger         log.Logger
	Hooks          Hooks
}

// Registry owns the set of enabled cache keys and keeps them in sync.
type Registry struct {
	opts   Options
	logger log.Logger

	mu     sync.RWMutex
	items  map[string]*Item
	locks  map[string]*sync.Mutex
	status map[string]ItemStatus

	flight singleflight.Group
}

// NewRegistry validates opts and returns an idle Registry. Call Run to start
// the periodic job and the broadcast subscription.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("cloudcache: nil store")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("cloudcache: nil fetcher")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Registry{
		opts:   opts,
		logger: log.Component(opts.Logger, "cloudcache"),
		items:  make(map[string]*Item),
		locks:  make(map[string]*sync.Mutex),
		status: make(map[string]ItemStatus),
	}, nil
}

func (r *Registry) keyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Enable registers onUpdate for key and reconciles it immediately. onUpdate is
// always called once from here, with nil if there is no content. Several
// observers may be registered for the same key. The result reports whether
// content exists for key locally or remotely.
func (r *Registry) Enable(ctx context.Context, key string, onUpdate UpdateFunc) bool {
	lock := r.keyLock(key)

	r.mu.Lock()
	it, ok := r.items[key]
	if !ok {
		it = NewItem(ItemOptions{
			Key:            key,
			Store:          r.opts.Store,
			Fetcher:        r.opts.Fetcher,
			Clock:          r.opts.Clock,
			Logger:         r.logger,
			ExpirationDays: r.opts.ExpirationDays,
			Lock:           lock,
		})
		r.items[key] = it
	}
	r.mu.Unlock()

	it.AddObserver(onUpdate)
	res := r.run(ctx, it, true)
	r.logger.Info(map[string]any{"key": key, "supported": res.Supported, "changed": res.Changed}, "cache key enabled")
	return res.Supported
}

// Disable stops syncing key. Local files stay on disk for a fast re-enable.
func (r *Registry) Disable(key string) {
	r.mu.Lock()
	_, ok := r.items[key]
	delete(r.items, key)
	delete(r.status, key)
	r.mu.Unlock()
	if ok {
		r.logger.Info(map[string]any{"key": key}, "cache key disabled")
	}
}

// Enabled reports whether key is being synced.
func (r *Registry) Enabled(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[key]
	return ok
}

// ForceLoad reconciles one enabled key now and reports whether it changed.
func (r *Registry) ForceLoad(ctx context.Context, key string) bool {
	it := r.item(key)
	if it == nil {
		return false
	}
	return r.run(ctx, it, false).Changed
}

// GetCache fetches the remote content for an enabled key, bypassing the local
// copy. It returns nil for unknown keys and on any error.
func (r *Registry) GetCache(ctx context.Context, key string) []byte {
	if r.item(key) == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ItemTimeout)
	defer cancel()
	content, err := r.opts.Fetcher.Content(ctx, key)
	if err != nil {
		r.logger.Warn(map[string]any{"key": key, "error": err}, "failed to fetch remote content")
		return nil
	}
	return content
}

// RunJob reconciles every enabled key in parallel without forcing notifications.
// A slow or failing key does not hold up the others beyond the concurrency limit.
func (r *Registry) RunJob(ctx context.Context) {
	items := r.snapshot()
	if len(items) == 0 {
		return
	}
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, it := range items {
		it := it
		g.Go(func() error {
			r.run(ctx, it, false)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug(map[string]any{"items": len(items), "took": time.Since(start).String()}, "cache job finished")
}

// ForceRefresh runs the job now. Concurrent calls share one run.
func (r *Registry) ForceRefresh(ctx context.Context) {
	_, _, _ = r.flight.Do("job", func() (any, error) {
		r.RunJob(ctx)
		return nil, nil
	})
}

// Run starts the periodic job and, when a Subscriber is configured, the
// broadcast-triggered refresh. It blocks until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.opts.Interval)
	if _, err := c.AddFunc(spec, func() { r.RunJob(ctx) }); err != nil {
		return fmt.Errorf("schedule cache job: %w", err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	if r.opts.Subscriber != nil && r.opts.RefreshChannel != "" {
		go func() {
			err := r.opts.Subscriber.Subscribe(ctx, r.opts.RefreshChannel, func(ctx context.Context, payload string) {
				r.logger.Info(map[string]any{"channel": r.opts.RefreshChannel, "payload": payload}, "cache refresh requested")
				r.ForceRefresh(ctx)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error(map[string]any{"error": err}, "cache refresh subscription ended")
			}
		}()
	}

	r.logger.Info(map[string]any{"interval": r.opts.Interval.String()}, "cloud cache sync started")
	<-ctx.Done()
	return nil
}

// Status returns the sync state of every enabled key, sorted by key.
func (r *Registry) Status() []ItemStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ItemStatus, 0, len(r.items))
	for key, it := range r.items {
		st, ok := r.status[key]
		if !ok {
			st = ItemStatus{Key: key}
		}
		st.Observers = it.Observers()
		st.Size = len(it.Content())
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) item(key string) *Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items[key]
}

func (r *Registry) snapshot() []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Item, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, it)
	}
	return out
}

func (r *Registry) run(ctx context.Context, it *Item, force bool) Result {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ItemTimeout)
	defer cancel()

	start := time.Now()
	res := it.reconcile(ctx, force)
	took := time.Since(start)

	st := ItemStatus{Key: it.Key(), LastRun: r.opts.Clock.Now(), Changed: res.Changed, Supported: res.Supported}
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	r.mu.Lock()
	if r.items[it.Key()] == it {
		r.status[it.Key()] = st
	}
	r.mu.Unlock()

	if r.opts.Hooks.OnReconcile != nil {
		r.opts.Hooks.OnReconcile(it.Key(), res, took)
	}
	return res
}
