package reputation

import (
	"context"
	"time"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

// Cache is the enforcement-path view of a Store. It never returns errors:
// failures are logged and reported as a miss or a no-op.
type Cache struct {
	store      Store
	defaultTTL time.Duration
	clock      clock.Clock
	logger     log.Logger
}

// Options configures a Cache.
type Options struct {
	Store      Store
	DefaultTTL time.Duration
	Clock      clock.Clock
	Logger     log.Logger
}

// DefaultTTL is the lifetime of records without an explicit expiry.
const DefaultTTL = 48 * time.Hour

// NewCache wraps a Store.
func NewCache(opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Cache{store: opts.Store, defaultTTL: opts.DefaultTTL, clock: opts.Clock, logger: opts.Logger}
}

// Lookup returns the unexpired record stored for exactly name.
func (c *Cache) Lookup(ctx context.Context, name string) (*domain.IntelRecord, bool) {
	rec, err := c.store.GetRecord(ctx, name)
	if err != nil {
		c.logger.Warn(map[string]any{"domain": name, "error": err}, "reputation lookup failed")
		return nil, false
	}
	if rec == nil || rec.IsExpired(c.clock.Now()) {
		return nil, false
	}
	return rec, true
}

// Persist stores recs, filling in the default expiry where none is set. Intel
// records are also added to the tracking index.
func (c *Cache) Persist(ctx context.Context, recs []domain.IntelRecord) {
	if len(recs) == 0 {
		return
	}
	now := c.clock.Now()
	out := make([]domain.IntelRecord, 0, len(recs))
	for _, r := range recs {
		if r.ExpiresAt.IsZero() || !r.ExpiresAt.After(now) {
			r.ExpiresAt = now.Add(c.defaultTTL)
		}
		out = append(out, r)
	}
	if err := c.store.PutRecords(ctx, out); err != nil {
		c.logger.Error(map[string]any{"count": len(out), "error": err}, "failed to persist intel records")
		return
	}
	for _, r := range out {
		if !r.IsIntel() {
			continue
		}
		if err := c.store.Track(ctx, r); err != nil {
			c.logger.Warn(map[string]any{"domain": r.Domain, "error": err}, "failed to track intel record")
		}
	}
}

// Decide records the enforcement verdict for name. VerdictNone is ignored.
func (c *Cache) Decide(ctx context.Context, name string, v domain.Verdict) {
	if v == domain.VerdictNone {
		return
	}
	if err := c.store.SetVerdict(ctx, name, v, c.clock.Now()); err != nil {
		c.logger.Error(map[string]any{"domain": name, "verdict": v.String(), "error": err}, "failed to update forwarder list")
	}
}

// DefaultExpiry returns the expiry applied to records without one.
func (c *Cache) DefaultExpiry() time.Time {
	return c.clock.Now().Add(c.defaultTTL)
}
