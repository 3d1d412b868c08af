package cloudcache

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/common/integrity"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

// DefaultExpirationDays is how old content may get before it is purged.
const DefaultExpirationDays = 30

type observer struct {
	fn     UpdateFunc
	primed bool // has received at least one call
}

// Result describes one reconcile pass.
type Result struct {
	// Changed is true when new content landed or expired content was purged.
	Changed bool
	// Supported is false when neither side has ever had content for the key.
	Supported bool
	Err       error
}

// Item keeps one cache key in sync with the remote authority.
type Item struct {
	key            string
	store          Store
	fetcher        Fetcher
	clock          clock.Clock
	logger         log.Logger
	expirationDays int

	// lock is shared with the registry and outlives the Item, so a disabled and
	// re-enabled key never reconciles twice at once.
	lock *sync.Mutex

	mu            sync.Mutex // guards the fields below
	observers     []*observer
	emptyNotified bool
	lastGood      []byte
}

// ItemOptions configures an Item.
type ItemOptions struct {
	Key            string
	Store          Store
	Fetcher        Fetcher
	Clock          clock.Clock
	Logger         log.Logger
	ExpirationDays int
	Lock           *sync.Mutex
}

// NewItem builds an Item. ExpirationDays of 0 means DefaultExpirationDays;
// a negative value disables expiry.
func NewItem(opts ItemOptions) *Item {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.ExpirationDays == 0 {
		opts.ExpirationDays = DefaultExpirationDays
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	return &Item{
		key:            opts.Key,
		store:          opts.Store,
		fetcher:        opts.Fetcher,
		clock:          opts.Clock,
		logger:         log.With(opts.Logger, map[string]any{"key": opts.Key}),
		expirationDays: opts.ExpirationDays,
		lock:           opts.Lock,
	}
}

// Key returns the cache key.
func (it *Item) Key() string { return it.key }

// AddObserver registers fn. It receives its first call on the next forced reconcile.
func (it *Item) AddObserver(fn UpdateFunc) {
	if fn == nil {
		return
	}
	it.mu.Lock()
	it.observers = append(it.observers, &observer{fn: fn})
	it.mu.Unlock()
}

// Observers returns the number of registered observers.
func (it *Item) Observers() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.observers)
}

// Content returns the last content delivered to observers.
func (it *Item) Content() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.lastGood
}

// Reconcile compares local and remote state, downloads or purges as needed
// and notifies observers. It reports whether local content changed.
// forceNotify guarantees observers that never received a call get one.
func (it *Item) Reconcile(ctx context.Context, forceNotify bool) bool {
	return it.reconcile(ctx, forceNotify).Changed
}

func (it *Item) reconcile(ctx context.Context, forceNotify bool) (res Result) {
	it.lock.Lock()
	defer it.lock.Unlock()

	notified := false
	defer func() {
		if forceNotify && !notified {
			it.notifyUnprimed(ctx, it.readLocalContent())
		}
	}()

	now := it.clock.Now()
	local := it.readLocalMetadata()
	remote, err := it.fetcher.Metadata(ctx, it.key)
	if err != nil {
		it.logger.Warn(map[string]any{"error": err}, "failed to fetch remote metadata")
		res.Err = err
		remote = nil
	}

	if local.IsEmpty() && remote.IsEmpty() {
		if err != nil {
			// transient failure, nothing is known about the key
			return res
		}
		it.logger.Debug(nil, "cache key unsupported, no local or remote content")
		switch {
		case !it.isEmptyNotified():
			it.notifyAll(ctx, nil)
		case forceNotify:
			it.notifyUnprimed(ctx, nil)
		}
		notified = true
		return res
	}
	res.Supported = true

	clamped := false
	if remote != nil && remote.Updated > now.Unix() {
		r := *remote
		r.Updated = now.Unix()
		remote = &r
		clamped = true
		it.logger.Warn(nil, "remote metadata timestamp is in the future, clamped to now")
	}

	needDownload := false
	switch {
	case !remote.IsComplete():
		// no update available
		if local.IsEmpty() && !remote.IsEmpty() {
			it.logger.Warn(map[string]any{"updated": remote.Updated, "sha256sum": remote.Sha256Sum}, "remote metadata incomplete and nothing cached locally, ambiguous upstream data")
		}
	case local.SameContent(remote):
		if !integrity.VerifyFile(it.store.ContentPath(it.key), local.Sha256Sum) {
			it.logger.Warn(nil, "local content failed integrity check, downloading again")
			needDownload = true
		} else if local.Updated < remote.Updated && !clamped {
			if err := it.store.WriteMetadata(it.key, *remote); err != nil {
				it.logger.Error(map[string]any{"error": err}, "failed to refresh local metadata")
				res.Err = err
			} else {
				// expiry below is judged on the refreshed timestamp
				refreshed := *remote
				local = &refreshed
			}
		}
	case local.IsComplete() && remote.Updated < local.Updated && integrity.VerifyFile(it.store.ContentPath(it.key), local.Sha256Sum):
		it.logger.Info(map[string]any{
			"remote_updated": remote.Updated,
			"local_updated":  local.Updated,
		}, "remote content is older than local, ignoring")
	default:
		needDownload = true
	}

	if needDownload && remote.Expired(now, it.expirationDays) {
		it.logger.Info(map[string]any{"updated": remote.Updated}, "remote content expired, not downloading")
		needDownload = false
	}

	if needDownload {
		content, ok := it.download(ctx, *remote, &res)
		if ok {
			it.mu.Lock()
			it.emptyNotified = false
			it.mu.Unlock()
			it.notifyAll(ctx, content)
			notified = true
			res.Changed = true
			return res
		}
	}

	if local.Expired(now, it.expirationDays) {
		it.logger.Info(map[string]any{"updated": local.Updated}, "local content expired, removing")
		if err := it.store.Delete(it.key); err != nil {
			it.logger.Error(map[string]any{"error": err}, "failed to remove expired content")
			res.Err = err
			return res
		}
		res.Changed = true
		if !it.isEmptyNotified() {
			it.notifyAll(ctx, nil)
			notified = true
		}
	}
	return res
}

// download fetches, verifies and persists remote content. Content lands before
// metadata so a crash never leaves metadata describing content that is not there.
func (it *Item) download(ctx context.Context, remote domain.CacheMetadata, res *Result) ([]byte, bool) {
	content, err := it.fetcher.Content(ctx, it.key)
	if err != nil {
		it.logger.Warn(map[string]any{"error": err}, "failed to download remote content")
		res.Err = err
		return nil, false
	}
	if content == nil {
		it.logger.Warn(nil, "remote metadata present but content missing")
		return nil, false
	}
	if !integrity.Verify(content, remote.Sha256Sum) {
		it.logger.Warn(map[string]any{
			"expected": remote.Sha256Sum,
			"actual":   integrity.Sum(content),
		}, "downloaded content does not match remote checksum, rejected")
		return nil, false
	}
	if err := it.store.WriteContent(it.key, content); err != nil {
		it.logger.Error(map[string]any{"error": err}, "failed to write local content")
		res.Err = err
		return nil, false
	}
	if err := it.store.WriteMetadata(it.key, remote); err != nil {
		it.logger.Error(map[string]any{"error": err}, "failed to write local metadata")
		res.Err = err
		return nil, false
	}
	it.logger.Info(map[string]any{"updated": remote.Updated, "size": len(content)}, "cache content updated")
	return content, true
}

func (it *Item) isEmptyNotified() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.emptyNotified
}

func (it *Item) readLocalMetadata() *domain.CacheMetadata {
	meta, err := it.store.ReadMetadata(it.key)
	if err != nil {
		it.logger.Warn(map[string]any{"error": err}, "failed to read local metadata, treating as absent")
		return nil
	}
	return meta
}

func (it *Item) readLocalContent() []byte {
	content, err := it.store.ReadContent(it.key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			it.logger.Warn(map[string]any{"error": err}, "failed to read local content")
		}
		return nil
	}
	return content
}

func (it *Item) snapshot(onlyUnprimed bool, content []byte) []*observer {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.lastGood = content
	if content == nil {
		it.emptyNotified = true
	}
	out := make([]*observer, 0, len(it.observers))
	for _, o := range it.observers {
		if onlyUnprimed && o.primed {
			continue
		}
		o.primed = true
		out = append(out, o)
	}
	return out
}

func (it *Item) notifyAll(ctx context.Context, content []byte) {
	it.call(ctx, it.snapshot(false, content), content)
}

func (it *Item) notifyUnprimed(ctx context.Context, content []byte) {
	it.call(ctx, it.snapshot(true, content), content)
}

func (it *Item) call(ctx context.Context, obs []*observer, content []byte) {
	start := time.Now()
	for _, o := range obs {
		o.fn(ctx, content)
	}
	if len(obs) > 0 {
		it.logger.Debug(map[string]any{
			"observers": len(obs),
			"size":      len(content),
			"took":      time.Since(start).String(),
		}, "cache observers notified")
	}
}
