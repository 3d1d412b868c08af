package cloudcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-intel/internal/intel/common/integrity"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

// fakeFetcher serves metadata and content from maps.
type fakeFetcher struct {
	mu       sync.Mutex
	meta     map[string]*domain.CacheMetadata
	content  map[string][]byte
	metaErr  error
	fetchErr error

	metaCalls    int32
	contentCalls int32

	// block, when set for a key, is waited on before Metadata returns.
	block map[string]chan struct{}
	// active tracks concurrent Metadata calls per key.
	active    map[string]int
	maxActive map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		meta:      map[string]*domain.CacheMetadata{},
		content:   map[string][]byte{},
		block:     map[string]chan struct{}{},
		active:    map[string]int{},
		maxActive: map[string]int{},
	}
}

// publish sets content and matching metadata for key.
func (f *fakeFetcher) publish(key string, content []byte, updated int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[key] = content
	f.meta[key] = &domain.CacheMetadata{Updated: updated, Sha256Sum: integrity.Sum(content)}
}

func (f *fakeFetcher) Metadata(ctx context.Context, key string) (*domain.CacheMetadata, error) {
	atomic.AddInt32(&f.metaCalls, 1)
	f.mu.Lock()
	f.active[key]++
	if f.active[key] > f.maxActive[key] {
		f.maxActive[key] = f.active[key]
	}
	ch := f.block[key]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[key]--
		f.mu.Unlock()
	}()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	m, ok := f.meta[key]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeFetcher) Content(_ context.Context, key string) ([]byte, error) {
	atomic.AddInt32(&f.contentCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.content[key], nil
}

// countingStore wraps a Store and counts writes.
type countingStore struct {
	Store
	contentWrites  int32
	metadataWrites int32
	deletes        int32
}

func (c *countingStore) WriteContent(key string, data []byte) error {
	atomic.AddInt32(&c.contentWrites, 1)
	return c.Store.WriteContent(key, data)
}

func (c *countingStore) WriteMetadata(key string, meta domain.CacheMetadata) error {
	atomic.AddInt32(&c.metadataWrites, 1)
	return c.Store.WriteMetadata(key, meta)
}

func (c *countingStore) Delete(key string) error {
	atomic.AddInt32(&c.deletes, 1)
	return c.Store.Delete(key)
}

func (c *countingStore) writes() int32 {
	return atomic.LoadInt32(&c.contentWrites) + atomic.LoadInt32(&c.metadataWrites) + atomic.LoadInt32(&c.deletes)
}

// recorder collects observer calls.
type recorder struct {
	mu    sync.Mutex
	calls [][]byte
}

func (r *recorder) fn(_ context.Context, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, content)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}
