package cloudcache

import (
	"context"

	"github.com/haukened/rr-intel/internal/intel/domain"
)

// Fetcher reads artifacts from the remote authority.
type Fetcher interface {
	// Metadata returns the remote metadata for key, or nil when the authority has none.
	Metadata(ctx context.Context, key string) (*domain.CacheMetadata, error)
	// Content returns the remote content for key, or nil when the authority has none.
	Content(ctx context.Context, key string) ([]byte, error)
}

// Store persists one content blob and one metadata sidecar per key.
type Store interface {
	// ReadContent returns the local content. A missing file is an error wrapping fs.ErrNotExist.
	ReadContent(key string) ([]byte, error)
	// ReadMetadata returns the local metadata, or nil when there is none.
	ReadMetadata(key string) (*domain.CacheMetadata, error)
	WriteContent(key string, data []byte) error
	WriteMetadata(key string, meta domain.CacheMetadata) error
	// Delete removes both files. Missing files are not an error.
	Delete(key string) error
	// ContentPath is where the content for key lives on disk.
	ContentPath(key string) string
}

// UpdateFunc receives the current content of a key. A nil slice means the key
// has no usable content (unsupported, expired or removed).
//
// Callbacks run while the key is locked; they must not call back into the
// registry for the same key.
type UpdateFunc func(ctx context.Context, content []byte)

// Subscriber delivers broadcast messages. Subscribe blocks until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload string)) error
}
