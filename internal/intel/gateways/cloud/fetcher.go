// Package cloud fetches cache artifacts from the remote intel authority over HTTP.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
)

const (
	errBaseURLRequired = "cloud base URL is required"
	errBadStatus       = "GET %s: unexpected status %d"
	errRequestFailed   = "GET %s: %w"
	errDecodeMetadata  = "decode metadata for %s: %w"
	errBodyTooLarge    = "GET %s: body exceeds %d bytes"
)

// MetadataPrefix is prepended to a key to address its metadata.
const MetadataPrefix = "metadata:"

// DefaultMaxBody bounds a single artifact download.
const DefaultMaxBody = 128 << 20

// Fetcher implements cloudcache.Fetcher against GET {base}/v1/cache/{key}.
type Fetcher struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

// Options configures a Fetcher.
type Options struct {
	BaseURL string
	Timeout time.Duration
	MaxBody int64
	// Client is injectable for tests.
	Client *http.Client
}

// NewFetcher validates opts. Timeout defaults to 10 seconds.
func NewFetcher(opts Options) (*Fetcher, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New(errBaseURLRequired)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse cloud base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Fetcher{base: base, client: opts.Client, timeout: opts.Timeout, maxBody: opts.MaxBody}, nil
}

// ensureContextDeadline applies the default timeout when ctx has no deadline.
func (f *Fetcher) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, f.timeout)
	}
	return ctx, func() {}
}

func (f *Fetcher) endpoint(name string) string {
	return f.base.String() + "/v1/cache/" + url.PathEscape(name)
}

// get returns the body, or nil for 404.
func (f *Fetcher) get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := f.ensureContextDeadline(ctx)
	defer cancel()

	u := f.endpoint(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errRequestFailed, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(errBadStatus, u, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf(errRequestFailed, u, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf(errBodyTooLarge, u, f.maxBody)
	}
	return body, nil
}

// Metadata returns nil when the authority has no metadata or an empty document for key.
func (f *Fetcher) Metadata(ctx context.Context, key string) (*domain.CacheMetadata, error) {
	body, err := f.get(ctx, MetadataPrefix+key)
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return nil, err
	}
	var meta domain.CacheMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf(errDecodeMetadata, key, err)
	}
	return &meta, nil
}

// Content returns nil when the authority has nothing for key.
func (f *Fetcher) Content(ctx context.Context, key string) ([]byte, error) {
	return f.get(ctx, key)
}

var _ cloudcache.Fetcher = (*Fetcher)(nil)
