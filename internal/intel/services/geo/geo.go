// Package geo keeps MaxMind country databases delivered through the cloud
// cache and answers country lookups for alarm enrichment.
package geo

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/haukened/rr-intel/internal/intel/common/blobcodec"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
)

// DefaultKeys are the cache keys for the IPv4 and IPv6 databases.
var DefaultKeys = []string{"mmdb:ipv4", "mmdb:ipv6"}

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// openReader parses a decoded MaxMind database. Swapped in tests.
var openReader = func(raw []byte) (countryReader, error) {
	return geoip2.FromBytes(raw)
}

// Registrar is the part of the cloud cache registry the service needs.
type Registrar interface {
	Enable(ctx context.Context, key string, onUpdate cloudcache.UpdateFunc) bool
	Disable(key string)
}

// Service is safe for concurrent use.
type Service struct {
	logger log.Logger

	mu      sync.RWMutex
	readers map[string]countryReader
}

// Options configures a Service.
type Options struct {
	Logger log.Logger
}

// New returns a Service with no databases loaded.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Service{logger: log.Component(opts.Logger, "geo"), readers: make(map[string]countryReader)}
}

// Enable subscribes to keys and returns the ones the remote supports.
func (s *Service) Enable(ctx context.Context, reg Registrar, keys []string) []string {
	var supported []string
	for _, key := range keys {
		if reg.Enable(ctx, key, func(_ context.Context, content []byte) { s.apply(key, content) }) {
			supported = append(supported, key)
		} else {
			s.logger.Warn(map[string]any{"key": key}, "country database not available")
		}
	}
	return supported
}

// Disable unsubscribes keys and closes their readers.
func (s *Service) Disable(reg Registrar, keys []string) {
	for _, key := range keys {
		reg.Disable(key)
		s.Remove(key)
	}
}

func (s *Service) apply(key string, content []byte) {
	if content == nil {
		s.Remove(key)
		s.logger.Info(map[string]any{"key": key}, "country database removed")
		return
	}
	if err := s.Load(key, content); err != nil {
		s.logger.Error(map[string]any{"key": key, "error": err}, "rejected country database update")
		return
	}
	s.logger.Info(map[string]any{"key": key, "size": len(content)}, "country database loaded")
}

// Load decodes a base64+zlib MaxMind database and installs it under key.
// On error the current reader is kept.
func (s *Service) Load(key string, payload []byte) error {
	raw, err := blobcodec.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	r, err := openReader(raw)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	s.mu.Lock()
	old := s.readers[key]
	s.readers[key] = r
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Remove drops the reader for key.
func (s *Service) Remove(key string) {
	s.mu.Lock()
	old := s.readers[key]
	delete(s.readers, key)
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Loaded lists the keys with a reader, sorted.
func (s *Service) Loaded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.readers))
	for k := range s.readers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Country returns the ISO country code for a public address, or "".
func (s *Service) Country(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil || !isPublic(addr) {
		return ""
	}
	family := "ipv6"
	if addr.To4() != nil {
		family = "ipv4"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.orderFor(family) {
		rec, err := s.readers[key].Country(addr)
		if err != nil || rec == nil {
			continue
		}
		if code := rec.Country.IsoCode; code != "" {
			return code
		}
	}
	return ""
}

// orderFor puts readers whose key names the family first. Caller holds mu.
func (s *Service) orderFor(family string) []string {
	keys := make([]string, 0, len(s.readers))
	for k := range s.readers {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		mi, mj := strings.HasSuffix(keys[i], family), strings.HasSuffix(keys[j], family)
		if mi != mj {
			return mi
		}
		return keys[i] < keys[j]
	})
	return keys
}

func isPublic(ip net.IP) bool {
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified())
}
