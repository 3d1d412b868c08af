package bloom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/rr-intel/internal/intel/common/blobcodec"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

// ErrEmptyFilter is returned when a payload decodes to a filter with no bits.
var ErrEmptyFilter = errors.New("bloom: empty filter")

// Store holds the current filter per prefix. Readers never block: the set of
// filters is an immutable map swapped atomically on every change.
type Store interface {
	// Load decodes a base64+zlib payload and replaces the filter for entry.Prefix.
	// On error the previous filter stays in place.
	Load(entry domain.BloomEntry, payload []byte) error
	// LoadDecoded is Load for an already decoded filter.
	LoadDecoded(entry domain.BloomEntry, raw []byte) error
	// Test reports whether the filter for prefix may contain value. No filter means false.
	Test(prefix, value string) bool
	// TestAny reports whether any loaded filter may contain value.
	TestAny(value string) bool
	// Remove unloads the filter for prefix.
	Remove(prefix string)
	// Prefixes lists the loaded prefixes in sorted order.
	Prefixes() []string
}

// Options configures a Store.
type Options struct {
	Logger log.Logger
}

type loaded struct {
	entry  domain.BloomEntry
	filter *bitsbloom.BloomFilter
}

type store struct {
	mu      sync.Mutex // serializes writers
	filters atomic.Pointer[map[string]loaded]
	logger  log.Logger
}

// NewStore returns an empty Store.
func NewStore(opts Options) Store {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	s := &store{logger: opts.Logger}
	empty := map[string]loaded{}
	s.filters.Store(&empty)
	return s
}

func (s *store) Load(entry domain.BloomEntry, payload []byte) error {
	raw, err := blobcodec.Decode(payload)
	if err != nil {
		return fmt.Errorf("bloom %s: %w", entry.Prefix, err)
	}
	return s.LoadDecoded(entry, raw)
}

func (s *store) LoadDecoded(entry domain.BloomEntry, raw []byte) error {
	f, err := parse(raw)
	if err != nil {
		return fmt.Errorf("bloom %s: %w", entry.Prefix, err)
	}
	if (entry.Bits != 0 && uint64(f.Cap()) != entry.Bits) || (entry.Hashes != 0 && uint8(f.K()) != entry.Hashes) {
		s.logger.Warn(map[string]any{
			"prefix":        entry.Prefix,
			"bits":          f.Cap(),
			"hashes":        f.K(),
			"expect_bits":   entry.Bits,
			"expect_hashes": entry.Hashes,
		}, "bloom filter shape differs from configured entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.filters.Load()
	next := make(map[string]loaded, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[entry.Prefix] = loaded{entry: entry, filter: f}
	s.filters.Store(&next)
	return nil
}

// binary header: m, k and the bitset length in bits, each a big-endian uint64.
const headerSize = 24

// maxHashes matches the uint8 hash count carried by domain.BloomEntry.
const maxHashes = 255

// ErrBadHeader is returned when a binary filter header does not match its body.
var ErrBadHeader = errors.New("bloom: bad filter header")

// parse reads the library's binary encoding, or its JSON encoding when the
// payload starts with '{'. Payloads come from the network, so a panic inside
// the decoder is turned into an error.
func parse(raw []byte) (f *bitsbloom.BloomFilter, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("decode filter: %v", r)
		}
	}()

	f = &bitsbloom.BloomFilter{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := f.UnmarshalJSON(trimmed); err != nil {
			return nil, fmt.Errorf("decode json filter: %w", err)
		}
	} else {
		if err := checkHeader(raw); err != nil {
			return nil, err
		}
		if _, err := f.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("decode binary filter: %w", err)
		}
	}
	if f.Cap() == 0 || f.K() == 0 {
		return nil, ErrEmptyFilter
	}
	if f.K() > maxHashes || f.Cap() > f.BitSet().Len() {
		return nil, fmt.Errorf("%w: m=%d k=%d bitset=%d", ErrBadHeader, f.Cap(), f.K(), f.BitSet().Len())
	}
	return f, nil
}

// checkHeader rejects headers whose declared sizes the body cannot hold,
// before the decoder allocates for them.
func checkHeader(raw []byte) error {
	if len(raw) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrBadHeader, len(raw))
	}
	m := binary.BigEndian.Uint64(raw[0:8])
	k := binary.BigEndian.Uint64(raw[8:16])
	length := binary.BigEndian.Uint64(raw[16:24])
	if m == 0 || k == 0 {
		return ErrEmptyFilter
	}
	words := length / 64
	if length%64 != 0 {
		words++
	}
	if k > maxHashes || m > length || words > uint64(len(raw)-headerSize)/8 {
		return fmt.Errorf("%w: m=%d k=%d bitset=%d body=%d", ErrBadHeader, m, k, length, len(raw)-headerSize)
	}
	return nil
}

func (s *store) Test(prefix, value string) bool {
	l, ok := (*s.filters.Load())[prefix]
	if !ok {
		return false
	}
	return l.filter.TestString(value)
}

func (s *store) TestAny(value string) bool {
	for _, l := range *s.filters.Load() {
		if l.filter.TestString(value) {
			return true
		}
	}
	return false
}

func (s *store) Remove(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.filters.Load()
	if _, ok := cur[prefix]; !ok {
		return
	}
	next := make(map[string]loaded, len(cur))
	for k, v := range cur {
		if k != prefix {
			next[k] = v
		}
	}
	s.filters.Store(&next)
}

func (s *store) Prefixes() []string {
	cur := *s.filters.Load()
	out := make([]string, 0, len(cur))
	for k := range cur {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*store)(nil)
