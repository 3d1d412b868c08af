package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// BloomEntry identifies one bloom filter variant distributed by the authority.
// Bits and Hashes are the filter's shape; Count and ErrorRate are the sizing
// inputs it was derived from and are echoed into the forwarder config.
type BloomEntry struct {
	Prefix    string  `json:"prefix" yaml:"prefix"`
	Bits      uint64  `json:"bits" yaml:"bits"`
	Hashes    uint8   `json:"hashes" yaml:"hashes"`
	Count     uint64  `json:"count" yaml:"count"`
	ErrorRate float64 `json:"error" yaml:"error"`
}

// CacheKey is the cloud cache key the filter is published under.
func (e BloomEntry) CacheKey() string {
	return fmt.Sprintf("bf:%s:%d:%s", e.Prefix, e.Count, strconv.FormatFloat(e.ErrorRate, 'g', -1, 64))
}

// DataFile is the file name of the decoded filter inside the bloom data directory.
func (e BloomEntry) DataFile() string {
	return e.Prefix + ".bf.data"
}

// ParseBloomSpec parses "prefix:count:errorRate" into an entry with Bits and
// Hashes left zero for the caller to size.
func ParseBloomSpec(spec string) (BloomEntry, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) != 3 {
		return BloomEntry{}, fmt.Errorf("bloom spec %q: want prefix:count:errorRate", spec)
	}
	prefix := strings.TrimSpace(parts[0])
	if prefix == "" || strings.ContainsAny(prefix, "/\\") {
		return BloomEntry{}, fmt.Errorf("bloom spec %q: invalid prefix", spec)
	}
	count, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || count == 0 {
		return BloomEntry{}, fmt.Errorf("bloom spec %q: invalid count", spec)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil || !(rate > 0 && rate < 1) {
		return BloomEntry{}, fmt.Errorf("bloom spec %q: error rate must be in (0,1)", spec)
	}
	return BloomEntry{Prefix: prefix, Count: count, ErrorRate: rate}, nil
}
