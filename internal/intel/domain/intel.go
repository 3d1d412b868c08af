package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Category values used by the classification oracle.
const (
	// CategoryIntel marks a malicious destination.
	CategoryIntel = "intel"
	// CategoryGood is the placeholder category written for domains the oracle had nothing on.
	CategoryGood = "x"
)

// ErrNoValidRecords means the oracle answered with records but none of them
// passed validation. It is not an empty answer.
var ErrNoValidRecords = errors.New("classification: no valid records")

// IntelRecord is a structured verdict about a single domain.
//
// Notes:
// - Domain is canonical (lowercase, no trailing dot).
// - ExpiresAt is absolute; the zero value means "use the default TTL" when stored.
type IntelRecord struct {
	Domain    string    `json:"domain"`
	Category  string    `json:"category"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsIntel reports whether the record marks the domain as malicious.
func (r IntelRecord) IsIntel() bool { return r.Category == CategoryIntel }

// IsExpired reports whether the record has lapsed at now. Records without an
// expiry never lapse on their own.
func (r IntelRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Covers reports whether the record applies to name: name equals the record's
// domain or is one of its sub-domains.
func (r IntelRecord) Covers(name string) bool {
	if r.Domain == "" {
		return false
	}
	return name == r.Domain || strings.HasSuffix(name, "."+r.Domain)
}

// GoodRecord builds the placeholder verdict stored for domains with no intel.
func GoodRecord(name string, expiresAt time.Time) IntelRecord {
	return IntelRecord{Domain: name, Category: CategoryGood, ExpiresAt: expiresAt}
}

// SortBySpecificity orders records longest domain first. The sort is stable so
// records of equal length keep the order the oracle returned them in.
func SortBySpecificity(recs []IntelRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return len(recs[i].Domain) > len(recs[j].Domain)
	})
}

// MostSpecific returns the first record in recs that covers name. recs must
// already be sorted by SortBySpecificity.
func MostSpecific(recs []IntelRecord, name string) (IntelRecord, bool) {
	for _, r := range recs {
		if r.Covers(name) {
			return r, true
		}
	}
	return IntelRecord{}, false
}
