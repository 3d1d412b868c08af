package domain

import (
	"strings"
	"time"
)

// CacheMetadata describes one version of a cloud cache item's content.
// It is persisted as a JSON sidecar next to the content and fetched from the
// remote authority under the "metadata:<key>" name.
type CacheMetadata struct {
	Updated   int64  `json:"updated"`   // epoch seconds
	Sha256Sum string `json:"sha256sum"` // lowercase hex
}

// IsComplete reports whether both required fields are present.
func (m *CacheMetadata) IsComplete() bool {
	return m != nil && m.Updated > 0 && strings.TrimSpace(m.Sha256Sum) != ""
}

// IsEmpty reports whether the metadata carries no information at all.
func (m *CacheMetadata) IsEmpty() bool {
	return m == nil || (m.Updated == 0 && strings.TrimSpace(m.Sha256Sum) == "")
}

// SameContent reports whether both sides describe the same content checksum.
func (m *CacheMetadata) SameContent(other *CacheMetadata) bool {
	if m == nil || other == nil || m.Sha256Sum == "" || other.Sha256Sum == "" {
		return false
	}
	return strings.EqualFold(m.Sha256Sum, other.Sha256Sum)
}

// UpdatedAt returns Updated as a time.Time.
func (m *CacheMetadata) UpdatedAt() time.Time {
	return time.Unix(m.Updated, 0)
}

// Expired reports whether the metadata is more than days old at now.
// days <= 0 disables expiry.
func (m *CacheMetadata) Expired(now time.Time, days int) bool {
	if m == nil || days <= 0 || m.Updated <= 0 {
		return false
	}
	age := now.Sub(m.UpdatedAt()).Hours() / 24
	return age > float64(days)
}
