package utils

import (
	"strings"

	"github.com/miekg/dns"
)

// CanonicalDNSName returns a DNS name in canonical form:
// - Lowercased
// - Trimmed of surrounding whitespace
// - No trailing dot; reputation keys and list members are stored without it.
func CanonicalDNSName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// IsValidDomain reports whether name (canonical or not) is a syntactically valid
// multi-label domain name suitable for classification.
func IsValidDomain(name string) bool {
	cn := CanonicalDNSName(name)
	if cn == "" || !strings.Contains(cn, ".") {
		return false
	}
	if strings.Contains(cn, "..") {
		return false
	}
	_, ok := dns.IsDomainName(cn)
	return ok
}
