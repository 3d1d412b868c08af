package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// GetApexDomain returns the registrable domain (eTLD+1) for name, or the
// canonical name itself when it cannot be determined.
func GetApexDomain(name string) string {
	name = CanonicalDNSName(name)
	apexDomain, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		apexDomain = name
	}
	return apexDomain
}

// SubDomains returns name followed by each of its parent suffixes, most specific
// first, stopping at the registrable domain. Public suffixes such as "com" or
// "co.uk" are never returned. Returns nil for invalid input.
//
//	SubDomains("a.b.example.com") == ["a.b.example.com", "b.example.com", "example.com"]
func SubDomains(name string) []string {
	cn := CanonicalDNSName(name)
	if !IsValidDomain(cn) {
		return nil
	}
	apex := GetApexDomain(cn)
	if !IsSubdomainOf(cn, apex) {
		// name is itself a public suffix or unparsable; only the name qualifies
		return []string{cn}
	}
	out := []string{cn}
	for cur := cn; cur != apex; {
		i := strings.IndexByte(cur, '.')
		if i < 0 {
			break
		}
		cur = cur[i+1:]
		out = append(out, cur)
	}
	return out
}

// IsSubdomainOf reports whether name equals parent or is below it.
func IsSubdomainOf(name, parent string) bool {
	name = CanonicalDNSName(name)
	parent = CanonicalDNSName(parent)
	if parent == "" {
		return false
	}
	return name == parent || strings.HasSuffix(name, "."+parent)
}
