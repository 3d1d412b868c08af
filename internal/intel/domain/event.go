package domain

import (
	"net"
	"strings"
)

// QueryEvent is a DNS query observed by the forwarder, either as a bloom
// pre-filter match or mirrored raw by the local listener.
type QueryEvent struct {
	MAC    string `json:"mac,omitempty"`
	IP4    string `json:"ip4,omitempty"`
	IP6    string `json:"ip6,omitempty"`
	Domain string `json:"domain"`
	BFPath string `json:"bf_path,omitempty"`
}

// SourceIP returns the querying client's address, preferring IPv4.
func (e QueryEvent) SourceIP() string {
	if e.IP4 != "" {
		return e.IP4
	}
	return e.IP6
}

// HasBloomMatch reports whether the event came from a bloom pre-filter hit.
func (e QueryEvent) HasBloomMatch() bool { return e.BFPath != "" }

// NormalizedMAC returns the MAC in lowercase colon form, or "" if it does not parse.
func (e QueryEvent) NormalizedMAC() string {
	if e.MAC == "" {
		return ""
	}
	hw, err := net.ParseMAC(strings.TrimSpace(e.MAC))
	if err != nil {
		return ""
	}
	return strings.ToLower(hw.String())
}
