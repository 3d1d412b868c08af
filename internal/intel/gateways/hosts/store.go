// Package hosts reads device identity, trusted domains and per-scope policy
// from the shared redis store maintained by the rest of the platform.
package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/rr-intel/internal/intel/common/utils"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

const (
	macPrefix = "host:mac:"
	ip4Prefix = "host:ip4:"
	ip6Prefix = "host:ip6:"

	// TrustedKey is the set of domains whose intel never raises alarms.
	TrustedKey = "intel:trusted_domains"
	// FeaturesKey holds feature flag overrides, "1" or "0" per feature.
	FeaturesKey = "sys:features"
	// PolicyField is the policy hash field holding the intel settings document.
	PolicyField = "dns_intel"
)

// Store implements device lookup, trust and policy reads on redis.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore returns a Store. Client must be non-nil.
func NewStore(rdb redis.UniversalClient) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("hosts: nil redis client")
	}
	return &Store{rdb: rdb}, nil
}

// DeviceByMAC returns the device registered under mac, or nil if unknown.
func (s *Store) DeviceByMAC(ctx context.Context, mac string) (*domain.Device, error) {
	mac = strings.ToLower(mac)
	vals, err := s.rdb.HGetAll(ctx, macPrefix+mac).Result()
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", mac, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	d := &domain.Device{
		ID:      mac,
		MAC:     mac,
		IP:      vals["ipv4Addr"],
		Name:    firstNonEmpty(vals["name"], vals["bname"], mac),
		Network: vals["intf"],
		Tags:    parseTags(vals["tags"]),
	}
	return d, nil
}

// MACByIP maps a client address to the MAC last seen using it, or "".
func (s *Store) MACByIP(ctx context.Context, ip string) (string, error) {
	key := ip4Prefix + ip
	if strings.Contains(ip, ":") {
		key = ip6Prefix + ip
	}
	mac, err := s.rdb.HGet(ctx, key, "mac").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mac for %s: %w", ip, err)
	}
	return strings.ToLower(mac), nil
}

// TrustedDomains returns the operator-managed trusted domain set.
func (s *Store) TrustedDomains(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, TrustedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("trusted domains: %w", err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if c := utils.CanonicalDNSName(m); c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// Feature returns the override for a feature flag and whether one is set.
func (s *Store) Feature(ctx context.Context, name string) (enabled, set bool, err error) {
	v, err := s.rdb.HGet(ctx, FeaturesKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("feature %s: %w", name, err)
	}
	return v == "1" || strings.EqualFold(v, "true"), true, nil
}

// Policy returns the intel settings stored for target, or nil when none are.
func (s *Store) Policy(ctx context.Context, target domain.Target) (map[string]any, error) {
	raw, err := s.rdb.HGet(ctx, target.Key(), PolicyField).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", target.Key(), err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", target.Key(), err)
	}
	return out, nil
}

// parseTags accepts a JSON array (of strings or numbers) or a comma list.
func parseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
