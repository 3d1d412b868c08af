package pipeline

import (
	"context"
	"time"

	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/services/policy"
)

// Reputation is the TTL'd verdict cache plus the forwarder lists.
type Reputation interface {
	Lookup(ctx context.Context, name string) (*domain.IntelRecord, bool)
	Persist(ctx context.Context, recs []domain.IntelRecord)
	Decide(ctx context.Context, name string, v domain.Verdict)
	DefaultExpiry() time.Time
}

// Oracle classifies a bare domain remotely.
type Oracle interface {
	Check(ctx context.Context, name string) ([]domain.IntelRecord, error)
}

// Devices resolves client identity and the operator trust list.
type Devices interface {
	DeviceByMAC(ctx context.Context, mac string) (*domain.Device, error)
	MACByIP(ctx context.Context, ip string) (string, error)
	TrustedDomains(ctx context.Context) ([]string, error)
}

// PolicyResolver returns the effective settings for a set of scopes.
type PolicyResolver interface {
	Resolve(ctx context.Context, targets ...domain.Target) policy.Settings
}

// AlarmQueue accepts alarms with dedup-on-enqueue.
type AlarmQueue interface {
	Enqueue(ctx context.Context, a domain.Alarm) (bool, error)
}

// Geo maps a client address to a country code, "" when unknown.
type Geo interface {
	Country(ip string) string
}

// Recorder observes every outcome.
type Recorder interface {
	ObserveOutcome(o domain.Outcome)
}
