package reputation

import (
	"context"
	"time"

	"github.com/haukened/rr-intel/internal/intel/domain"
)

// Store persists classification records and the forwarder's allow/block lists.
// Implementations must keep a domain in at most one list.
type Store interface {
	// PutRecords writes every record. Records must carry ExpiresAt.
	PutRecords(ctx context.Context, recs []domain.IntelRecord) error
	// GetRecord returns the record for name, or nil when missing or expired.
	GetRecord(ctx context.Context, name string) (*domain.IntelRecord, error)
	// SetVerdict places name on the list for v and removes it from the other list.
	SetVerdict(ctx context.Context, name string, v domain.Verdict, at time.Time) error
	// Verdict reports which list name is on, if any.
	Verdict(ctx context.Context, name string) (domain.Verdict, error)
	// Members lists the domains on the list for v, oldest decision first.
	Members(ctx context.Context, v domain.Verdict) ([]string, error)
	// Track indexes an intel record so other tools can revalidate it.
	Track(ctx context.Context, rec domain.IntelRecord) error
	Close() error
}

// ListKeys names the two forwarder lists.
type ListKeys struct {
	Allow string
	Block string
}

// DefaultListKeys are the list names the forwarder reads.
var DefaultListKeys = ListKeys{Allow: "fastdns:allow_list", Block: "fastdns:block_list"}

// TrackingKey is the index of intel-category records.
const TrackingKey = "intel:security:tracking"
