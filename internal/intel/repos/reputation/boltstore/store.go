// Package boltstore keeps intel records and forwarder lists in an embedded
// bbolt database for single-node deployments without redis.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/reputation"
)

var (
	bucketIntel    = []byte("intel")
	bucketAllow    = []byte("allow")
	bucketBlock    = []byte("block")
	bucketTracking = []byte("tracking")
)

// boltStore implements reputation.Store using bbolt. Expired records are
// dropped lazily on read.
type boltStore struct {
	db    *bbolt.DB
	clock clock.Clock
}

// Options configures the bolt store.
type Options struct {
	Path  string
	Clock clock.Clock
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(opts Options) (reputation.Store, error) {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketIntel, bucketAllow, bucketBlock, bucketTracking} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, clock: opts.Clock}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) PutRecords(_ context.Context, recs []domain.IntelRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIntel)
		for _, r := range recs {
			buf, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r.Domain), buf); err != nil {
				return fmt.Errorf("put %s: %w", r.Domain, err)
			}
		}
		return nil
	})
}

func (s *boltStore) GetRecord(_ context.Context, name string) (*domain.IntelRecord, error) {
	var rec *domain.IntelRecord
	var expired bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIntel).Get([]byte(name))
		if v == nil {
			return nil
		}
		var r domain.IntelRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		if r.IsExpired(s.clock.Now()) {
			expired = true
			return nil
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketIntel).Delete([]byte(name))
		})
	}
	return rec, nil
}

func listBuckets(v domain.Verdict) (key, other []byte, err error) {
	switch v {
	case domain.VerdictAllow:
		return bucketAllow, bucketBlock, nil
	case domain.VerdictBlock:
		return bucketBlock, bucketAllow, nil
	default:
		return nil, nil, fmt.Errorf("no list for verdict %s", v)
	}
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixMilli()))
	return buf
}

func (s *boltStore) SetVerdict(_ context.Context, name string, v domain.Verdict, at time.Time) error {
	key, other, err := listBuckets(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(other).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(key).Put([]byte(name), encodeTime(at))
	})
}

func (s *boltStore) Verdict(_ context.Context, name string) (domain.Verdict, error) {
	v := domain.VerdictNone
	err := s.db.View(func(tx *bbolt.Tx) error {
		switch {
		case tx.Bucket(bucketAllow).Get([]byte(name)) != nil:
			v = domain.VerdictAllow
		case tx.Bucket(bucketBlock).Get([]byte(name)) != nil:
			v = domain.VerdictBlock
		}
		return nil
	})
	return v, err
}

func (s *boltStore) Members(_ context.Context, v domain.Verdict) ([]string, error) {
	key, _, err := listBuckets(v)
	if err != nil {
		return nil, err
	}
	type member struct {
		name string
		at   uint64
	}
	var members []member
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(key).ForEach(func(k, val []byte) error {
			var at uint64
			if len(val) == 8 {
				at = binary.BigEndian.Uint64(val)
			}
			members = append(members, member{name: string(k), at: at})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].at < members[j].at })
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.name
	}
	return out, nil
}

func (s *boltStore) Track(_ context.Context, rec domain.IntelRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTracking).Put([]byte(rec.Domain), encodeTime(rec.ExpiresAt))
	})
}

var _ reputation.Store = (*boltStore)(nil)
