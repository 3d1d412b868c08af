// Package redisstore keeps intel records and forwarder lists in redis, where
// the DNS forwarder and other tools read them.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/reputation"
)

// recordPrefix prefixes the hash holding one record.
const recordPrefix = "intel:dns:"

type store struct {
	rdb  redis.UniversalClient
	keys reputation.ListKeys
}

// Options configures the redis store.
type Options struct {
	Client redis.UniversalClient
	Keys   reputation.ListKeys
}

// New returns a reputation.Store backed by redis.
func New(opts Options) (reputation.Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redisstore: nil client")
	}
	if opts.Keys.Allow == "" || opts.Keys.Block == "" {
		opts.Keys = reputation.DefaultListKeys
	}
	return &store{rdb: opts.Client, keys: opts.Keys}, nil
}

func recordKey(name string) string { return recordPrefix + name }

func (s *store) PutRecords(ctx context.Context, recs []domain.IntelRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range recs {
			key := recordKey(r.Domain)
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, map[string]any{
				"c": r.Category,
				"r": r.Reason,
				"e": r.ExpiresAt.Unix(),
			})
			pipe.ExpireAt(ctx, key, r.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put records: %w", err)
	}
	return nil
}

func (s *store) GetRecord(ctx context.Context, name string) (*domain.IntelRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, recordKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", name, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	rec := &domain.IntelRecord{Domain: name, Category: vals["c"], Reason: vals["r"]}
	if e, err := strconv.ParseInt(vals["e"], 10, 64); err == nil && e > 0 {
		rec.ExpiresAt = time.Unix(e, 0)
	}
	return rec, nil
}

func (s *store) listKey(v domain.Verdict) (key, other string, err error) {
	switch v {
	case domain.VerdictAllow:
		return s.keys.Allow, s.keys.Block, nil
	case domain.VerdictBlock:
		return s.keys.Block, s.keys.Allow, nil
	default:
		return "", "", fmt.Errorf("no list for verdict %s", v)
	}
}

func (s *store) SetVerdict(ctx context.Context, name string, v domain.Verdict, at time.Time) error {
	key, other, err := s.listKey(v)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, other, name)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: name})
		return nil
	})
	if err != nil {
		return fmt.Errorf("set verdict %s for %s: %w", v, name, err)
	}
	return nil
}

func (s *store) Verdict(ctx context.Context, name string) (domain.Verdict, error) {
	for _, v := range []domain.Verdict{domain.VerdictAllow, domain.VerdictBlock} {
		key, _, _ := s.listKey(v)
		_, err := s.rdb.ZScore(ctx, key, name).Result()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, redis.Nil) {
			return domain.VerdictNone, fmt.Errorf("verdict %s: %w", name, err)
		}
	}
	return domain.VerdictNone, nil
}

func (s *store) Members(ctx context.Context, v domain.Verdict) ([]string, error) {
	key, _, err := s.listKey(v)
	if err != nil {
		return nil, err
	}
	return s.rdb.ZRange(ctx, key, 0, -1).Result()
}

func (s *store) Track(ctx context.Context, rec domain.IntelRecord) error {
	return s.rdb.ZAdd(ctx, reputation.TrackingKey, redis.Z{
		Score:  float64(rec.ExpiresAt.Unix()),
		Member: rec.Domain,
	}).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *store) Close() error { return nil }

var _ reputation.Store = (*store)(nil)
