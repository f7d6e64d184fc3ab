// Package redisledger keeps the rate limit ledger in Redis sorted sets, one
// set per taxpayer scored by event time.
package redisledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
)

// DefaultPrefix namespaces the ledger keys.
const DefaultPrefix = "ratelimit:"

// Client is the subset of redis commands the ledger uses.
type Client interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Ledger implements ratelimit.Ledger.
type Ledger struct {
	client Client
	prefix string
	seq    atomic.Uint64
}

var _ ratelimit.Ledger = (*Ledger)(nil)

// New wraps a redis client.
func New(client Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ledger{client: client, prefix: prefix}
}

// Dial connects to addr, instruments the client for tracing and checks the
// connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		return nil, fmt.Errorf("instrumenting redis: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

func (l *Ledger) key(taxID string) string {
	return l.prefix + taxID
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// Append adds an event and trims the events that left every window.
func (l *Ledger) Append(ctx context.Context, taxID string, c ratelimit.Category, at time.Time) error {
	key := l.key(taxID)
	member := fmt.Sprintf("%d:%d:%d", int(c), at.UnixNano(), l.seq.Add(1))
	if err := l.client.ZAdd(ctx, key, redis.Z{Score: score(at), Member: member}).Err(); err != nil {
		return fmt.Errorf("appending ledger event: %w", err)
	}
	horizon := at.Add(-2 * ratelimit.Window)
	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatFloat(score(horizon), 'f', 0, 64)).Err(); err != nil {
		return fmt.Errorf("trimming ledger: %w", err)
	}
	return l.client.Expire(ctx, key, 2*ratelimit.Window).Err()
}

// CountSince counts the events of taxID at or after since.
func (l *Ledger) CountSince(ctx context.Context, taxID string, since time.Time) (map[ratelimit.Category]int, error) {
	members, err := l.client.ZRangeByScore(ctx, l.key(taxID), &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(since), 'f', 0, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	counts := make(map[ratelimit.Category]int)
	for _, m := range members {
		prefix, _, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		c, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		counts[ratelimit.Category(c)]++
	}
	return counts, nil
}
