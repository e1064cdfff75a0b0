// Package redisstore keeps usage records in Redis hashes so every gateway
// replica meters against the same counters.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/studylive/pkg/usage"
)

const (
	keyPrefix = "studylive:usage:"

	fieldSessions  = "sessions"
	fieldMinutes   = "minutes"
	fieldUpdatedAt = "updated_at"

	// DefaultTTL outlives a daily period so the record is still readable by
	// late session ends around midnight.
	DefaultTTL = 48 * time.Hour
)

// incrementIfBelow bumps the session counter only while it is below ARGV[1].
// Returns {ok, sessions, minutes, updated_at}.
var incrementIfBelow = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'sessions') or '0')
local ok = 0
if used < tonumber(ARGV[1]) then
  used = redis.call('HINCRBY', KEYS[1], 'sessions', 1)
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ok = 1
end
local minutes = redis.call('HGET', KEYS[1], 'minutes') or '0'
local updated = redis.call('HGET', KEYS[1], 'updated_at') or ''
return {ok, used, minutes, updated}
`)

// Store implements usage.Store on Redis.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

var _ usage.Store = (*Store)(nil)

// New creates a Store. ttl <= 0 uses DefaultTTL.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// NewFromURL parses a redis:// URL and pings the server.
func NewFromURL(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(client, ttl), nil
}

func (s *Store) Close() error { return s.client.Close() }

func recordKey(key, period string) string {
	return keyPrefix + period + ":" + key
}

func (s *Store) Get(ctx context.Context, key, period string) (usage.Record, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(key, period)).Result()
	if err != nil {
		if err == redis.Nil {
			return usage.Record{}, nil
		}
		return usage.Record{}, err
	}
	return parseRecord(fields)
}

func (s *Store) IncrementSessions(ctx context.Context, key, period string) (usage.Record, error) {
	return s.mutate(ctx, key, period, func(pipe redis.Pipeliner, k string) {
		pipe.HIncrBy(ctx, k, fieldSessions, 1)
	})
}

func (s *Store) AddMinutes(ctx context.Context, key, period string, minutes float64) (usage.Record, error) {
	return s.mutate(ctx, key, period, func(pipe redis.Pipeliner, k string) {
		pipe.HIncrByFloat(ctx, k, fieldMinutes, minutes)
	})
}

func (s *Store) IncrementSessionsIfBelow(ctx context.Context, key, period string, limit int) (usage.Record, bool, error) {
	k := recordKey(key, period)
	res, err := incrementIfBelow.Run(ctx, s.client, []string{k},
		limit, s.ttl.Milliseconds(), s.stamp()).Slice()
	if err != nil {
		return usage.Record{}, false, err
	}
	return parseScriptResult(res)
}

func (s *Store) Reset(ctx context.Context, key, period string) error {
	return s.client.Del(ctx, recordKey(key, period)).Err()
}

// mutate applies op, refreshes the TTL and reads the record back in one
// MULTI/EXEC.
func (s *Store) mutate(ctx context.Context, key, period string, op func(redis.Pipeliner, string)) (usage.Record, error) {
	k := recordKey(key, period)
	var read *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(pipe, k)
		pipe.HSet(ctx, k, fieldUpdatedAt, s.stamp())
		pipe.Expire(ctx, k, s.ttl)
		read = pipe.HGetAll(ctx, k)
		return nil
	})
	if err != nil {
		return usage.Record{}, err
	}
	return parseRecord(read.Val())
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseRecord(fields map[string]string) (usage.Record, error) {
	var rec usage.Record
	if v := fields[fieldSessions]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return usage.Record{}, fmt.Errorf("redisstore: bad sessions %q: %w", v, err)
		}
		rec.SessionsUsed = n
	}
	if v := fields[fieldMinutes]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return usage.Record{}, fmt.Errorf("redisstore: bad minutes %q: %w", v, err)
		}
		rec.MinutesUsed = f
	}
	if v := fields[fieldUpdatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.UpdatedAt = t
		}
	}
	return rec, nil
}

func parseScriptResult(res []interface{}) (usage.Record, bool, error) {
	if len(res) != 4 {
		return usage.Record{}, false, fmt.Errorf("redisstore: unexpected script result %v", res)
	}
	ok, isInt := res[0].(int64)
	if !isInt {
		return usage.Record{}, false, fmt.Errorf("redisstore: unexpected script flag %T", res[0])
	}
	used, isInt := res[1].(int64)
	if !isInt {
		return usage.Record{}, false, fmt.Errorf("redisstore: unexpected script count %T", res[1])
	}
	fields := map[string]string{fieldSessions: strconv.FormatInt(used, 10)}
	if m, isStr := res[2].(string); isStr {
		fields[fieldMinutes] = m
	}
	if u, isStr := res[3].(string); isStr {
		fields[fieldUpdatedAt] = u
	}
	rec, err := parseRecord(fields)
	return rec, ok == 1, err
}
