package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultReservationTTL bounds how long a crashed run can hold a key.
const DefaultReservationTTL = 5 * time.Minute

const (
	settledValue  = "settled"
	reservePrefix = "reserved:"
)

// reserveScript claims a key unless it is settled or already reserved.
// KEYS[1] = ledger key
// ARGV[1] = reservation value
// ARGV[2] = ttl in milliseconds
// Returns 1 on success, 0 if settled, -1 if reserved.
var reserveScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
end
if cur == "settled" then
    return 0
end
return -1
`)

// commitScript settles a key only while it still holds the caller's reservation.
// Returns 1 on success, 0 if already settled, -1 if the reservation is gone.
var commitScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
    redis.call("SET", KEYS[1], "settled")
    return 1
end
if cur == "settled" then
    return 0
end
return -1
`)

// releaseScript deletes a key only while it holds the caller's reservation.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLedger is a Ledger shared by every process pointed at the same Redis.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger on an existing client. Keys are stored as
// prefix + key.
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "agentscm:ledger:"
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

// DialRedisLedger connects to addr and verifies the connection.
func DialRedisLedger(ctx context.Context, addr, password string, db int) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ledger: ping %s: %w", addr, err)
	}
	return NewRedisLedger(rdb, "", 0), nil
}

func (l *RedisLedger) redisKey(key Key) string { return l.prefix + string(key) }

func (l *RedisLedger) Reserve(ctx context.Context, key Key) (Reservation, error) {
	r := Reservation{Key: key, Token: uuid.NewString()}
	res, err := reserveScript.Run(ctx, l.client, []string{l.redisKey(key)}, reservePrefix+r.Token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis ledger reserve: %w", err)
	}
	switch res {
	case 1:
		return r, nil
	case 0:
		return Reservation{}, ErrAlreadySettled
	default:
		return Reservation{}, ErrInFlight
	}
}

func (l *RedisLedger) Commit(ctx context.Context, r Reservation) error {
	res, err := commitScript.Run(ctx, l.client, []string{l.redisKey(r.Key)}, reservePrefix+r.Token).Int64()
	if err != nil {
		return fmt.Errorf("redis ledger commit: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrAlreadySettled
	default:
		return ErrNotReserved
	}
}

func (l *RedisLedger) Release(ctx context.Context, r Reservation) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.redisKey(r.Key)}, reservePrefix+r.Token).Int64()
	if err != nil {
		return fmt.Errorf("redis ledger release: %w", err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (l *RedisLedger) IsSettled(ctx context.Context, key Key) (bool, error) {
	v, err := l.client.Get(ctx, l.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis ledger get: %w", err)
	}
	return v == settledValue, nil
}

func (l *RedisLedger) MarkSettled(ctx context.Context, key Key) error {
	if err := l.client.Set(ctx, l.redisKey(key), settledValue, 0).Err(); err != nil {
		return fmt.Errorf("redis ledger set: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (l *RedisLedger) Close() error { return l.client.Close() }
