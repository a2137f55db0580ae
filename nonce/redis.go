package nonce

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redeemedPrefix = "nonce:redeemed:"

// RedisRedemptionStore implements RedemptionStore on a Redis ring. Each
// redeemed nonce is stored under a TTL slightly longer than the lifetime of
// the in-memory cross-off list, so the set cannot grow without bound.
type RedisRedemptionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	// timeout bounds each Redis round trip so a slow Redis cannot stall
	// request handling.
	timeout time.Duration
}

// NewRedisRedemptionStore constructs a RedisRedemptionStore around an
// existing Redis client.
func NewRedisRedemptionStore(client redis.UniversalClient, ttl, timeout time.Duration) *RedisRedemptionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &RedisRedemptionStore{
		client:  client,
		ttl:     ttl,
		timeout: timeout,
	}
}

// Mark records the nonce as redeemed. It returns false when the nonce was
// already present, meaning another replica redeemed it first.
func (rs *RedisRedemptionStore) Mark(ctx context.Context, nonce string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rs.timeout)
	defer cancel()
	return rs.client.SetNX(ctx, redeemedPrefix+nonce, 1, rs.ttl).Result()
}
