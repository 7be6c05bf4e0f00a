package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CorrelationTTL é a validade das entradas que ligam callbacks do gateway aos usuários
const CorrelationTTL = 30 * time.Minute

// CorrelationCache guarda o estado efêmero entre um redirect e seu callback
type CorrelationCache interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get devolve ok=false quando a chave não existe ou expirou.
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

func agreementKey(paymentID string) string {
	return "agreement:" + paymentID
}

func paymentKey(paymentID string) string {
	return "payment:" + paymentID
}

func paymentAmountKey(paymentID string) string {
	return "payment:amount:" + paymentID
}

func pendingTopUpKey(userID int64) string {
	return fmt.Sprintf("pending_topup:%d", userID)
}

// RedisCorrelationCache implementa CorrelationCache no Redis
type RedisCorrelationCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCorrelationCache cria uma nova instância de RedisCorrelationCache
func NewRedisCorrelationCache(client redis.UniversalClient, prefix string) *RedisCorrelationCache {
	return &RedisCorrelationCache{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisCorrelationCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store correlation entry %s: %w", key, err)
	}
	return nil
}

func (c *RedisCorrelationCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read correlation entry %s: %w", key, err)
	}
	return value, true, nil
}

func (c *RedisCorrelationCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefix + k
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete correlation entries: %w", err)
	}
	return nil
}
