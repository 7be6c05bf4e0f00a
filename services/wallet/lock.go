package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker concede exclusão mútua por usuário entre todas as réplicas do serviço
type Locker interface {
	// TryLock não espera: devolve ErrLockBusy se o lock já estiver em uso.
	TryLock(ctx context.Context, userID int64) (Lock, error)
}

// Lock é um lock adquirido; Release só libera se ainda pertencer a este dono
type Lock interface {
	Release(ctx context.Context) error
}

// releaseScript apaga a chave somente se o valor ainda for o token do dono
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	// LedgerLockNamespace protege as mutações de saldo
	LedgerLockNamespace = "wallet:lock:"
	// TopUpLockNamespace impede duas recargas simultâneas do mesmo usuário
	TopUpLockNamespace = "topup:lock:"
)

// RedisLocker implementa Locker com SET NX PX no Redis
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLocker cria uma nova instância de RedisLocker; as chaves ficam em keyPrefix+{userID}
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (l *RedisLocker) key(userID int64) string {
	return fmt.Sprintf("%s%d", l.keyPrefix, userID)
}

// TryLock tenta adquirir o lock da carteira do usuário
func (l *RedisLocker) TryLock(ctx context.Context, userID int64) (Lock, error) {
	key := l.key(userID)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire wallet lock: %w", err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release wallet lock: %w", err)
	}
	return nil
}
