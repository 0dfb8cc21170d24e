package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only when the caller still holds it, so a
// slow worker cannot release a lease that expired and was re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLeaseManager implements time-bounded exclusive claims on keys using
// SET NX with a TTL. The TTL makes abandoned leases reclaimable after a
// crash without any coordination.
type RedisLeaseManager struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLeaseManager creates a lease manager on the given client
func NewRedisLeaseManager(client *redis.Client, logger *zap.Logger) *RedisLeaseManager {
	return &RedisLeaseManager{
		client: client,
		logger: logger,
		tokens: make(map[string]string),
	}
}

// Acquire attempts to claim the key for ttl. Returns false when another
// holder has it.
func (m *RedisLeaseManager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	m.tokens[key] = token
	m.mu.Unlock()

	m.logger.Debug("Lease acquired",
		zap.String("key", key),
		zap.Duration("ttl", ttl))
	return true, nil
}

// Release gives up a held lease. Releasing a lease that expired or was
// never held is a no-op.
func (m *RedisLeaseManager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	token, ok := m.tokens[key]
	delete(m.tokens, key)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, m.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %q: %w", key, err)
	}

	m.logger.Debug("Lease released", zap.String("key", key))
	return nil
}
