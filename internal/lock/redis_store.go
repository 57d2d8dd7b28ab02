package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only when it still holds our token, so a
// lease that expired and was re-acquired elsewhere is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on redis for deployments that already run one.
// TTL expiry is handled by redis itself.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	log       *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisStore constructs the redis-backed lock store.
func NewRedisStore(client redis.UniversalClient, log *zap.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: "autobill:lock:",
		log:       log.Named("lock.redis"),
		tokens:    make(map[string]string),
	}
}

func (s *RedisStore) TryAcquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.keyPrefix+id, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	s.tokens[id] = token
	s.mu.Unlock()
	return true, nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	token, ok := s.tokens[id]
	delete(s.tokens, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, s.client, []string{s.keyPrefix + id}, token).Err(); err != nil && err != redis.Nil {
		s.log.Warn("lock release failed, key will expire by ttl",
			zap.String("lock_id", id), zap.Error(err))
		return err
	}
	return nil
}
