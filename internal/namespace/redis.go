package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL   = 30 * time.Second
	redisLockRetry = 20 * time.Millisecond
)

// releaseScript deletes the lock key only if it still carries our token, so
// a holder whose lease expired cannot release somebody else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps namespaces in a Redis instance reachable by every worker.
// Locks are leases (SET NX PX) so a crashed holder cannot wedge the namespace.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) dataKey(namespace string) string { return s.prefix + namespace }
func (s *RedisStore) lockKey(namespace string) string { return s.prefix + namespace + ":lock" }

func (s *RedisStore) Initialize(ctx context.Context, namespace string, defaults Record) error {
	data, err := json.Marshal(cloneRecord(defaults))
	if err != nil {
		return fmt.Errorf("failed to marshal defaults for %s: %w", namespace, err)
	}
	if err := s.client.SetNX(ctx, s.dataKey(namespace), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to initialize namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, namespace string) (Record, error) {
	data, err := s.client.Get(ctx, s.dataKey(namespace)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read namespace %s: %w", namespace, err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Lock(ctx context.Context, namespace string) (*Guard, error) {
	token := uuid.NewString()
	lockKey := s.lockKey(namespace)

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to lock namespace %s: %w", namespace, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisLockRetry):
		}
	}

	release := func() error {
		if err := releaseScript.Run(context.Background(), s.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release namespace %s: %w", namespace, err)
		}
		return nil
	}

	record, err := s.Get(ctx, namespace)
	if err != nil {
		_ = release()
		return nil, err
	}

	commit := func(r Record) error {
		encoded, err := json.Marshal(r)
		if err != nil {
			_ = release()
			return fmt.Errorf("failed to marshal namespace %s: %w", namespace, err)
		}
		if err := s.client.Set(context.Background(), s.dataKey(namespace), encoded, 0).Err(); err != nil {
			_ = release()
			return fmt.Errorf("failed to write namespace %s: %w", namespace, err)
		}
		return release()
	}
	return newGuard(namespace, record, commit, release), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
