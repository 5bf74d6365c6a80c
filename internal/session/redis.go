package session

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
	redisKeyPrefix  = "dispatch:session:"
	redisLockPrefix = "dispatch:lock:"

	defaultLockTTL  = 2 * time.Minute
	lockPollMin     = 10 * time.Millisecond
	lockPollMax     = 250 * time.Millisecond
	lockReleaseWait = 5 * time.Second
)

// releaseScript deletes a lock only while it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis session store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // zero keeps sessions until evicted externally

	// LockTTL is the lease on a session lock. It must outlast a turn or
	// another replica may take the lock mid-turn. A crashed holder's lock
	// frees itself once the lease runs out.
	LockTTL time.Duration
}

// RedisStore persists sessions as JSON values in Redis. Session locks are
// shared by every gateway replica using the same Redis.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	return &RedisStore{client: client, ttl: cfg.TTL, lockTTL: lockTTL}, nil
}

func (r *RedisStore) Name() string { return "redis" }

func redisKey(id string) string { return redisKeyPrefix + id }

func redisLockKey(id string) string { return redisLockPrefix + id }

// Lock takes the cluster-wide lock on id with SET NX PX and a random token,
// polling until it is free or ctx is done.
func (r *RedisStore) Lock(ctx context.Context, id string) (func() error, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	key := redisLockKey(id)
	token := uuid.New().String()

	wait := lockPollMin
	for {
		acquired, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: lock %s: %w", ErrStoreFailure, id, err)
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > lockPollMax {
			wait = lockPollMax
		}
	}

	return func() error {
		// Release even when the turn's context is already done
		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseWait)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("%w: unlock %s: %w", ErrStoreFailure, id, err)
		}
		return nil
	}, nil
}

// Load reads a session, returning a fresh one when id is unknown
func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	data, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrStoreFailure, id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrStoreFailure, id, err)
	}
	sess.ID = id
	return &sess, nil
}

// Save overwrites the session value and refreshes its TTL
func (r *RedisStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidID
	}

	stored := sess.Clone()
	stored.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStoreFailure, sess.ID, err)
	}

	if err := r.client.Set(ctx, redisKey(sess.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save %s: %w", ErrStoreFailure, sess.ID, err)
	}
	return nil
}

// Ping checks the Redis connection
func (r *RedisStore) Ping(ctx context.Context) (bool, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
