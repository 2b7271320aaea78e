package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a lock is owned by someone else
var ErrLockHeld = errors.New("lock already held")

// Cache provides short-lived shared state using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Refresh Token Operations

// ClaimRefreshToken marks a refresh token id as exchanged. It returns false when
// the id had already been claimed. The entry lives as long as the token could.
func (c *Cache) ClaimRefreshToken(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("refresh:used:%s", jti)
	claimed, err := c.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim refresh token: %w", err)
	}
	return claimed, nil
}

// OAuth State Operations

// PutOAuthState stores a login state value for the provider round-trip
func (c *Cache) PutOAuthState(ctx context.Context, state, provider string, ttl time.Duration) error {
	key := fmt.Sprintf("oauth:state:%s", state)
	return c.client.Set(ctx, key, provider, ttl).Err()
}

// TakeOAuthState consumes a state value. It returns false if the state is
// unknown, expired or already used.
func (c *Cache) TakeOAuthState(ctx context.Context, state, provider string) (bool, error) {
	key := fmt.Sprintf("oauth:state:%s", state)
	stored, err := c.client.GetDel(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to read oauth state: %w", err)
	}
	return stored == provider, nil
}

// Rate Limiting Operations

// CheckRateLimit checks if a rate limit has been exceeded
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	// Increment counter
	count, err := c.client.Incr(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	// Set expiry on first request
	if count == 1 {
		if err := c.client.Expire(ctx, rateLimitKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	// Check if limit exceeded
	return count <= limit, nil
}

// ResetRateLimit clears a rate limit counter
func (c *Cache) ResetRateLimit(ctx context.Context, key string) error {
	return c.client.Del(ctx, fmt.Sprintf("ratelimit:%s", key)).Err()
}

// Locking Operations for Distributed Systems

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held distributed lock
type Lock struct {
	key   string
	token string
}

// AcquireLock attempts to acquire a distributed lock. It returns ErrLockHeld if
// another owner has it.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{
		key:   fmt.Sprintf("lock:%s", resource),
		token: uuid.New().String(),
	}
	ok, err := c.client.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lock, nil
}

// WaitLock retries AcquireLock until it succeeds or ctx is done
func (c *Cache) WaitLock(ctx context.Context, resource string, ttl, poll time.Duration) (*Lock, error) {
	for {
		lock, err := c.AcquireLock(ctx, resource, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", resource, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// ReleaseLock releases a lock if it is still owned by the holder
func (c *Cache) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	return releaseScript.Run(ctx, c.client, []string{lock.key}, lock.token).Err()
}
