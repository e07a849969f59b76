package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis lock defaults.
const (
	DefaultRedisLockTTL    = 30 * time.Second
	DefaultRedisLockRetry  = 25 * time.Millisecond
	DefaultRedisLockPrefix = "flowpipe:lock:"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets how long a lock survives a crashed holder. A live holder
// renews the lease every third of the TTL until it unlocks.
func WithLockTTL(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithLockRetry sets the polling interval while waiting for a held key.
func WithLockRetry(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLockPrefix sets the Redis key prefix.
func WithLockPrefix(p string) RedisLockerOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// NewRedisLocker creates a locker backed by client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    DefaultRedisLockTTL,
		retry:  DefaultRedisLockRetry,
		prefix: DefaultRedisLockPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLockerFromURL parses a redis:// URL and pings the server.
func NewRedisLockerFromURL(ctx context.Context, url string, opts ...RedisLockerOption) (*RedisLocker, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisLocker(client, opts...), nil
}

// Lock acquires key with SET NX PX, polling until ctx is done. The lease is
// renewed in the background until the returned func is called.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := l.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(rkey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
		// Release with a fresh context so a cancelled turn still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{rkey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("RedisLocker.Unlock: release failed, lock will expire", "key", key, "error", err)
		}
	}, nil
}

// renew extends the lease on rkey until stop is closed or the token is lost.
func (l *RedisLocker) renew(rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := renewScript.Run(ctx, l.client, []string{rkey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			slog.Warn("RedisLocker.renew: extend failed", "key", rkey, "error", err)
			continue
		}
		if n == 0 {
			slog.Warn("RedisLocker.renew: lock lost before release", "key", rkey)
			return
		}
	}
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
