package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another holder owns the mutex.
var ErrLockHeld = errors.New("lock held")

// Redis backs the fast usage counters, the per-site rate window, the signed
// request replay guard and the scheduled-job mutex.
type Redis struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
}

// New connects to one or more comma-separated redis URLs or host:port
// addresses and verifies the connection.
func New(ctx context.Context, redisURL string) (*Redis, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("Redis URL must be provided")
	}

	opts, err := buildUniversalOptions(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if len(opts.Addrs) > 1 {
		opts.DB = 0
	}

	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewFromClient(client), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient) *Redis {
	return &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
	}
}

func buildUniversalOptions(raw string) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "://") {
			opts.Addrs = append(opts.Addrs, part)
			continue
		}

		parsed, err := redis.ParseURL(part)
		if err != nil {
			return nil, err
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
		if opts.TLSConfig == nil {
			opts.TLSConfig = parsed.TLSConfig
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no Redis addresses provided")
	}
	return opts, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func usageKey(siteID, yearMonth string) string {
	return "usage:" + siteID + ":" + yearMonth
}

// GetUsage reads the fast usage counter. found is false on a cache miss.
func (r *Redis) GetUsage(ctx context.Context, siteID, yearMonth string) (value int64, found bool, err error) {
	raw, err := r.client.Get(ctx, usageKey(siteID, yearMonth)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get usage: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse usage %q: %w", raw, err)
	}
	return n, true, nil
}

// IncrUsage bumps the fast counter and pins its expiry to expireAt.
func (r *Redis) IncrUsage(ctx context.Context, siteID, yearMonth string, expireAt time.Time) (int64, error) {
	key := usageKey(siteID, yearMonth)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr usage: %w", err)
	}
	return incr.Val(), nil
}

// SetUsage overwrites the fast counter with an authoritative value.
func (r *Redis) SetUsage(ctx context.Context, siteID, yearMonth string, value int64, expireAt time.Time) error {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return r.client.Set(ctx, usageKey(siteID, yearMonth), value, ttl).Err()
}

// AllowRate counts one request in the site's fixed window. When the window
// is exhausted it reports the time left until the window resets.
func (r *Redis) AllowRate(ctx context.Context, siteID string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	windowStart := now.Truncate(window)
	key := "rate:" + siteID + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, fmt.Errorf("rate window: %w", err)
	}
	if incr.Val() > int64(limit) {
		retry := windowStart.Add(window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry, nil
	}
	return true, 0, nil
}

// FirstSeen records key for ttl and reports whether this is the first
// sighting. Used to detect replays of signed payloads.
func (r *Redis) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "replay:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay guard: %w", err)
	}
	return ok, nil
}

// Forget drops a replay claim.
func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, "replay:"+key).Err(); err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	return nil
}

// TryLock acquires the named mutex without waiting. ErrLockHeld when it is
// owned elsewhere; the returned func releases it.
func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	mutex := r.rs.NewMutex("lock:"+name, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	return func() {
		_, _ = mutex.UnlockContext(context.Background())
	}, nil
}
