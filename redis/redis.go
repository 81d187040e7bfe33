package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared store of the fan-out subsystem: rate-limit counters,
// event pub/sub and the cross-process presence mirror.
type Redis struct {
	cli *redis.Client
}

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds dial, read and write operations. Zero keeps the client
	// defaults.
	Timeout time.Duration
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, opts Options) (*Redis, error) {
	o := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.Timeout > 0 {
		o.DialTimeout = opts.Timeout
		o.ReadTimeout = opts.Timeout
		o.WriteTimeout = opts.Timeout
	}
	cli := redis.NewClient(o)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

// Ping checks that the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

// Close closes the client and every subscription.
func (r *Redis) Close() error {
	return r.cli.Close()
}

// incrWindow increments KEYS[1] and sets its TTL to ARGV[1] milliseconds
// when it has none. A key left without a TTL by an earlier failure is
// repaired on the next call.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// IncrWindow increments the integer at key and returns the new value. The
// key expires after window, counted from the increment that created it.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindow.Run(ctx, r.cli, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr window: %w", err)
	}
	return n, nil
}

// Count returns the integer at key, or 0 when the key does not exist.
func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	n, err := r.cli.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	return n, nil
}

// Del deletes key.
func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.cli.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}
