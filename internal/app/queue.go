package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

var errQueueNotConnected = errors.New("queue connection not established")

// queueConn is a lazily dialed queue connection. The supervisor's startup
// sequence brings the queue up AFTER the store via HealthCheck, so the dial
// happens there rather than at wiring time. It doubles as the engine's
// QueueClient.
type queueConn struct {
	cfg *redis.RedisConfig

	mu     sync.Mutex
	client redis.Client
}

func newQueueConn(cfg *redis.RedisConfig) *queueConn {
	return &queueConn{cfg: cfg}
}

// HealthCheck dials on first use and pings afterwards.
func (q *queueConn) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client == nil {
		client, err := redis.NewClient(ctx, q.cfg)
		if err != nil {
			return err
		}
		q.client = client
		return nil
	}
	return q.client.Ping(ctx).Err()
}

func (q *queueConn) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.client == nil {
		return nil
	}
	err := q.client.Close()
	q.client = nil
	return err
}

// BRPop delegates to the underlying client. The engine only runs after the
// queue startup step has succeeded, but a nil client still yields a clean
// error instead of a panic.
func (q *queueConn) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd {
	q.mu.Lock()
	client := q.client
	q.mu.Unlock()

	if client == nil {
		cmd := goredis.NewStringSliceCmd(ctx)
		cmd.SetErr(errQueueNotConnected)
		return cmd
	}
	return client.BRPop(ctx, timeout, keys...)
}
