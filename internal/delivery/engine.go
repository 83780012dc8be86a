// Package delivery implements the queue-consuming engine the supervisor
// manages. The core health model only needs its Start/Stop/IsRunning/Stats
// surface; the actual send pipeline is pluggable via Handler.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultQueueKey    = "herald:delivery"
	DefaultPollTimeout = 5 * time.Second
)

// QueueClient is the slice of the queue connection the engine consumes
// through.
type QueueClient interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
}

// Job is a queued work item. The payload wire format is owned by the
// producer; the engine only needs the identifiers and the kind.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type,omitempty"`
	UserID         string          `json:"user_id"`
	NotificationID string          `json:"notification_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Handler processes a single dequeued job.
type Handler func(ctx context.Context, job *Job) error

// Stats is a point-in-time view of engine throughput.
type Stats struct {
	Running   bool   `json:"running"`
	QueueKey  string `json:"queue_key"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

type Engine struct {
	client      QueueClient
	queueKey    string
	pollTimeout time.Duration
	concurrency int
	handler     Handler
	logger      *logging.Logger
	metrics     *metrics.Metrics

	processed atomic.Int64
	failed    atomic.Int64
	faults    chan error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type EngineOption func(*Engine)

func WithQueueKey(key string) EngineOption {
	return func(e *Engine) { e.queueKey = key }
}

func WithPollTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.pollTimeout = d }
}

func WithConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

func NewEngine(client QueueClient, handler Handler, logger *logging.Logger, m *metrics.Metrics, opts ...EngineOption) *Engine {
	e := &Engine{
		client:      client,
		queueKey:    DefaultQueueKey,
		pollTimeout: DefaultPollTimeout,
		concurrency: 1,
		handler:     handler,
		logger:      logger,
		metrics:     m,
		faults:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	return e
}

// Start launches the consumer loops. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consume(loopCtx)
		}()
	}
	done := e.done
	go func() {
		wg.Wait()
		close(done)
	}()

	e.logger.Info("delivery engine started",
		zap.String("queue", e.queueKey),
		zap.Int("concurrency", e.concurrency))
	return nil
}

// Stop cancels the consumer loops and waits for in-flight handlers to
// return, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
		e.logger.Info("delivery engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning is the signal the readiness probe folds in: a stopped engine
// means the worker should not receive new work.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Stats() Stats {
	return Stats{
		Running:   e.IsRunning(),
		QueueKey:  e.queueKey,
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
	}
}

// Faults delivers handler panics the engine contained. The consumer loops
// survive the panic; the owner decides whether the fault is fatal to the
// process. The channel holds one entry, so once a fault is pending further
// ones are dropped.
func (e *Engine) Faults() <-chan error {
	return e.faults
}

func (e *Engine) consume(ctx context.Context) {
	for {
		res, err := e.client.BRPop(ctx, e.pollTimeout, e.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("delivery queue poll failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		e.handleRaw(ctx, []byte(res[1]))
	}
}

func (e *Engine) handleRaw(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			e.metrics.DeliveriesFailed.Inc()
			e.logger.Error("delivery handler panicked", zap.Any("panic", r))
			select {
			case e.faults <- fmt.Errorf("delivery handler panic: %v", r):
			default:
			}
		}
	}()

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		e.failed.Add(1)
		e.metrics.DeliveriesFailed.Inc()
		e.logger.Error("malformed delivery job", zap.Error(err))
		return
	}

	if err := e.handler(ctx, &job); err != nil {
		e.failed.Add(1)
		e.metrics.DeliveriesFailed.Inc()
		e.logger.Error("delivery job failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}

	e.processed.Add(1)
	e.metrics.DeliveriesProcessed.Inc()
}
