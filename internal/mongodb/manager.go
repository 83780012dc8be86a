package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"go.mongodb.org/mongo-driver/v2/event"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// ErrConnectionExhausted is returned once the bounded retry budget is spent.
// The supervisor treats it as fatal to initialization.
var ErrConnectionExhausted = errors.New("mongodb: connection attempts exhausted")

// CMAP event names published by the driver's pool monitor.
const (
	poolEventCleared     = "ConnectionPoolCleared"
	poolEventReady       = "ConnectionPoolReady"
	poolEventConnCreated = "ConnectionCreated"
	poolEventConnClosed  = "ConnectionClosed"
	poolEventCheckedOut  = "ConnectionCheckedOut"
	poolEventCheckedIn   = "ConnectionCheckedIn"
)

// storeClient is the slice of the driver client the manager needs. Tests
// substitute a fake via the dial hook.
type storeClient interface {
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Database(name string) *mongo.Database
}

type dialFunc func(ctx context.Context, cfg *Config, monitor *event.PoolMonitor) (storeClient, error)

// Manager owns the single logical connection to the persistent store.
// It performs bounded-retry connects, reacts to driver pool lifecycle events
// with background reconnects, and answers health/stat queries.
type Manager struct {
	cfg     *Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	dial    dialFunc

	mu           sync.Mutex
	client       storeClient
	connected    bool
	attemptCount int
	connecting   bool

	// Pool counters maintained from CMAP events. Atomic because the driver
	// delivers counter events inline on whatever goroutine touches the pool,
	// including the goroutine running a dial.
	connsCreated atomic.Int64
	connsClosed  atomic.Int64
	checkedOut   atomic.Int64

	subsMu sync.Mutex
	subs   []chan Event
}

func NewManager(cfg *Config, logger *logging.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
	}
	mgr.dial = mgr.defaultDial
	return mgr
}

// Connect establishes the store connection with bounded linear retry.
// If already connected, or another connect is in flight, it is a no-op that
// logs a warning, not an error. The attempt counter is NOT reset on entry:
// a background reconnect resumes from whatever budget remains and only a
// successful connect resets it.
//
// The mutex is held only to mutate state, never across the dial or the
// retry sleep, so health checks and stat reads answer in real time while a
// connect is underway.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		m.logger.Warn("mongodb already connected, ignoring connect call")
		return nil
	}
	if m.connecting {
		m.mu.Unlock()
		m.logger.Warn("mongodb connect already in progress, ignoring connect call")
		return nil
	}
	m.connecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		m.attemptCount++
		attempt := m.attemptCount
		m.mu.Unlock()

		m.metrics.ConnectionAttempts.Inc()
		m.logger.Info("connecting to mongodb",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxConnectionAttempts))

		client, err := m.dial(ctx, m.cfg, m.poolMonitor())
		if err == nil {
			m.mu.Lock()
			m.client = client
			m.connected = true
			m.attemptCount = 0
			m.mu.Unlock()

			m.metrics.ConnectionUp.Set(1)
			m.logger.Info("mongodb connected",
				zap.Int("min_pool_size", m.cfg.MinPoolSize),
				zap.Int("max_pool_size", m.cfg.MaxPoolSize))
			m.publish(EventConnected)
			return nil
		}

		m.logger.Warn("mongodb connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt >= m.cfg.MaxConnectionAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectionExhausted, attempt, err)
		}

		// Fixed delay between attempts, abandoned if the caller gives up.
		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HealthCheck reports whether the store answers a ping within the configured
// timeout. All probe errors collapse into false.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	client, connected := m.client, m.connected
	m.mu.Unlock()

	if !connected || client == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	return client.Ping(pingCtx) == nil
}

// Disconnect closes the connection gracefully. Unlike the health probe,
// failures here are reported to the caller: they matter to the orchestrator
// during shutdown.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.client == nil {
		return nil
	}

	err := m.client.Disconnect(ctx)
	m.connected = false
	m.client = nil
	m.metrics.ConnectionUp.Set(0)
	m.publish(EventDisconnected)
	if err != nil {
		return fmt.Errorf("mongodb disconnect: %w", err)
	}
	m.logger.Info("mongodb disconnected")
	return nil
}

// IsConnected is a pure state read, no I/O.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Database returns a handle on the configured database. Only valid while
// connected.
func (m *Manager) Database() *mongo.Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	return m.client.Database(m.cfg.Database)
}

// PoolStats is a point-in-time snapshot of connection state. Pure read.
type PoolStats struct {
	Connected    bool  `json:"connected"`
	AttemptCount int   `json:"attempt_count"`
	MaxAttempts  int   `json:"max_attempts"`
	MinPoolSize  int   `json:"min_pool_size"`
	MaxPoolSize  int   `json:"max_pool_size"`
	ConnsCreated int64 `json:"connections_created"`
	ConnsClosed  int64 `json:"connections_closed"`
	CheckedOut   int64 `json:"checked_out"`
}

func (m *Manager) GetPoolStats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolStats{
		Connected:    m.connected,
		AttemptCount: m.attemptCount,
		MaxAttempts:  m.cfg.MaxConnectionAttempts,
		MinPoolSize:  m.cfg.MinPoolSize,
		MaxPoolSize:  m.cfg.MaxPoolSize,
		ConnsCreated: m.connsCreated.Load(),
		ConnsClosed:  m.connsClosed.Load(),
		CheckedOut:   m.checkedOut.Load(),
	}
}

// poolMonitor subscribes the manager to the driver's own pool lifecycle
// notifications. A cleared pool after a successful connect is an unsolicited
// disconnect and triggers a background reconnect.
func (m *Manager) poolMonitor() *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case poolEventConnCreated:
				m.connsCreated.Add(1)
			case poolEventConnClosed:
				m.connsClosed.Add(1)
			case poolEventCheckedOut:
				m.checkedOut.Add(1)
			case poolEventCheckedIn:
				m.checkedOut.Add(-1)
			case poolEventCleared:
				m.handleDisconnected()
			case poolEventReady:
				m.handleReconnected()
			}
		},
	}
}

func (m *Manager) handleDisconnected() {
	m.mu.Lock()
	// Ignore events raised while a caller-initiated connect is still running.
	if m.connecting || !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.metrics.ConnectionUp.Set(0)
	budgetLeft := m.attemptCount < m.cfg.MaxConnectionAttempts
	m.mu.Unlock()

	m.logger.Warn("mongodb connection lost")
	m.publish(EventDisconnected)

	if !budgetLeft {
		m.logger.Error("mongodb reconnect budget exhausted, staying disconnected")
		return
	}

	// Fire-and-forget: this path runs outside any caller's control flow, so
	// its failure is only logged. The next probe cycle reflects the outcome.
	go func() {
		m.metrics.Reconnects.Inc()
		if err := m.Connect(context.Background()); err != nil {
			m.logger.Error("mongodb reconnect failed", zap.Error(err))
		}
	}()
}

func (m *Manager) handleReconnected() {
	m.mu.Lock()
	if m.connecting || m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.attemptCount = 0
	m.metrics.ConnectionUp.Set(1)
	m.mu.Unlock()

	m.logger.Info("mongodb reconnected")
	m.publish(EventReconnected)
}

func (m *Manager) defaultDial(ctx context.Context, cfg *Config, monitor *event.PoolMonitor) (storeClient, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetTimeout(cfg.SocketTimeout).
		SetHeartbeatInterval(cfg.HeartbeatInterval).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetMinPoolSize(uint64(cfg.MinPoolSize)).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetPoolMonitor(monitor)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ServerSelectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &clientAdapter{client}, nil
}

type clientAdapter struct {
	c *mongo.Client
}

func (a *clientAdapter) Ping(ctx context.Context) error { return a.c.Ping(ctx, nil) }

func (a *clientAdapter) Disconnect(ctx context.Context) error { return a.c.Disconnect(ctx) }

func (a *clientAdapter) Database(name string) *mongo.Database { return a.c.Database(name) }
