package mongodb

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunStatsLogger periodically samples and logs pool state for observability.
// It blocks until the context is cancelled so shutdown cannot be kept alive
// by the ticker.
func (m *Manager) RunStatsLogger(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.GetPoolStats()
			m.logger.Info("mongodb pool stats",
				zap.Bool("connected", stats.Connected),
				zap.Int("attempt_count", stats.AttemptCount),
				zap.Int64("connections_created", stats.ConnsCreated),
				zap.Int64("connections_closed", stats.ConnsClosed),
				zap.Int64("checked_out", stats.CheckedOut))
		}
	}
}
