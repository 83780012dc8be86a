package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/heraldhq/herald/internal/delivery"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/receipt"
	"go.uber.org/zap"
)

const (
	jobTypeNotification = "notification"
	jobTypeReadAck      = "read_ack"

	janitorInterval = 24 * time.Hour
)

var errReceiptStoreNotReady = errors.New("receipt store not ready")

// ackPayload is the body of a read_ack job: an asynchronous read
// acknowledgement routed through the queue.
type ackPayload struct {
	NotificationType receipt.NotificationType `json:"notification_type"`
	ReadMethod       receipt.ReadMethod       `json:"read_method,omitempty"`
	Context          *receipt.Context         `json:"context,omitempty"`
}

// makeJobHandler builds the engine's job handler. Notification jobs are
// handed to the (external) send pipeline; read_ack jobs feed the read-receipt
// store. The store pointer is bound late because it only exists once the
// connection manager has a database handle, which the startup order
// guarantees happens before the engine runs.
func makeJobHandler(store *atomic.Pointer[receipt.Store], logger *logging.Logger) delivery.Handler {
	return func(ctx context.Context, job *delivery.Job) error {
		switch job.Type {
		case jobTypeReadAck:
			s := store.Load()
			if s == nil {
				return errReceiptStoreNotReady
			}

			var ack ackPayload
			if len(job.Payload) > 0 {
				if err := json.Unmarshal(job.Payload, &ack); err != nil {
					return fmt.Errorf("malformed read_ack payload: %w", err)
				}
			}
			if ack.NotificationType == "" {
				ack.NotificationType = receipt.NotificationTypePersonal
			}

			_, err := s.MarkAsRead(ctx, job.UserID, job.NotificationID, ack.NotificationType, &receipt.MarkOptions{
				Method:  ack.ReadMethod,
				Context: ack.Context,
			})
			return err

		case jobTypeNotification, "":
			// The send pipeline itself is outside this worker's core; it is
			// invoked here and observed through engine stats.
			logger.Debug("notification job processed",
				zap.String("job_id", job.ID),
				zap.String("user_id", job.UserID),
				zap.String("notification_id", job.NotificationID))
			return nil

		default:
			return fmt.Errorf("unknown job type %q", job.Type)
		}
	}
}

// runReceiptJanitor periodically deletes receipts past the retention window.
// The TTL index does this on its own; the janitor is the explicit maintenance
// path, independent of it.
func runReceiptJanitor(ctx context.Context, store *atomic.Pointer[receipt.Store], ttlDays int, logger *logging.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := store.Load()
			if s == nil {
				continue
			}
			if _, err := s.CleanupOld(ctx, ttlDays); err != nil {
				logger.Error("receipt cleanup failed", zap.Error(err))
			}
		}
	}
}
