package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/challanflow/challanflow/internal/shared"
)

// TaskIdempotencyCleanup purges idempotency keys past their retention window.
const TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"

// IdempotencyRetention is how long processed keys are kept for replay
// detection.
const IdempotencyRetention = 24 * time.Hour

// NewIdempotencyCleanupTask builds the cron task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// IdempotencyCleanupHandler returns the handler bound to the store.
func IdempotencyCleanupHandler(store *shared.IdempotencyStore, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, IdempotencyRetention); err != nil {
			logger.Error("idempotency cleanup", "error", err)
			return err
		}
		return nil
	}
}
