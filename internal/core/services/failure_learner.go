package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

const failureRecordTimeout = 5 * time.Second

// FailureLearner stores runtime errors as lessons for future prompts.
// Recording is best effort: errors and panics are logged and dropped.
type FailureLearner struct {
	logger *slog.Logger
	store  ports.MemoryStore
	now    func() time.Time
}

// NewFailureLearner creates a learner. store may be nil, in which case
// failures are only logged.
func NewFailureLearner(logger *slog.Logger, store ports.MemoryStore) *FailureLearner {
	return &FailureLearner{logger: logger, store: store, now: time.Now}
}

// RecordFailure saves rec. It survives a cancelled ctx so failures caused by
// cancellation are still kept.
func (f *FailureLearner) RecordFailure(ctx context.Context, rec domain.FailureRecord) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("failure learner panicked", "panic", r)
		}
	}()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = f.now()
	}
	if rec.Severity == "" {
		rec.Severity = domain.SeverityMedium
	}

	if f.store == nil {
		f.logger.Debug("failure not stored, no memory configured", "content", rec.Content)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()
	if err := f.store.StoreFailure(ctx, rec); err != nil {
		f.logger.Warn("failed to record failure", "error", err)
	}
}
