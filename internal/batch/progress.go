package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProgressStore keeps live progress for asynchronous batch runs in Redis so
// pollers can watch a job owned by another process.
type ProgressStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewProgressStore constructs a ProgressStore.
func NewProgressStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *ProgressStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressStore{client: client, ttl: ttl, logger: logger}
}

func progressKey(operationID uuid.UUID) string {
	return fmt.Sprintf("batch:progress:%s", operationID)
}

func cancelKey(operationID uuid.UUID) string {
	return fmt.Sprintf("batch:cancel:%s", operationID)
}

// Save writes the current progress. Failures are logged and swallowed;
// progress reporting never fails the batch.
func (s *ProgressStore) Save(ctx context.Context, operationID uuid.UUID, pr Progress) {
	if s == nil || s.client == nil {
		return
	}
	payload, err := json.Marshal(pr)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, progressKey(operationID), payload, s.ttl).Err(); err != nil {
		s.logger.Warn("batch progress write failed",
			slog.String("operation_id", operationID.String()),
			slog.Any("error", err))
	}
}

// Load reads progress for an operation. The second return is false when no
// progress is known.
func (s *ProgressStore) Load(ctx context.Context, operationID uuid.UUID) (Progress, bool) {
	if s == nil || s.client == nil {
		return Progress{}, false
	}
	payload, err := s.client.Get(ctx, progressKey(operationID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("batch progress read failed",
				slog.String("operation_id", operationID.String()),
				slog.Any("error", err))
		}
		return Progress{}, false
	}
	var pr Progress
	if err := json.Unmarshal(payload, &pr); err != nil {
		return Progress{}, false
	}
	return pr, true
}

// RequestCancel flags an operation for cancellation. The running engine
// picks the flag up between items.
func (s *ProgressStore) RequestCancel(ctx context.Context, operationID uuid.UUID) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("batch: progress store unavailable")
	}
	return s.client.Set(ctx, cancelKey(operationID), "1", s.ttl).Err()
}

// CancelRequested reports whether RequestCancel was called for the
// operation. Redis failures read as "not cancelled" so a flaky store never
// kills a healthy batch.
func (s *ProgressStore) CancelRequested(ctx context.Context, operationID uuid.UUID) bool {
	if s == nil || s.client == nil {
		return false
	}
	n, err := s.client.Exists(ctx, cancelKey(operationID)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("batch cancel read failed",
				slog.String("operation_id", operationID.String()),
				slog.Any("error", err))
		}
		return false
	}
	return n > 0
}
