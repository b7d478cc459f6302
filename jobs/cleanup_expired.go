package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/meridianhr/meridian/internal/jobs"
)

// ExpiryStore is the persistence surface of the nightly expiry sweep.
type ExpiryStore interface {
	UsersWithExpired(ctx context.Context, now time.Time) ([]int64, error)
	CleanupExpired(ctx context.Context, userID int64, now time.Time) (int64, error)
}

// Invalidator drops cached effective permissions after a sweep touches a
// user.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64)
}

const cleanupParallelism = 4

// CleanupExpiredJob retires expired role grants and overrides across all
// affected users.
type CleanupExpiredJob struct {
	Store       ExpiryStore
	Invalidator Invalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewCleanupExpiredJob initialises the expiry sweep handler.
func NewCleanupExpiredJob(store ExpiryStore, invalidator Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupExpiredJob {
	return &CleanupExpiredJob{
		Store:       store,
		Invalidator: invalidator,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep. Per-user failures are logged and do not stop
// the rest of the sweep.
func (j *CleanupExpiredJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("cleanup expired: handler not configured")
	}
	tracker := j.Metrics.Track(TaskCleanupExpired)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.clock()
	users, err := j.Store.UsersWithExpired(ctx, now)
	if err != nil {
		resultErr = err
		j.logger().Error("expiry sweep query failed", slog.Any("error", err))
		return err
	}
	if len(users) == 0 {
		j.logger().Info("expiry sweep found nothing to retire")
		return nil
	}

	var retired, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupParallelism)
	for _, userID := range users {
		g.Go(func() error {
			n, err := j.Store.CleanupExpired(gctx, userID, now)
			if err != nil {
				failures.Add(1)
				j.logger().Warn("expiry sweep item failed",
					slog.Int64("user_id", userID),
					slog.Any("error", err))
				return nil
			}
			retired.Add(n)
			if j.Invalidator != nil {
				j.Invalidator.Invalidate(gctx, userID)
			}
			return nil
		})
	}
	_ = g.Wait()

	j.Metrics.AddRetired(retired.Load())
	j.logger().Info("expiry sweep finished",
		slog.Int("users", len(users)),
		slog.Int64("retired", retired.Load()),
		slog.Int64("failures", failures.Load()))
	return nil
}

func (j *CleanupExpiredJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
