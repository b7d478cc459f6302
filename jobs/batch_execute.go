package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridianhr/meridian/internal/batch"
	jobmetrics "github.com/meridianhr/meridian/internal/jobs"
	"github.com/meridianhr/meridian/internal/shared"
)

// BatchExecuteJob runs queued batch operations and mirrors their progress to
// the shared progress store.
type BatchExecuteJob struct {
	Engine   *batch.Engine
	Progress *batch.ProgressStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBatchExecuteJob initialises the batch execution handler.
func NewBatchExecuteJob(engine *batch.Engine, progress *batch.ProgressStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *BatchExecuteJob {
	return &BatchExecuteJob{Engine: engine, Progress: progress, Logger: logger, Metrics: metrics}
}

// Handle executes one queued batch operation.
func (j *BatchExecuteJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("batch execute: handler not configured")
	}
	var payload BatchExecutePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	op, err := batch.DecodeOperation(batch.Kind(payload.Kind), payload.Operation)
	if err != nil {
		// Nothing to retry; the payload itself is bad.
		j.logger().Error("batch payload rejected",
			slog.String("kind", payload.Kind),
			slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskBatchExecute)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	actor := shared.Actor{UserID: payload.ActorID, Name: payload.ActorName}
	logger := j.logger().With(
		slog.String("operation_id", payload.OperationID.String()),
		slog.String("kind", payload.Kind))
	logger.Info("starting batch execution", slog.Int("targets", len(op.Targets())))

	res, err := j.Engine.Execute(ctx, op, actor, batch.ExecuteOptions{
		OperationID: payload.OperationID,
		OnProgress: func(pr batch.Progress) {
			j.Progress.Save(context.WithoutCancel(ctx), payload.OperationID, pr)
		},
		Cancelled: func(ctx context.Context) bool {
			return j.Progress.CancelRequested(ctx, payload.OperationID)
		},
	})
	if err != nil {
		resultErr = err
		logger.Error("batch execution failed", slog.Any("error", err))
		return err
	}
	logger.Info("batch execution finished",
		slog.Int("completed", res.Progress.Completed),
		slog.Int("failed", res.Progress.Failed),
		slog.Bool("cancelled", res.Progress.Cancelled))
	return nil
}

func (j *BatchExecuteJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
