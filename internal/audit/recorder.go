package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder writes audit records. A failed write must never fail or block the
// operation being audited, so Record has no error return: failures are logged
// and swallowed. Audit completeness is best-effort.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// PGRecorder persists records into audit_records.
type PGRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGRecorder constructs a PGRecorder.
func NewPGRecorder(pool *pgxpool.Pool, logger *slog.Logger) *PGRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGRecorder{pool: pool, logger: logger}
}

// Record inserts the entry. Errors are logged, never returned.
func (r *PGRecorder) Record(ctx context.Context, rec Record) {
	if r == nil || r.pool == nil {
		return
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_records (actor, permission_code, resource, result, detail, error_message, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Actor, rec.PermissionCode, rec.Resource, string(rec.Result), rec.Detail, rec.ErrorMessage, at)
	if err != nil {
		r.logger.Warn("audit write failed",
			slog.String("actor", rec.Actor),
			slog.String("permission", rec.PermissionCode),
			slog.Any("error", err))
	}
}

// NopRecorder discards every record. Useful in tests and tooling.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Record) {}
