package audit

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit records from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PGRepository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Window returns records matching the filters, newest first.
func (r *PGRepository) Window(ctx context.Context, filters Filters, limit, offset int) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT actor, permission_code, resource, result, detail, error_message, occurred_at
FROM audit_records
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
  AND ($3::text IS NULL OR actor = $3)
  AND ($4::text IS NULL OR permission_code = $4)
  AND ($5::text IS NULL OR result = $5)
ORDER BY occurred_at DESC
LIMIT $6 OFFSET $7`,
		toPgTime(filters.From), toPgTime(filters.To),
		optionalText(filters.Actor), optionalText(filters.PermissionCode),
		optionalText(string(filters.Result)), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var result string
		if err := rows.Scan(&rec.Actor, &rec.PermissionCode, &rec.Resource, &result, &rec.Detail, &rec.ErrorMessage, &rec.At); err != nil {
			return nil, err
		}
		rec.Result = Result(result)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
