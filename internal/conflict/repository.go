package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhr/meridian/internal/platform/db"
)

// PGStore persists conflicts in PostgreSQL. Open conflicts are unique per
// fingerprint, so repeated detection refreshes rather than duplicates them.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const conflictColumns = `id, user_id, kind, severity, involved_permissions, description,
evidence, suggested_resolution, detected_at, resolved_at,
COALESCE(resolved_by, ''), COALESCE(applied_resolution, '')`

// Get fetches one conflict by ID.
func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Conflict, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conflict{}, ErrNotFound
		}
		return Conflict{}, fmt.Errorf("conflict: get %s: %w", id, err)
	}
	return c, nil
}

// OpenByUser returns the user's unresolved conflicts.
func (s *PGStore) OpenByUser(ctx context.Context, userID int64) ([]Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE user_id = $1 AND resolved_at IS NULL ORDER BY detected_at, id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// SaveDetected upserts the detected conflicts by fingerprint and returns the
// stored rows with their IDs. Detection refreshes severity, evidence, and
// description of an already-open conflict instead of opening a second one.
func (s *PGStore) SaveDetected(ctx context.Context, userID int64, detected []Conflict) ([]Conflict, error) {
	stored := make([]Conflict, 0, len(detected))
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range detected {
			evidence, err := json.Marshal(c.Evidence)
			if err != nil {
				return err
			}
			row := tx.QueryRow(ctx,
				`INSERT INTO conflicts (id, user_id, kind, severity, involved_permissions, description,
        evidence, suggested_resolution, fingerprint, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (fingerprint) WHERE resolved_at IS NULL
DO UPDATE SET severity = EXCLUDED.severity, involved_permissions = EXCLUDED.involved_permissions,
              description = EXCLUDED.description, evidence = EXCLUDED.evidence,
              suggested_resolution = EXCLUDED.suggested_resolution, detected_at = EXCLUDED.detected_at
RETURNING `+conflictColumns,
				uuid.New(), userID, string(c.Kind), string(c.Severity), c.InvolvedPermissions, c.Description,
				evidence, string(c.SuggestedResolution), c.Fingerprint(), c.DetectedAt)
			saved, err := scanConflict(row)
			if err != nil {
				return err
			}
			stored = append(stored, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// MarkResolved closes a conflict. Only called after the persisted state
// change removing the inconsistency has committed.
func (s *PGStore) MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy string, applied ResolutionKind) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conflicts SET resolved_at = $2, resolved_by = $3, applied_resolution = $4
WHERE id = $1 AND resolved_at IS NULL`,
		id, time.Now(), resolvedBy, string(applied))
	if err != nil {
		return fmt.Errorf("conflict: mark resolved %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Already closed by a concurrent actor; nothing left to do.
		return nil
	}
	return nil
}

func scanConflict(row pgx.Row) (Conflict, error) {
	var c Conflict
	var kind, severity, suggested, applied string
	var evidence []byte
	if err := row.Scan(&c.ID, &c.UserID, &kind, &severity, &c.InvolvedPermissions, &c.Description,
		&evidence, &suggested, &c.DetectedAt, &c.ResolvedAt, &c.ResolvedBy, &applied); err != nil {
		return Conflict{}, err
	}
	c.Kind = Kind(kind)
	c.Severity = Severity(severity)
	c.SuggestedResolution = ResolutionKind(suggested)
	c.AppliedResolution = ResolutionKind(applied)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
			return Conflict{}, err
		}
	}
	return c, nil
}

// PGRules loads segregation-of-duty rules and inheritance exclusions from
// their configuration tables.
type PGRules struct {
	pool *pgxpool.Pool
}

// NewPGRules constructs a PGRules source.
func NewPGRules(pool *pgxpool.Pool) *PGRules {
	return &PGRules{pool: pool}
}

// Rules loads the active ruleset.
func (r *PGRules) Rules(ctx context.Context) (Ruleset, error) {
	var rules Ruleset

	rows, err := r.pool.Query(ctx,
		`SELECT code, permission_a, permission_b, severity, active FROM sod_rules WHERE active`)
	if err != nil {
		return Ruleset{}, fmt.Errorf("conflict: load sod rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rule SoDRule
		var severity string
		if err := rows.Scan(&rule.Code, &rule.PermissionA, &rule.PermissionB, &severity, &rule.Active); err != nil {
			return Ruleset{}, err
		}
		rule.Severity = Severity(severity)
		rules.SoD = append(rules.SoD, rule)
	}
	if err := rows.Err(); err != nil {
		return Ruleset{}, err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT role_id, permission_code FROM role_permission_exclusions WHERE active`)
	if err != nil {
		return Ruleset{}, fmt.Errorf("conflict: load exclusions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var excl InheritanceExclusion
		if err := rows.Scan(&excl.RoleID, &excl.PermissionCode); err != nil {
			return Ruleset{}, err
		}
		rules.Exclusions = append(rules.Exclusions, excl)
	}
	return rules, rows.Err()
}
