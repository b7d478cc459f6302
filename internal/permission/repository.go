package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhr/meridian/internal/platform/db"
)

const pgUniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for roles, grants, and
// overrides.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Snapshot loads every input to effective-permission computation for one
// user inside a single read-only RepeatableRead transaction. All queries see
// the same database snapshot, so a permission can never appear half-granted
// because of an interleaved administrative write.
func (r *Repository) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	snap := Snapshot{UserID: userID, Roles: make(map[int64]Role)}
	err := db.WithSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&snap.TakenAt); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT r.id, r.code, r.name, r.parent_id, r.is_system, r.active
FROM roles r
JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = $1 AND r.active`, userID)
		if err != nil {
			return err
		}
		snap.DirectRoles, err = scanRoles(rows)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `SELECT id, code, name, parent_id, is_system, active FROM roles WHERE active`)
		if err != nil {
			return err
		}
		directory, err := scanRoles(rows)
		if err != nil {
			return err
		}
		for _, role := range directory {
			snap.Roles[role.ID] = role
		}

		rows, err = tx.Query(ctx, `SELECT g.role_id, p.id, p.code, p.resource_code, p.action, p.active,
       g.granted_by, g.granted_at, g.expires_at, g.active
FROM role_grants g
JOIN permissions p ON p.id = g.permission_id
WHERE g.active`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var grant RoleGrant
			var action string
			if err := rows.Scan(&grant.RoleID, &grant.Permission.ID, &grant.Permission.Code,
				&grant.Permission.ResourceCode, &action, &grant.Permission.Active,
				&grant.GrantedBy, &grant.GrantedAt, &grant.ExpiresAt, &grant.Active); err != nil {
				return err
			}
			grant.Permission.Action = ActionType(action)
			snap.Grants = append(snap.Grants, grant)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `SELECT o.id, o.user_id, p.id, p.code, p.resource_code, p.action, p.active,
       o.kind, o.granted_by, o.expires_at, o.reason, o.active
FROM user_overrides o
JOIN permissions p ON p.id = o.permission_id
WHERE o.user_id = $1 AND o.active`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ov UserOverride
			var action, kind string
			if err := rows.Scan(&ov.ID, &ov.UserID, &ov.Permission.ID, &ov.Permission.Code,
				&ov.Permission.ResourceCode, &action, &ov.Permission.Active,
				&kind, &ov.GrantedBy, &ov.ExpiresAt, &ov.Reason, &ov.Active); err != nil {
				return err
			}
			ov.Permission.Action = ActionType(action)
			ov.Kind = OverrideKind(kind)
			snap.Overrides = append(snap.Overrides, ov)
		}
		return rows.Err()
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("permission: load snapshot: %w", wrapTransient(err))
	}
	return snap, nil
}

func scanRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.ParentID, &role.IsSystem, &role.Active); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UserExists reports whether an active user row exists.
func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND is_active)`, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// PermissionByID fetches one permission from the catalog.
func (r *Repository) PermissionByID(ctx context.Context, id int64) (Permission, error) {
	var perm Permission
	var action string
	err := r.pool.QueryRow(ctx, `SELECT id, code, resource_code, action, active FROM permissions WHERE id = $1`, id).
		Scan(&perm.ID, &perm.Code, &perm.ResourceCode, &action, &perm.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	perm.Action = ActionType(action)
	return perm, nil
}

// RoleByID fetches one role.
func (r *Repository) RoleByID(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, parent_id, is_system, active FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Code, &role.Name, &role.ParentID, &role.IsSystem, &role.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateOverride inserts a new override row. At most one override may exist
// per (user, permission); a second insert surfaces ErrOverrideExists.
func (r *Repository) CreateOverride(ctx context.Context, ov UserOverride) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_overrides (user_id, permission_id, kind, granted_by, expires_at, reason, active)
VALUES ($1, $2, $3, $4, $5, $6, true)`,
		ov.UserID, ov.Permission.ID, string(ov.Kind), ov.GrantedBy, ov.ExpiresAt, ov.Reason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrOverrideExists
		}
		return fmt.Errorf("permission: create override: %w", wrapTransient(err))
	}
	return nil
}

// UpsertOverride writes the override for (user, permission), replacing any
// existing row for the pair. This is the single-row exclusive-write resource
// of the whole subsystem.
func (r *Repository) UpsertOverride(ctx context.Context, ov UserOverride) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_overrides (user_id, permission_id, kind, granted_by, expires_at, reason, active)
VALUES ($1, $2, $3, $4, $5, $6, true)
ON CONFLICT (user_id, permission_id)
DO UPDATE SET kind = EXCLUDED.kind, granted_by = EXCLUDED.granted_by,
              expires_at = EXCLUDED.expires_at, reason = EXCLUDED.reason, active = true`,
		ov.UserID, ov.Permission.ID, string(ov.Kind), ov.GrantedBy, ov.ExpiresAt, ov.Reason)
	if err != nil {
		return fmt.Errorf("permission: upsert override: %w", wrapTransient(err))
	}
	return nil
}

// DeactivateOverride retires one override row.
func (r *Repository) DeactivateOverride(ctx context.Context, overrideID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE user_overrides SET active = false WHERE id = $1 AND active`, overrideID)
	if err != nil {
		return fmt.Errorf("permission: deactivate override: %w", wrapTransient(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateRoleGrant retires the grant tying a permission to a role.
func (r *Repository) DeactivateRoleGrant(ctx context.Context, roleID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE role_grants SET active = false WHERE role_id = $1 AND permission_id = $2 AND active`,
		roleID, permissionID)
	if err != nil {
		return fmt.Errorf("permission: deactivate role grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignRole links a user to a role. Assigning an already-held role is a
// no-op.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, roleID)
	if err != nil {
		return fmt.Errorf("permission: assign role: %w", err)
	}
	return nil
}

// RemoveRole unlinks a user from a role.
func (r *Repository) RemoveRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("permission: remove role: %w", err)
	}
	return nil
}

// MergeOverrides collapses overlapping overrides into one surviving row,
// retiring the rest in a single transaction.
func (r *Repository) MergeOverrides(ctx context.Context, keepID int64, removeIDs []int64) error {
	if len(removeIDs) == 0 {
		return nil
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE user_overrides SET active = false WHERE id = ANY($1) AND id <> $2 AND active`,
			removeIDs, keepID)
		return err
	})
	if err != nil {
		return fmt.Errorf("permission: merge overrides: %w", err)
	}
	return nil
}

// RevokePermission takes a permission away from a user by writing a deny
// override for the pair. Any existing override row is replaced by the deny,
// so the permission stays gone even when a role grant would still supply it.
func (r *Repository) RevokePermission(ctx context.Context, userID, permissionID, actorID int64, reason string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_overrides (user_id, permission_id, kind, granted_by, reason, active)
VALUES ($1, $2, 'deny', $3, $4, true)
ON CONFLICT (user_id, permission_id)
DO UPDATE SET kind = 'deny', granted_by = EXCLUDED.granted_by,
              expires_at = NULL, reason = EXCLUDED.reason, active = true`,
		userID, permissionID, actorID, reason)
	if err != nil {
		return fmt.Errorf("permission: revoke permission: %w", wrapTransient(err))
	}
	return nil
}

// TemplateByID loads a permission template with its role and override lines.
func (r *Repository) TemplateByID(ctx context.Context, id int64) (Template, error) {
	var tpl Template
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, name FROM permission_templates WHERE id = $1 AND active`, id).
		Scan(&tpl.ID, &tpl.Code, &tpl.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("permission: template by id: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT role_id FROM permission_template_roles WHERE template_id = $1 ORDER BY role_id`, id)
	if err != nil {
		return Template{}, fmt.Errorf("permission: template roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int64
		if err := rows.Scan(&roleID); err != nil {
			return Template{}, fmt.Errorf("permission: template roles: %w", err)
		}
		tpl.RoleIDs = append(tpl.RoleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return Template{}, fmt.Errorf("permission: template roles: %w", err)
	}

	ovRows, err := r.pool.Query(ctx,
		`SELECT permission_id, kind, expires_at
FROM permission_template_overrides WHERE template_id = $1 ORDER BY permission_id`, id)
	if err != nil {
		return Template{}, fmt.Errorf("permission: template overrides: %w", err)
	}
	defer ovRows.Close()
	for ovRows.Next() {
		var line TemplateOverride
		var kind string
		if err := ovRows.Scan(&line.PermissionID, &kind, &line.ExpiresAt); err != nil {
			return Template{}, fmt.Errorf("permission: template overrides: %w", err)
		}
		line.Kind = OverrideKind(kind)
		tpl.Overrides = append(tpl.Overrides, line)
	}
	if err := ovRows.Err(); err != nil {
		return Template{}, fmt.Errorf("permission: template overrides: %w", err)
	}
	return tpl, nil
}

// UsersWithExpired lists users holding at least one expired but still active
// grant or override, for the nightly sweep.
func (r *Repository) UsersWithExpired(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM user_overrides
WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
UNION
SELECT ur.user_id FROM user_roles ur
JOIN role_grants g ON g.role_id = ur.role_id
WHERE g.active AND g.expires_at IS NOT NULL AND g.expires_at <= $1
ORDER BY user_id`, now)
	if err != nil {
		return nil, fmt.Errorf("permission: users with expired: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("permission: users with expired: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("permission: users with expired: %w", err)
	}
	return ids, nil
}

// CleanupExpired retires the user's expired role grants and overrides.
// Returns the number of rows retired.
func (r *Repository) CleanupExpired(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var retired int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE user_overrides SET active = false
WHERE user_id = $1 AND active AND expires_at IS NOT NULL AND expires_at <= $2`, userID, now)
		if err != nil {
			return err
		}
		retired += tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`UPDATE role_grants g SET active = false
FROM user_roles ur
WHERE ur.user_id = $1 AND ur.role_id = g.role_id
  AND g.active AND g.expires_at IS NOT NULL AND g.expires_at <= $2`, userID, now)
		if err != nil {
			return err
		}
		retired += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("permission: cleanup expired: %w", err)
	}
	return retired, nil
}
