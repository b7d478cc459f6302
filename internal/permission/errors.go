package permission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates an unknown user, role, or permission.
	ErrNotFound = errors.New("permission: not found")
	// ErrOverrideExists indicates a second override for the same
	// (user, permission) pair was attempted.
	ErrOverrideExists = errors.New("permission: override already exists for user and permission")
	// ErrTransient indicates a retryable infrastructure failure.
	ErrTransient = errors.New("permission: transient persistence failure")
)

// isTransient reports whether err is a retryable Postgres failure:
// connection loss (class 08), resource exhaustion (class 53), operator
// shutdown (class 57), serialization failures, deadlocks, or a network
// timeout surfaced by pgconn.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			strings.HasPrefix(pgErr.Code, "57") {
			return true
		}
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.Timeout(err)
}

// wrapTransient tags retryable failures with ErrTransient so callers can map
// them to a retry response instead of a hard error.
func wrapTransient(err error) error {
	if err == nil || !isTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
