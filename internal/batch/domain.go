package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhr/meridian/internal/permission"
)

// Kind names a batch operation variant.
type Kind string

const (
	KindAssignPermissions Kind = "assign_permissions"
	KindRevokePermissions Kind = "revoke_permissions"
	KindAssignRoles       Kind = "assign_roles"
	KindRemoveRoles       Kind = "remove_roles"
	KindCreateOverrides   Kind = "create_overrides"
	KindApplyTemplate     Kind = "apply_template"
	KindCleanupExpired    Kind = "cleanup_expired"
)

var (
	// ErrValidation indicates a malformed batch request. It blocks the
	// whole batch before anything executes.
	ErrValidation = errors.New("batch: validation failed")
	// ErrConfirmationRequired indicates a destructive operation was
	// submitted without explicit operator confirmation. Enforced
	// server-side, not just as a client affordance.
	ErrConfirmationRequired = errors.New("batch: operation requires explicit confirmation")
)

// Operation is one administrative request applied independently across many
// target users. Each variant carries its own payload shape and validates it
// at construction, replacing string-keyed dispatch.
type Operation interface {
	Kind() Kind
	Targets() []int64
	Reason() string
	Validate() error
}

// AssignPermissions grants one permission to every target via a grant
// override.
type AssignPermissions struct {
	TargetUserIDs []int64    `json:"target_user_ids"`
	PermissionID  int64      `json:"permission_id"`
	Justification string     `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (op AssignPermissions) Kind() Kind       { return KindAssignPermissions }
func (op AssignPermissions) Targets() []int64 { return op.TargetUserIDs }
func (op AssignPermissions) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op AssignPermissions) Validate() error {
	if err := validateCommon(op.TargetUserIDs, op.Justification); err != nil {
		return err
	}
	if op.PermissionID == 0 {
		return fmt.Errorf("%w: permission_id is required", ErrValidation)
	}
	return nil
}

// RevokePermissions removes one permission from every target by writing a
// deny override, replacing any grant override for the pair.
type RevokePermissions struct {
	TargetUserIDs []int64 `json:"target_user_ids"`
	PermissionID  int64   `json:"permission_id"`
	Justification string  `json:"reason"`
	Confirmed     bool    `json:"confirmed"`
}

func (op RevokePermissions) Kind() Kind       { return KindRevokePermissions }
func (op RevokePermissions) Targets() []int64 { return op.TargetUserIDs }
func (op RevokePermissions) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op RevokePermissions) Validate() error {
	if err := validateCommon(op.TargetUserIDs, op.Justification); err != nil {
		return err
	}
	if op.PermissionID == 0 {
		return fmt.Errorf("%w: permission_id is required", ErrValidation)
	}
	if !op.Confirmed {
		return fmt.Errorf("%w: %w", ErrValidation, ErrConfirmationRequired)
	}
	return nil
}

// AssignRoles links every target to a role.
type AssignRoles struct {
	TargetUserIDs []int64 `json:"target_user_ids"`
	RoleID        int64   `json:"role_id"`
	Justification string  `json:"reason"`
}

func (op AssignRoles) Kind() Kind       { return KindAssignRoles }
func (op AssignRoles) Targets() []int64 { return op.TargetUserIDs }
func (op AssignRoles) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op AssignRoles) Validate() error {
	if err := validateCommon(op.TargetUserIDs, op.Justification); err != nil {
		return err
	}
	if op.RoleID == 0 {
		return fmt.Errorf("%w: role_id is required", ErrValidation)
	}
	return nil
}

// RemoveRoles unlinks every target from a role.
type RemoveRoles struct {
	TargetUserIDs []int64 `json:"target_user_ids"`
	RoleID        int64   `json:"role_id"`
	Justification string  `json:"reason"`
	Confirmed     bool    `json:"confirmed"`
}

func (op RemoveRoles) Kind() Kind       { return KindRemoveRoles }
func (op RemoveRoles) Targets() []int64 { return op.TargetUserIDs }
func (op RemoveRoles) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op RemoveRoles) Validate() error {
	if err := validateCommon(op.TargetUserIDs, op.Justification); err != nil {
		return err
	}
	if op.RoleID == 0 {
		return fmt.Errorf("%w: role_id is required", ErrValidation)
	}
	if !op.Confirmed {
		return fmt.Errorf("%w: %w", ErrValidation, ErrConfirmationRequired)
	}
	return nil
}

// CreateOverrides writes a grant or deny override for every target.
type CreateOverrides struct {
	TargetUserIDs []int64    `json:"target_user_ids"`
	PermissionID  int64      `json:"permission_id"`
	OverrideKind  string     `json:"override_kind"`
	Justification string     `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (op CreateOverrides) Kind() Kind       { return KindCreateOverrides }
func (op CreateOverrides) Targets() []int64 { return op.TargetUserIDs }
func (op CreateOverrides) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op CreateOverrides) Validate() error {
	if err := validateCommon(op.TargetUserIDs, op.Justification); err != nil {
		return err
	}
	if op.PermissionID == 0 {
		return fmt.Errorf("%w: permission_id is required", ErrValidation)
	}
	if op.OverrideKind != string(permission.OverrideGrant) && op.OverrideKind != string(permission.OverrideDeny) {
		return fmt.Errorf("%w: override_kind must be grant or deny", ErrValidation)
	}
	return nil
}

// ApplyTemplate applies a named permission template (roles plus overrides)
// to every target.
type ApplyTemplate struct {
	TargetUserIDs []int64 `json:"target_user_ids"`
	TemplateID    int64   `json:"template_id"`
	Justification string  `json:"reason"`
}

func (op ApplyTemplate) Kind() Kind       { return KindApplyTemplate }
func (op ApplyTemplate) Targets() []int64 { return op.TargetUserIDs }
func (op ApplyTemplate) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op ApplyTemplate) Validate() error {
	if err := validateCommon(op.TargetUserIDs, op.Justification); err != nil {
		return err
	}
	if op.TemplateID == 0 {
		return fmt.Errorf("%w: template_id is required", ErrValidation)
	}
	return nil
}

// CleanupExpired retires expired role grants and overrides for every target.
type CleanupExpired struct {
	TargetUserIDs []int64 `json:"target_user_ids"`
	Justification string  `json:"reason"`
}

func (op CleanupExpired) Kind() Kind       { return KindCleanupExpired }
func (op CleanupExpired) Targets() []int64 { return op.TargetUserIDs }
func (op CleanupExpired) Reason() string   { return op.Justification }

// Validate implements Operation.
func (op CleanupExpired) Validate() error {
	return validateCommon(op.TargetUserIDs, op.Justification)
}

func validateCommon(targets []int64, reason string) error {
	if len(targets) == 0 {
		return fmt.Errorf("%w: at least one target user is required", ErrValidation)
	}
	if reason == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}
	return nil
}

// DecodeOperation builds the variant for a kind from its JSON payload and
// validates it. Used by both the HTTP handler and the job worker.
func DecodeOperation(kind Kind, payload []byte) (Operation, error) {
	var op Operation
	switch kind {
	case KindAssignPermissions:
		var v AssignPermissions
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	case KindRevokePermissions:
		var v RevokePermissions
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	case KindAssignRoles:
		var v AssignRoles
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	case KindRemoveRoles:
		var v RemoveRoles
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	case KindCreateOverrides:
		var v CreateOverrides
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	case KindApplyTemplate:
		var v ApplyTemplate
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	case KindCleanupExpired:
		var v CleanupExpired
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		op = v
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrValidation, kind)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}
