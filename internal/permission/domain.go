package permission

import "time"

// ActionType enumerates the operations a permission can authorize.
type ActionType string

const (
	ActionRead    ActionType = "read"
	ActionWrite   ActionType = "write"
	ActionDelete  ActionType = "delete"
	ActionExecute ActionType = "execute"
)

// Role is a node in the role forest. Each role has at most one parent.
type Role struct {
	ID       int64
	Code     string
	Name     string
	ParentID *int64
	IsSystem bool
	Active   bool
}

// Permission is an atomic capability from the resource catalog.
type Permission struct {
	ID           int64
	Code         string
	ResourceCode string
	Action       ActionType
	Active       bool
}

// RoleGrant ties a permission to a role. Unique per (role, permission).
type RoleGrant struct {
	RoleID     int64
	Permission Permission
	GrantedBy  int64
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	Active     bool
}

// OverrideKind distinguishes user-level grants from denies.
type OverrideKind string

const (
	OverrideGrant OverrideKind = "grant"
	OverrideDeny  OverrideKind = "deny"
)

// UserOverride is a user-specific grant or deny that takes precedence over
// role-derived permissions. Unique per (user, permission).
type UserOverride struct {
	ID         int64
	UserID     int64
	Permission Permission
	Kind       OverrideKind
	GrantedBy  int64
	ExpiresAt  *time.Time
	Reason     string
	Active     bool
}

// SourceKind records where an effective permission came from.
type SourceKind string

const (
	SourceRole          SourceKind = "role"
	SourceOverrideGrant SourceKind = "override_grant"
)

// EffectivePermission is one entry of a user's resolved permission set. It is
// always derived, never persisted.
type EffectivePermission struct {
	PermissionCode string
	ResourceCode   string
	Action         ActionType
	Source         SourceKind
}

// ResolvedRole is a role reached by hierarchy resolution, with its distance
// from the directly-assigned role (0 = assigned directly).
type ResolvedRole struct {
	ID    int64
	Code  string
	Depth int
}

// Template is a reusable bundle of roles and overrides applied together,
// typically matching a job profile.
type Template struct {
	ID        int64
	Code      string
	Name      string
	RoleIDs   []int64
	Overrides []TemplateOverride
}

// TemplateOverride is one override line of a template.
type TemplateOverride struct {
	PermissionID int64
	Kind         OverrideKind
	ExpiresAt    *time.Time
}

// Snapshot bundles every raw input to effective-permission computation for a
// single user, read against one consistent database snapshot. Resolution and
// aggregation are pure functions over this value.
type Snapshot struct {
	UserID      int64
	TakenAt     time.Time
	DirectRoles []Role
	Roles       map[int64]Role
	Grants      []RoleGrant
	Overrides   []UserOverride
}
