package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a detected inconsistency among a user's permission sources.
type Kind string

const (
	// KindOverride covers overlapping or moot user overrides.
	KindOverride Kind = "override"
	// KindRolePermission covers segregation-of-duty violations between two
	// of the user's roles.
	KindRolePermission Kind = "role_permission"
	// KindInheritance covers descendant roles granting permissions an
	// ancestor's configuration excludes.
	KindInheritance Kind = "inheritance"
	// KindExpiry covers overrides that expire before the role grant they
	// narrow, silently reopening access.
	KindExpiry Kind = "expiry"
)

// Severity grades operator urgency. It is always rule-derived, never
// inferred from context at detection time.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResolutionKind names a candidate fix.
type ResolutionKind string

const (
	// ResolutionRemoveLowerPriority deletes the lower-precedence
	// contributing row.
	ResolutionRemoveLowerPriority ResolutionKind = "remove_lower_priority"
	// ResolutionMergeOverrides collapses overlapping overrides into one.
	ResolutionMergeOverrides ResolutionKind = "merge_overrides"
	// ResolutionEscalate hands the conflict to an administrator. Mandatory
	// for critical severity; never automated.
	ResolutionEscalate ResolutionKind = "escalate_to_admin"
	// ResolutionCreateException registers a new, explicitly justified
	// override superseding the conflicting rule.
	ResolutionCreateException ResolutionKind = "create_exception"
)

// Impact grades how far a resolution's effects reach.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

var impactRank = map[Impact]int{ImpactLow: 0, ImpactMedium: 1, ImpactHigh: 2}

// GrantRef points at one role grant row.
type GrantRef struct {
	RoleID         int64  `json:"role_id"`
	RoleCode       string `json:"role_code"`
	PermissionID   int64  `json:"permission_id"`
	PermissionCode string `json:"permission_code"`
}

// Evidence carries the concrete rows behind a conflict so a resolution can
// target them without re-querying.
type Evidence struct {
	OverrideIDs []int64    `json:"override_ids,omitempty"`
	Grants      []GrantRef `json:"grants,omitempty"`
	RuleCode    string     `json:"rule_code,omitempty"`
}

// Conflict is a detected inconsistency requiring operator attention.
// ResolvedAt and ResolvedBy are set only after a persisted state change has
// removed the underlying inconsistency.
type Conflict struct {
	ID                  uuid.UUID
	UserID              int64
	Kind                Kind
	Severity            Severity
	InvolvedPermissions []string
	Description         string
	Evidence            Evidence
	SuggestedResolution ResolutionKind
	DetectedAt          time.Time
	ResolvedAt          *time.Time
	ResolvedBy          string
	AppliedResolution   ResolutionKind
}

// Fingerprint identifies the underlying inconsistency independent of when it
// was detected. Re-detection before apply compares fingerprints: a conflict
// whose fingerprint no longer shows up was resolved by someone else.
func (c Conflict) Fingerprint() string {
	perms := append([]string(nil), c.InvolvedPermissions...)
	sort.Strings(perms)
	return fmt.Sprintf("%d|%s|%s|%s", c.UserID, c.Kind, strings.Join(perms, ","), c.Evidence.RuleCode)
}

// Suggestion is one ranked candidate fix for a conflict.
type Suggestion struct {
	Kind           ResolutionKind `json:"kind"`
	Impact         Impact         `json:"impact"`
	AutoApplicable bool           `json:"auto_applicable"`
	Description    string         `json:"description"`

	// Mutation targets, populated depending on Kind.
	RemoveOverrideID int64      `json:"remove_override_id,omitempty"`
	RemoveGrant      *GrantRef  `json:"remove_grant,omitempty"`
	MergeOverrideIDs []int64    `json:"merge_override_ids,omitempty"`
	Exception        *Exception `json:"exception,omitempty"`
}

// Exception describes the override a create_exception resolution writes.
type Exception struct {
	PermissionID   int64      `json:"permission_id"`
	PermissionCode string     `json:"permission_code"`
	Deny           bool       `json:"deny"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
