package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/meridianhr/meridian/internal/permission"
)

// SoDRule flags two permissions as mutually exclusive (segregation of duty).
// The severity of a violation comes from the rule itself.
type SoDRule struct {
	Code        string
	PermissionA string
	PermissionB string
	Severity    Severity
	Active      bool
}

// InheritanceExclusion is configured metadata on an ancestor role stating
// that its descendants must not grant the permission. Exclusions are never
// inferred heuristically.
type InheritanceExclusion struct {
	RoleID         int64
	PermissionCode string
}

// Ruleset bundles the configured detection rules.
type Ruleset struct {
	SoD        []SoDRule
	Exclusions []InheritanceExclusion
}

// Detector inspects a user's raw permission sources for inconsistencies the
// aggregator silently resolves but an operator should see.
type Detector struct {
	resolver *permission.HierarchyResolver
	logger   *slog.Logger
}

// NewDetector constructs a Detector.
func NewDetector(resolver *permission.HierarchyResolver, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = permission.NewHierarchyResolver(permission.DefaultMaxDepth, logger)
	}
	return &Detector{resolver: resolver, logger: logger}
}

// Detect inspects the snapshot against the rules and returns every conflict,
// ordered deterministically. Detection reads the raw sources, not the merged
// effective set.
func (d *Detector) Detect(snap permission.Snapshot, rules Ruleset) []Conflict {
	now := snap.TakenAt
	if now.IsZero() {
		now = time.Now()
	}
	resolved := d.resolver.Resolve(snap)
	resolvedIDs := make(map[int64]struct{}, len(resolved))
	for _, role := range resolved {
		resolvedIDs[role.ID] = struct{}{}
	}

	overrides := liveOverrides(snap, now)
	grants := liveGrants(snap, resolvedIDs, now)

	grantsByCode := make(map[string][]GrantRef)
	for _, grant := range grants {
		ref := GrantRef{
			RoleID:         grant.RoleID,
			RoleCode:       snap.Roles[grant.RoleID].Code,
			PermissionID:   grant.Permission.ID,
			PermissionCode: grant.Permission.Code,
		}
		grantsByCode[grant.Permission.Code] = append(grantsByCode[grant.Permission.Code], ref)
	}

	var conflicts []Conflict
	conflicts = append(conflicts, d.detectOverrideConflicts(snap, overrides, grantsByCode, now)...)
	conflicts = append(conflicts, d.detectSoDConflicts(rules.SoD, grantsByCode, snap.UserID, now)...)
	conflicts = append(conflicts, d.detectInheritanceConflicts(snap, rules.Exclusions, resolvedIDs, grantsByCode, now)...)
	conflicts = append(conflicts, d.detectExpiryConflicts(snap, overrides, grants, now)...)

	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Kind != conflicts[j].Kind {
			return conflicts[i].Kind < conflicts[j].Kind
		}
		a := strings.Join(conflicts[i].InvolvedPermissions, ",")
		b := strings.Join(conflicts[j].InvolvedPermissions, ",")
		if a != b {
			return a < b
		}
		return conflicts[i].Evidence.RuleCode < conflicts[j].Evidence.RuleCode
	})
	return conflicts
}

func liveOverrides(snap permission.Snapshot, now time.Time) []permission.UserOverride {
	var out []permission.UserOverride
	for _, ov := range snap.Overrides {
		if !ov.Active || !ov.Permission.Active {
			continue
		}
		if ov.ExpiresAt != nil && !ov.ExpiresAt.After(now) {
			continue
		}
		out = append(out, ov)
	}
	return out
}

func liveGrants(snap permission.Snapshot, resolvedIDs map[int64]struct{}, now time.Time) []permission.RoleGrant {
	var out []permission.RoleGrant
	for _, grant := range snap.Grants {
		if !grant.Active || !grant.Permission.Active {
			continue
		}
		if grant.ExpiresAt != nil && !grant.ExpiresAt.After(now) {
			continue
		}
		if _, ok := resolvedIDs[grant.RoleID]; !ok {
			continue
		}
		out = append(out, grant)
	}
	return out
}

// detectOverrideConflicts finds moot denies and overlapping overrides from
// different grantors.
func (d *Detector) detectOverrideConflicts(snap permission.Snapshot, overrides []permission.UserOverride, grantsByCode map[string][]GrantRef, now time.Time) []Conflict {
	var conflicts []Conflict

	for _, ov := range overrides {
		if ov.Kind != permission.OverrideDeny {
			continue
		}
		if len(grantsByCode[ov.Permission.Code]) > 0 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			UserID:              snap.UserID,
			Kind:                KindOverride,
			Severity:            SeverityLow,
			InvolvedPermissions: []string{ov.Permission.Code},
			Description:         fmt.Sprintf("deny override on %q is moot: no role grants it", ov.Permission.Code),
			Evidence:            Evidence{OverrideIDs: []int64{ov.ID}},
			SuggestedResolution: ResolutionRemoveLowerPriority,
			DetectedAt:          now,
		})
	}

	byResource := make(map[string][]permission.UserOverride)
	for _, ov := range overrides {
		byResource[ov.Permission.ResourceCode] = append(byResource[ov.Permission.ResourceCode], ov)
	}
	for _, group := range byResource {
		if len(group) < 2 {
			continue
		}
		grantors := make(map[int64]struct{})
		kinds := make(map[permission.OverrideKind]struct{})
		var ids []int64
		var codes []string
		for _, ov := range group {
			grantors[ov.GrantedBy] = struct{}{}
			kinds[ov.Kind] = struct{}{}
			ids = append(ids, ov.ID)
			codes = append(codes, ov.Permission.Code)
		}
		if len(grantors) < 2 || len(kinds) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		sort.Strings(codes)
		conflicts = append(conflicts, Conflict{
			UserID:              snap.UserID,
			Kind:                KindOverride,
			Severity:            SeverityMedium,
			InvolvedPermissions: codes,
			Description:         fmt.Sprintf("overrides from different grantors disagree on resource %q", group[0].Permission.ResourceCode),
			Evidence:            Evidence{OverrideIDs: ids},
			SuggestedResolution: ResolutionMergeOverrides,
			DetectedAt:          now,
		})
	}
	return conflicts
}

// detectSoDConflicts checks configured segregation-of-duty rules against the
// permissions the user's roles grant.
func (d *Detector) detectSoDConflicts(rules []SoDRule, grantsByCode map[string][]GrantRef, userID int64, now time.Time) []Conflict {
	var conflicts []Conflict
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		grantsA := grantsByCode[rule.PermissionA]
		grantsB := grantsByCode[rule.PermissionB]
		if len(grantsA) == 0 || len(grantsB) == 0 {
			continue
		}
		if !rolesDiffer(grantsA, grantsB) {
			continue
		}
		involved := []string{rule.PermissionA, rule.PermissionB}
		sort.Strings(involved)
		evidence := Evidence{RuleCode: rule.Code}
		evidence.Grants = append(evidence.Grants, grantsA...)
		evidence.Grants = append(evidence.Grants, grantsB...)
		conflicts = append(conflicts, Conflict{
			UserID:              userID,
			Kind:                KindRolePermission,
			Severity:            rule.Severity,
			InvolvedPermissions: involved,
			Description:         fmt.Sprintf("roles grant mutually exclusive permissions %q and %q (rule %s)", rule.PermissionA, rule.PermissionB, rule.Code),
			Evidence:            evidence,
			SuggestedResolution: suggestedForSeverity(rule.Severity),
			DetectedAt:          now,
		})
	}
	return conflicts
}

func rolesDiffer(a, b []GrantRef) bool {
	for _, ga := range a {
		for _, gb := range b {
			if ga.RoleID != gb.RoleID {
				return true
			}
		}
	}
	return false
}

// detectInheritanceConflicts reports descendant roles granting permissions an
// ancestor's exclusion metadata forbids.
func (d *Detector) detectInheritanceConflicts(snap permission.Snapshot, exclusions []InheritanceExclusion, resolvedIDs map[int64]struct{}, grantsByCode map[string][]GrantRef, now time.Time) []Conflict {
	var conflicts []Conflict
	for _, excl := range exclusions {
		if _, ok := resolvedIDs[excl.RoleID]; !ok {
			continue
		}
		for _, ref := range grantsByCode[excl.PermissionCode] {
			if ref.RoleID == excl.RoleID {
				continue
			}
			if !isDescendant(snap, ref.RoleID, excl.RoleID, d.resolver.MaxDepth()) {
				continue
			}
			// The rule code carries the granting role too, so sibling
			// descendants violating the same exclusion stay distinct
			// conflicts under Fingerprint.
			conflicts = append(conflicts, Conflict{
				UserID:              snap.UserID,
				Kind:                KindInheritance,
				Severity:            SeverityHigh,
				InvolvedPermissions: []string{excl.PermissionCode},
				Description: fmt.Sprintf("role %q grants %q although ancestor %q excludes it",
					ref.RoleCode, excl.PermissionCode, snap.Roles[excl.RoleID].Code),
				Evidence:            Evidence{Grants: []GrantRef{ref}, RuleCode: fmt.Sprintf("exclusion:%d:role:%d", excl.RoleID, ref.RoleID)},
				SuggestedResolution: ResolutionRemoveLowerPriority,
				DetectedAt:          now,
			})
		}
	}
	return conflicts
}

// isDescendant reports whether walking up from roleID reaches ancestorID.
// The walk is bounded by the same depth the hierarchy resolver uses.
func isDescendant(snap permission.Snapshot, roleID, ancestorID int64, maxDepth int) bool {
	current, ok := snap.Roles[roleID]
	if !ok {
		return false
	}
	for depth := 0; depth < maxDepth; depth++ {
		if current.ParentID == nil {
			return false
		}
		if *current.ParentID == ancestorID {
			return true
		}
		parent, ok := snap.Roles[*current.ParentID]
		if !ok {
			return false
		}
		current = parent
	}
	return false
}

// detectExpiryConflicts reports deny overrides that expire before the role
// grant they narrow, opening a window where the narrowing silently
// disappears.
func (d *Detector) detectExpiryConflicts(snap permission.Snapshot, overrides []permission.UserOverride, grants []permission.RoleGrant, now time.Time) []Conflict {
	var conflicts []Conflict
	for _, ov := range overrides {
		if ov.Kind != permission.OverrideDeny || ov.ExpiresAt == nil {
			continue
		}
		var outliving []GrantRef
		for _, grant := range grants {
			if grant.Permission.Code != ov.Permission.Code {
				continue
			}
			if grant.ExpiresAt == nil || grant.ExpiresAt.After(*ov.ExpiresAt) {
				outliving = append(outliving, GrantRef{
					RoleID:         grant.RoleID,
					RoleCode:       snap.Roles[grant.RoleID].Code,
					PermissionID:   grant.Permission.ID,
					PermissionCode: grant.Permission.Code,
				})
			}
		}
		if len(outliving) == 0 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			UserID:              snap.UserID,
			Kind:                KindExpiry,
			Severity:            SeverityMedium,
			InvolvedPermissions: []string{ov.Permission.Code},
			Description: fmt.Sprintf("deny override on %q expires %s while a role grant outlives it",
				ov.Permission.Code, ov.ExpiresAt.Format(time.RFC3339)),
			Evidence:            Evidence{OverrideIDs: []int64{ov.ID}, Grants: outliving},
			SuggestedResolution: ResolutionCreateException,
			DetectedAt:          now,
		})
	}
	return conflicts
}

func suggestedForSeverity(severity Severity) ResolutionKind {
	if severity == SeverityCritical {
		return ResolutionEscalate
	}
	return ResolutionCreateException
}
