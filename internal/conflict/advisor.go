package conflict

import (
	"fmt"
	"sort"
)

// Advisor generates ranked candidate resolutions for detected conflicts.
// Suggest is pure: the same conflict always yields the same suggestions in
// the same order.
type Advisor struct{}

// NewAdvisor constructs an Advisor.
func NewAdvisor() *Advisor {
	return &Advisor{}
}

// IsAutoApplicable is the single gate for unattended resolution: a
// suggestion may be applied without an operator only when it is a low-impact
// single-row change and the conflict itself is not critical. Kept separate
// from orchestration so the policy is unit-testable on its own.
func IsAutoApplicable(c Conflict, s Suggestion) bool {
	if c.Severity == SeverityCritical {
		return false
	}
	return s.AutoApplicable && s.Impact == ImpactLow
}

// Suggest returns 1..N candidate resolutions for the conflict, ordered by
// ascending impact. A critical conflict gets exactly one suggestion:
// escalate to an administrator.
func (a *Advisor) Suggest(c Conflict) []Suggestion {
	if c.Severity == SeverityCritical {
		return []Suggestion{escalate(c)}
	}

	var suggestions []Suggestion
	switch c.Kind {
	case KindOverride:
		suggestions = a.suggestOverride(c)
	case KindRolePermission:
		suggestions = a.suggestRolePermission(c)
	case KindInheritance:
		suggestions = a.suggestInheritance(c)
	case KindExpiry:
		suggestions = a.suggestExpiry(c)
	}
	if len(suggestions) == 0 {
		suggestions = []Suggestion{escalate(c)}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return impactRank[suggestions[i].Impact] < impactRank[suggestions[j].Impact]
	})
	return suggestions
}

func (a *Advisor) suggestOverride(c Conflict) []Suggestion {
	// A single override backing the conflict means a moot row: deleting it
	// has no effect on the effective set, so it is safe to automate.
	if len(c.Evidence.OverrideIDs) == 1 {
		return []Suggestion{
			{
				Kind:             ResolutionRemoveLowerPriority,
				Impact:           ImpactLow,
				AutoApplicable:   true,
				Description:      fmt.Sprintf("remove the moot override on %s", involvedList(c)),
				RemoveOverrideID: c.Evidence.OverrideIDs[0],
			},
			escalate(c),
		}
	}
	suggestions := []Suggestion{
		{
			Kind:             ResolutionMergeOverrides,
			Impact:           ImpactMedium,
			Description:      fmt.Sprintf("merge the %d overlapping overrides, keeping the most restrictive", len(c.Evidence.OverrideIDs)),
			MergeOverrideIDs: append([]int64(nil), c.Evidence.OverrideIDs...),
		},
	}
	// Removing the newest override is a single-row change but alters the
	// effective set, so it stays operator-confirmed.
	last := c.Evidence.OverrideIDs[len(c.Evidence.OverrideIDs)-1]
	suggestions = append(suggestions, Suggestion{
		Kind:             ResolutionRemoveLowerPriority,
		Impact:           ImpactMedium,
		Description:      "remove the most recent of the disagreeing overrides",
		RemoveOverrideID: last,
	}, escalate(c))
	return suggestions
}

func (a *Advisor) suggestRolePermission(c Conflict) []Suggestion {
	var suggestions []Suggestion
	if len(c.Evidence.Grants) > 0 {
		grant := c.Evidence.Grants[0]
		suggestions = append(suggestions, Suggestion{
			Kind:   ResolutionCreateException,
			Impact: ImpactMedium,
			Description: fmt.Sprintf("deny %q for this user to satisfy rule %s while keeping both roles",
				grant.PermissionCode, c.Evidence.RuleCode),
			Exception: &Exception{
				PermissionID:   grant.PermissionID,
				PermissionCode: grant.PermissionCode,
				Deny:           true,
			},
		})
		suggestions = append(suggestions, Suggestion{
			Kind:   ResolutionRemoveLowerPriority,
			Impact: ImpactHigh,
			Description: fmt.Sprintf("remove the grant of %q from role %q; affects every holder of the role",
				grant.PermissionCode, grant.RoleCode),
			RemoveGrant: &grant,
		})
	}
	return append(suggestions, escalate(c))
}

func (a *Advisor) suggestInheritance(c Conflict) []Suggestion {
	var suggestions []Suggestion
	if len(c.Evidence.Grants) > 0 {
		grant := c.Evidence.Grants[0]
		suggestions = append(suggestions, Suggestion{
			Kind:   ResolutionRemoveLowerPriority,
			Impact: ImpactHigh,
			Description: fmt.Sprintf("remove the excluded grant of %q from descendant role %q; affects every holder",
				grant.PermissionCode, grant.RoleCode),
			RemoveGrant: &grant,
		})
		suggestions = append(suggestions, Suggestion{
			Kind:        ResolutionCreateException,
			Impact:      ImpactMedium,
			Description: fmt.Sprintf("deny %q for this user only, leaving the role untouched", grant.PermissionCode),
			Exception: &Exception{
				PermissionID:   grant.PermissionID,
				PermissionCode: grant.PermissionCode,
				Deny:           true,
			},
		})
	}
	return append(suggestions, escalate(c))
}

func (a *Advisor) suggestExpiry(c Conflict) []Suggestion {
	var suggestions []Suggestion
	if len(c.Evidence.Grants) > 0 && len(c.Evidence.OverrideIDs) == 1 {
		grant := c.Evidence.Grants[0]
		// Re-issuing the deny without an expiry is one upsert on the
		// existing (user, permission) row and cannot widen access.
		suggestions = append(suggestions, Suggestion{
			Kind:           ResolutionCreateException,
			Impact:         ImpactLow,
			AutoApplicable: true,
			Description:    fmt.Sprintf("extend the deny on %q to outlive the role grant", grant.PermissionCode),
			Exception: &Exception{
				PermissionID:   grant.PermissionID,
				PermissionCode: grant.PermissionCode,
				Deny:           true,
			},
		})
	}
	return append(suggestions, escalate(c))
}

func escalate(c Conflict) Suggestion {
	return Suggestion{
		Kind:        ResolutionEscalate,
		Impact:      ImpactHigh,
		Description: fmt.Sprintf("escalate the %s conflict on %s to a permission administrator", c.Kind, involvedList(c)),
	}
}

func involvedList(c Conflict) string {
	if len(c.InvolvedPermissions) == 0 {
		return "(none)"
	}
	out := c.InvolvedPermissions[0]
	for _, perm := range c.InvolvedPermissions[1:] {
		out += ", " + perm
	}
	return out
}
