package permission

import (
	"sort"
	"time"
)

// Aggregator merges role-derived grants with user-level overrides into one
// deterministic effective permission set.
type Aggregator struct{}

// NewAggregator constructs an Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Effective computes the user's effective permission set from the snapshot
// and the resolved role set:
//
//	effective = (role grants ∪ override grants) − override denies
//
// Expired and inactive rows never contribute. Duplicate grants from multiple
// roles collapse to one entry. A deny override removes the permission no
// matter how many roles grant it. The result is sorted by permission code,
// which is what makes recomputation byte-identical for identical inputs.
func (a *Aggregator) Effective(snap Snapshot, resolved []ResolvedRole) []EffectivePermission {
	now := snap.TakenAt
	if now.IsZero() {
		now = time.Now()
	}

	roleSet := make(map[int64]struct{}, len(resolved))
	for _, role := range resolved {
		roleSet[role.ID] = struct{}{}
	}

	byCode := make(map[string]EffectivePermission)
	for _, grant := range snap.Grants {
		if !grant.Active || !grant.Permission.Active {
			continue
		}
		if expired(grant.ExpiresAt, now) {
			continue
		}
		if _, ok := roleSet[grant.RoleID]; !ok {
			continue
		}
		if _, ok := byCode[grant.Permission.Code]; ok {
			continue
		}
		byCode[grant.Permission.Code] = EffectivePermission{
			PermissionCode: grant.Permission.Code,
			ResourceCode:   grant.Permission.ResourceCode,
			Action:         grant.Permission.Action,
			Source:         SourceRole,
		}
	}

	for _, override := range snap.Overrides {
		if !override.Active || !override.Permission.Active {
			continue
		}
		if expired(override.ExpiresAt, now) {
			continue
		}
		switch override.Kind {
		case OverrideGrant:
			if _, ok := byCode[override.Permission.Code]; !ok {
				byCode[override.Permission.Code] = EffectivePermission{
					PermissionCode: override.Permission.Code,
					ResourceCode:   override.Permission.ResourceCode,
					Action:         override.Permission.Action,
					Source:         SourceOverrideGrant,
				}
			}
		case OverrideDeny:
			delete(byCode, override.Permission.Code)
		}
	}

	effective := make([]EffectivePermission, 0, len(byCode))
	for _, perm := range byCode {
		effective = append(effective, perm)
	}
	sort.Slice(effective, func(i, j int) bool {
		return effective[i].PermissionCode < effective[j].PermissionCode
	})
	return effective
}

func expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}
