package permission

import (
	"log/slog"
	"sort"
)

// DefaultMaxDepth bounds hierarchy resolution. Ten levels is far beyond any
// sane role tree; hitting the bound means the data is misconfigured.
const DefaultMaxDepth = 10

// HierarchyResolver walks a role's ancestor chain to produce the closed set
// of roles a user inherits. The walk is iterative with an explicit visited
// set, so cycles and runaway chains in misconfigured data truncate with a
// warning instead of failing the caller.
type HierarchyResolver struct {
	maxDepth int
	logger   *slog.Logger
}

// NewHierarchyResolver constructs a resolver. maxDepth <= 0 falls back to
// DefaultMaxDepth.
func NewHierarchyResolver(maxDepth int, logger *slog.Logger) *HierarchyResolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HierarchyResolver{maxDepth: maxDepth, logger: logger}
}

// MaxDepth reports the configured walk bound so related traversals can use
// the same limit.
func (r *HierarchyResolver) MaxDepth() int {
	return r.maxDepth
}

type reachedRole struct {
	role  Role
	depth int
}

// Resolve returns the active roles the user inherits: every directly-assigned
// active role plus its ancestors, each tagged with its depth. The result is
// ordered by depth, then role code, so identical inputs always produce the
// identical slice. A user with no active role resolves to an empty set.
func (r *HierarchyResolver) Resolve(snap Snapshot) []ResolvedRole {
	reached := make(map[int64]reachedRole, len(snap.Roles))

	for _, direct := range snap.DirectRoles {
		if !direct.Active {
			continue
		}
		chain := make(map[int64]struct{}, r.maxDepth)
		current := direct
		depth := 0
		for {
			if _, looped := chain[current.ID]; looped {
				r.logger.Warn("role hierarchy cycle detected, truncating resolution",
					slog.Int64("user_id", snap.UserID),
					slog.String("role", current.Code))
				break
			}
			chain[current.ID] = struct{}{}

			if prev, ok := reached[current.ID]; !ok || depth < prev.depth {
				reached[current.ID] = reachedRole{role: current, depth: depth}
			}

			if current.ParentID == nil {
				break
			}
			if depth+1 >= r.maxDepth {
				r.logger.Warn("role hierarchy exceeds depth bound, truncating resolution",
					slog.Int64("user_id", snap.UserID),
					slog.String("role", current.Code),
					slog.Int("max_depth", r.maxDepth))
				break
			}
			parent, ok := snap.Roles[*current.ParentID]
			if !ok || !parent.Active {
				break
			}
			current = parent
			depth++
		}
	}

	resolved := make([]ResolvedRole, 0, len(reached))
	for _, entry := range reached {
		resolved = append(resolved, ResolvedRole{ID: entry.role.ID, Code: entry.role.Code, Depth: entry.depth})
	}
	sort.Slice(resolved, func(i, j int) bool {
		if resolved[i].Depth != resolved[j].Depth {
			return resolved[i].Depth < resolved[j].Depth
		}
		return resolved[i].Code < resolved[j].Code
	})
	return resolved
}
