package permission

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func roleDirectory(roles ...Role) map[int64]Role {
	dir := make(map[int64]Role, len(roles))
	for _, role := range roles {
		dir[role.ID] = role
	}
	return dir
}

func TestResolveWalksAncestorChain(t *testing.T) {
	employee := Role{ID: 1, Code: "employee", Active: true}
	manager := Role{ID: 2, Code: "manager", ParentID: ptr(1), Active: true}
	director := Role{ID: 3, Code: "director", ParentID: ptr(2), Active: true}

	snap := Snapshot{
		UserID:      7,
		DirectRoles: []Role{director},
		Roles:       roleDirectory(employee, manager, director),
	}

	resolver := NewHierarchyResolver(0, slog.Default())
	resolved := resolver.Resolve(snap)

	require.Equal(t, []ResolvedRole{
		{ID: 3, Code: "director", Depth: 0},
		{ID: 2, Code: "manager", Depth: 1},
		{ID: 1, Code: "employee", Depth: 2},
	}, resolved)
}

func TestResolveKeepsShortestDepth(t *testing.T) {
	base := Role{ID: 1, Code: "base", Active: true}
	mid := Role{ID: 2, Code: "mid", ParentID: ptr(1), Active: true}

	// base is both directly assigned and inherited through mid.
	snap := Snapshot{
		UserID:      7,
		DirectRoles: []Role{mid, base},
		Roles:       roleDirectory(base, mid),
	}

	resolved := NewHierarchyResolver(0, slog.Default()).Resolve(snap)
	require.Len(t, resolved, 2)
	for _, role := range resolved {
		if role.ID == 1 {
			require.Equal(t, 0, role.Depth)
		}
	}
}

func TestResolveCycleTruncates(t *testing.T) {
	a := Role{ID: 1, Code: "a", ParentID: ptr(2), Active: true}
	b := Role{ID: 2, Code: "b", ParentID: ptr(1), Active: true}

	snap := Snapshot{
		UserID:      7,
		DirectRoles: []Role{a},
		Roles:       roleDirectory(a, b),
	}

	var logs bytes.Buffer
	resolved := NewHierarchyResolver(0, slog.New(slog.NewTextHandler(&logs, nil))).Resolve(snap)

	require.Len(t, resolved, 2)
	require.Equal(t, "a", resolved[0].Code)
	require.Equal(t, "b", resolved[1].Code)
	require.Contains(t, logs.String(), "cycle detected")
	require.Contains(t, logs.String(), "user_id=7")
}

func TestResolveDepthBound(t *testing.T) {
	roles := make([]Role, 0, 20)
	for i := int64(1); i <= 20; i++ {
		role := Role{ID: i, Code: string(rune('a'+i-1)) + "-role", Active: true}
		if i < 20 {
			role.ParentID = ptr(i + 1)
		}
		roles = append(roles, role)
	}

	snap := Snapshot{
		UserID:      7,
		DirectRoles: []Role{roles[0]},
		Roles:       roleDirectory(roles...),
	}

	var logs bytes.Buffer
	resolved := NewHierarchyResolver(5, slog.New(slog.NewTextHandler(&logs, nil))).Resolve(snap)
	require.Len(t, resolved, 5)
	require.Equal(t, 4, resolved[len(resolved)-1].Depth)
	require.Contains(t, logs.String(), "depth bound")
	require.Contains(t, logs.String(), "max_depth=5")
}

func TestResolveSkipsInactiveRoles(t *testing.T) {
	parent := Role{ID: 1, Code: "parent", Active: false}
	child := Role{ID: 2, Code: "child", ParentID: ptr(1), Active: true}
	dormant := Role{ID: 3, Code: "dormant", Active: false}

	snap := Snapshot{
		UserID:      7,
		DirectRoles: []Role{child, dormant},
		Roles:       roleDirectory(parent, child, dormant),
	}

	resolved := NewHierarchyResolver(0, slog.Default()).Resolve(snap)
	require.Equal(t, []ResolvedRole{{ID: 2, Code: "child", Depth: 0}}, resolved)
}

func TestResolveNoRoles(t *testing.T) {
	resolved := NewHierarchyResolver(0, slog.Default()).Resolve(Snapshot{UserID: 7})
	require.Empty(t, resolved)
}
