package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/shared"
)

type memStore struct {
	conflicts map[uuid.UUID]Conflict
}

func newMemStore() *memStore {
	return &memStore{conflicts: make(map[uuid.UUID]Conflict)}
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (Conflict, error) {
	c, ok := s.conflicts[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	return c, nil
}

func (s *memStore) SaveDetected(_ context.Context, _ int64, detected []Conflict) ([]Conflict, error) {
	out := make([]Conflict, 0, len(detected))
	for _, c := range detected {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		s.conflicts[c.ID] = c
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) MarkResolved(_ context.Context, id uuid.UUID, resolvedBy string, applied ResolutionKind) error {
	c, ok := s.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.AppliedResolution = applied
	s.conflicts[id] = c
	return nil
}

type snapshotByUser map[int64]permission.Snapshot

func (s snapshotByUser) Snapshot(_ context.Context, userID int64) (permission.Snapshot, error) {
	snap, ok := s[userID]
	if !ok {
		return permission.Snapshot{}, permission.ErrNotFound
	}
	return snap, nil
}

type staticRules struct{ rules Ruleset }

func (s staticRules) Rules(context.Context) (Ruleset, error) { return s.rules, nil }

type fakeMutator struct {
	deactivatedOverrides []int64
	deactivatedGrants    []GrantRef
	upserted             []permission.UserOverride
	mergedKeep           int64
	mergedRemove         []int64
	err                  error
}

func (m *fakeMutator) DeactivateOverride(_ context.Context, overrideID int64) error {
	if m.err != nil {
		return m.err
	}
	m.deactivatedOverrides = append(m.deactivatedOverrides, overrideID)
	return nil
}

func (m *fakeMutator) DeactivateRoleGrant(_ context.Context, roleID, permissionID int64) error {
	if m.err != nil {
		return m.err
	}
	m.deactivatedGrants = append(m.deactivatedGrants, GrantRef{RoleID: roleID, PermissionID: permissionID})
	return nil
}

func (m *fakeMutator) UpsertOverride(_ context.Context, ov permission.UserOverride) error {
	if m.err != nil {
		return m.err
	}
	m.upserted = append(m.upserted, ov)
	return nil
}

func (m *fakeMutator) MergeOverrides(_ context.Context, keepID int64, removeIDs []int64) error {
	if m.err != nil {
		return m.err
	}
	m.mergedKeep = keepID
	m.mergedRemove = removeIDs
	return nil
}

type fakeInvalidator struct{ users []int64 }

func (f *fakeInvalidator) Invalidate(_ context.Context, userID int64) {
	f.users = append(f.users, userID)
}

var operator = shared.Actor{UserID: 99, Name: "ops.admin"}

// mootDenySnapshot yields exactly one low-severity override conflict: a deny
// on a permission no role grants.
func mootDenySnapshot(userID int64) permission.Snapshot {
	clerk := permission.Role{ID: 1, Code: "clerk", Active: true}
	return permission.Snapshot{
		UserID:      userID,
		TakenAt:     detectedAt,
		DirectRoles: []permission.Role{clerk},
		Roles:       directory(clerk),
		Overrides: []permission.UserOverride{
			{ID: 40, UserID: userID, Permission: perm(10, "payroll.approve", "payroll"), Kind: permission.OverrideDeny, GrantedBy: 2, Active: true},
		},
	}
}

func sodSnapshot(userID int64) permission.Snapshot {
	approver := permission.Role{ID: 1, Code: "payment-approver", Active: true}
	creator := permission.Role{ID: 2, Code: "vendor-admin", Active: true}
	return permission.Snapshot{
		UserID:      userID,
		TakenAt:     detectedAt,
		DirectRoles: []permission.Role{approver, creator},
		Roles:       directory(approver, creator),
		Grants: []permission.RoleGrant{
			{RoleID: 1, Permission: perm(10, "payments.approve", "payments"), Active: true},
			{RoleID: 2, Permission: perm(11, "vendors.create", "vendors"), Active: true},
		},
	}
}

var sodRules = Ruleset{SoD: []SoDRule{{
	Code:        "SOD-PAY-01",
	PermissionA: "payments.approve",
	PermissionB: "vendors.create",
	Severity:    SeverityCritical,
	Active:      true,
}}}

type orchestratorFixture struct {
	orch        *Orchestrator
	service     *Service
	store       *memStore
	mutator     *fakeMutator
	invalidator *fakeInvalidator
}

func newOrchestratorFixture(t *testing.T, snaps snapshotByUser, rules Ruleset) orchestratorFixture {
	t.Helper()
	store := newMemStore()
	service := NewService(ServiceConfig{
		Source: snaps,
		Rules:  staticRules{rules: rules},
		Store:  store,
	})
	mutator := &fakeMutator{}
	invalidator := &fakeInvalidator{}
	orch := NewOrchestrator(OrchestratorConfig{
		Service:     service,
		Store:       store,
		Mutator:     mutator,
		Invalidator: invalidator,
	})
	return orchestratorFixture{orch: orch, service: service, store: store, mutator: mutator, invalidator: invalidator}
}

func detectOne(t *testing.T, f orchestratorFixture, userID int64) Conflict {
	t.Helper()
	stored, err := f.service.DetectConflicts(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	return stored[0]
}

func TestApplyRemovesMootOverride(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: mootDenySnapshot(7)}, Ruleset{})
	c := detectOne(t, f, 7)

	err := f.orch.Apply(context.Background(), c.ID, ResolutionRemoveLowerPriority, "cleanup", operator)
	require.NoError(t, err)

	require.Equal(t, []int64{40}, f.mutator.deactivatedOverrides)
	require.Equal(t, []int64{7}, f.invalidator.users)

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResolvedAt)
	require.Equal(t, "ops.admin", stored.ResolvedBy)
	require.Equal(t, ResolutionRemoveLowerPriority, stored.AppliedResolution)
}

func TestApplyRequiresReason(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: mootDenySnapshot(7)}, Ruleset{})
	c := detectOne(t, f, 7)

	err := f.orch.Apply(context.Background(), c.ID, ResolutionRemoveLowerPriority, "", operator)
	require.ErrorIs(t, err, ErrReasonRequired)
	require.Empty(t, f.mutator.deactivatedOverrides)
}

func TestApplyUnknownConflict(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{}, Ruleset{})

	err := f.orch.Apply(context.Background(), uuid.New(), ResolutionRemoveLowerPriority, "cleanup", operator)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyResolutionUnavailable(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: mootDenySnapshot(7)}, Ruleset{})
	c := detectOne(t, f, 7)

	err := f.orch.Apply(context.Background(), c.ID, ResolutionMergeOverrides, "cleanup", operator)
	require.ErrorIs(t, err, ErrResolutionUnavailable)
	require.Empty(t, f.mutator.deactivatedOverrides)
}

func TestApplyVanishedConflictIsNoOpSuccess(t *testing.T) {
	snaps := snapshotByUser{7: mootDenySnapshot(7)}
	f := newOrchestratorFixture(t, snaps, Ruleset{})
	c := detectOne(t, f, 7)

	// Someone else removed the override: the conflict no longer shows up in
	// live detection.
	snap := snaps[7]
	snap.Overrides = nil
	snaps[7] = snap

	err := f.orch.Apply(context.Background(), c.ID, ResolutionRemoveLowerPriority, "cleanup", operator)
	require.NoError(t, err)
	require.Empty(t, f.mutator.deactivatedOverrides)

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResolvedAt)
	require.Equal(t, ResolutionKind(""), stored.AppliedResolution)
}

func TestApplyAlreadyResolvedIsNoOp(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: mootDenySnapshot(7)}, Ruleset{})
	c := detectOne(t, f, 7)
	require.NoError(t, f.store.MarkResolved(context.Background(), c.ID, "someone.else", ResolutionRemoveLowerPriority))

	err := f.orch.Apply(context.Background(), c.ID, ResolutionRemoveLowerPriority, "cleanup", operator)
	require.NoError(t, err)
	require.Empty(t, f.mutator.deactivatedOverrides)
}

func TestApplyEscalateRequiresManualAction(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: sodSnapshot(7)}, sodRules)
	c := detectOne(t, f, 7)

	err := f.orch.Apply(context.Background(), c.ID, ResolutionEscalate, "needs review", operator)
	require.ErrorIs(t, err, ErrManualActionRequired)

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ResolvedAt)
}

func TestApplyMutatorFailure(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: mootDenySnapshot(7)}, Ruleset{})
	c := detectOne(t, f, 7)
	f.mutator.err = errors.New("pg down")

	err := f.orch.Apply(context.Background(), c.ID, ResolutionRemoveLowerPriority, "cleanup", operator)
	require.ErrorContains(t, err, "pg down")

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ResolvedAt)
	require.Empty(t, f.invalidator.users)
}

func TestAutoResolveAppliesOnlyAutoApplicable(t *testing.T) {
	snaps := snapshotByUser{7: mootDenySnapshot(7), 8: sodSnapshot(8)}
	f := newOrchestratorFixture(t, snaps, sodRules)
	moot := detectOne(t, f, 7)
	sod := detectOne(t, f, 8)

	result := f.orch.AutoResolve(context.Background(), []Conflict{moot, sod}, operator)

	require.Equal(t, []uuid.UUID{moot.ID}, result.ResolvedIDs)
	require.Empty(t, result.Errors)
	require.Equal(t, []int64{40}, f.mutator.deactivatedOverrides)

	stored, err := f.store.Get(context.Background(), sod.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ResolvedAt)
}

func TestAutoResolveReportsPartialFailure(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{7: mootDenySnapshot(7)}, Ruleset{})
	c := detectOne(t, f, 7)
	f.mutator.err = errors.New("pg down")

	result := f.orch.AutoResolve(context.Background(), []Conflict{c}, operator)

	require.Empty(t, result.ResolvedIDs)
	require.Len(t, result.Errors, 1)
	require.Equal(t, c.ID, result.Errors[0].ConflictID)
	require.Contains(t, result.Errors[0].Message, "pg down")
}

func TestBatchResolvePicksLowestImpact(t *testing.T) {
	snaps := snapshotByUser{7: mootDenySnapshot(7), 8: sodSnapshot(8)}
	f := newOrchestratorFixture(t, snaps, sodRules)
	moot := detectOne(t, f, 7)
	sod := detectOne(t, f, 8)

	result := f.orch.BatchResolve(context.Background(), []uuid.UUID{moot.ID, sod.ID}, "quarterly cleanup", operator)

	require.Equal(t, []uuid.UUID{moot.ID}, result.ResolvedIDs)
	require.Len(t, result.Errors, 1)
	require.Equal(t, sod.ID, result.Errors[0].ConflictID)
	require.Contains(t, result.Errors[0].Message, "no suggestion below high impact")
	require.Equal(t, []int64{40}, f.mutator.deactivatedOverrides)
}

func TestBatchResolveUnknownID(t *testing.T) {
	f := newOrchestratorFixture(t, snapshotByUser{}, Ruleset{})
	missing := uuid.New()

	result := f.orch.BatchResolve(context.Background(), []uuid.UUID{missing}, "cleanup", operator)

	require.Empty(t, result.ResolvedIDs)
	require.Len(t, result.Errors, 1)
	require.Equal(t, missing, result.Errors[0].ConflictID)
}

func TestSplitMergeSetKeepsDeny(t *testing.T) {
	snap := permission.Snapshot{
		Overrides: []permission.UserOverride{
			{ID: 40, Kind: permission.OverrideGrant, Active: true},
			{ID: 41, Kind: permission.OverrideDeny, Active: true},
			{ID: 42, Kind: permission.OverrideGrant, Active: true},
		},
	}

	keep, remove := splitMergeSet(snap, []int64{40, 41, 42})
	require.Equal(t, int64(41), keep)
	require.ElementsMatch(t, []int64{40, 42}, remove)

	keep, remove = splitMergeSet(snap, []int64{40, 42})
	require.Equal(t, int64(40), keep)
	require.Equal(t, []int64{42}, remove)
}
