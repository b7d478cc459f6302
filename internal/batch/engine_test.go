package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/shared"
	_ "github.com/meridianhr/meridian/testing"
)

type fakeStore struct {
	users     map[int64]bool
	perms     map[int64]permission.Permission
	roles     map[int64]permission.Role
	templates map[int64]permission.Template

	upserted      []permission.UserOverride
	revoked       []int64
	assignedRoles []int64
	removedRoles  []int64
	cleaned       []int64

	upsertErr error
	onUpsert  func(count int)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]bool),
		perms:     make(map[int64]permission.Permission),
		roles:     make(map[int64]permission.Role),
		templates: make(map[int64]permission.Template),
	}
}

func (s *fakeStore) UserExists(_ context.Context, userID int64) (bool, error) {
	return s.users[userID], nil
}

func (s *fakeStore) PermissionByID(_ context.Context, id int64) (permission.Permission, error) {
	p, ok := s.perms[id]
	if !ok {
		return permission.Permission{}, permission.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) RoleByID(_ context.Context, id int64) (permission.Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return permission.Role{}, permission.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) TemplateByID(_ context.Context, id int64) (permission.Template, error) {
	tpl, ok := s.templates[id]
	if !ok {
		return permission.Template{}, permission.ErrNotFound
	}
	return tpl, nil
}

func (s *fakeStore) UpsertOverride(_ context.Context, ov permission.UserOverride) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserted = append(s.upserted, ov)
	if s.onUpsert != nil {
		s.onUpsert(len(s.upserted))
	}
	return nil
}

func (s *fakeStore) RevokePermission(_ context.Context, userID, _, _ int64, _ string) error {
	s.revoked = append(s.revoked, userID)
	return nil
}

func (s *fakeStore) AssignRole(_ context.Context, userID, _ int64) error {
	s.assignedRoles = append(s.assignedRoles, userID)
	return nil
}

func (s *fakeStore) RemoveRole(_ context.Context, userID, _ int64) error {
	s.removedRoles = append(s.removedRoles, userID)
	return nil
}

func (s *fakeStore) CleanupExpired(_ context.Context, userID int64, _ time.Time) (int64, error) {
	s.cleaned = append(s.cleaned, userID)
	return 1, nil
}

type fakePerms struct {
	effective   map[int64][]permission.EffectivePermission
	invalidated []int64
}

func (f *fakePerms) EffectivePermissions(_ context.Context, userID int64) ([]permission.EffectivePermission, error) {
	return f.effective[userID], nil
}

func (f *fakePerms) Invalidate(_ context.Context, userID int64) {
	f.invalidated = append(f.invalidated, userID)
}

type captureRecorder struct{ records []audit.Record }

func (c *captureRecorder) Record(_ context.Context, rec audit.Record) {
	c.records = append(c.records, rec)
}

var batchActor = shared.Actor{UserID: 99, Name: "ops.admin"}

func seedUsers(s *fakeStore, ids ...int64) {
	for _, id := range ids {
		s.users[id] = true
	}
}

func rangeIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids
}

func TestExecuteSkipsMissingUsers(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, 1, 2, 3, 4, 6, 7, 8, 9, 10)

	perms := &fakePerms{}
	recorder := &captureRecorder{}
	engine := NewEngine(EngineConfig{Store: store, Perms: perms, Recorder: recorder})

	op := AssignPermissions{
		TargetUserIDs: rangeIDs(10),
		PermissionID:  10,
		Justification: "quarterly access review",
	}
	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.NoError(t, err)

	require.True(t, res.Succeeded)
	require.Len(t, res.Items, 10)
	require.Equal(t, 9, res.Progress.Completed)
	require.Equal(t, 1, res.Progress.Failed)
	require.Equal(t, 10, res.Progress.Total)
	require.Equal(t, float64(100), res.Progress.Percentage)
	require.False(t, res.Progress.Cancelled)

	missing := res.Items[4]
	require.Equal(t, int64(5), missing.TargetUserID)
	require.False(t, missing.Success)
	require.Equal(t, ReasonNotFound, missing.Reason)

	require.Len(t, store.upserted, 9)
	require.Equal(t, []int64{1, 2, 3, 4, 6, 7, 8, 9, 10}, perms.invalidated)

	require.Len(t, recorder.records, 1)
	require.Equal(t, audit.ResultSuccess, recorder.records[0].Result)
	require.Equal(t, "completed=9 failed=1 total=10 cancelled=false", recorder.records[0].Detail)
}

func TestExecuteCancellationBetweenItems(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, rangeIDs(10)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel while the third item is in flight: it still commits, items
	// four through ten never start.
	store.onUpsert = func(count int) {
		if count == 3 {
			cancel()
		}
	}

	var last Progress
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})
	op := AssignPermissions{TargetUserIDs: rangeIDs(10), PermissionID: 10, Justification: "review"}

	res, err := engine.Execute(ctx, op, batchActor, ExecuteOptions{OnProgress: func(p Progress) { last = p }})
	require.NoError(t, err)

	require.True(t, res.Progress.Cancelled)
	require.Equal(t, 3, res.Progress.Completed)
	require.Equal(t, 0, res.Progress.Failed)
	require.Equal(t, 10, res.Progress.Total)
	require.Len(t, res.Items, 3)
	require.Len(t, store.upserted, 3)
	require.True(t, res.Succeeded)
	require.True(t, last.Cancelled)
}

func TestExecuteStopsWhenCancelFlagRaised(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, rangeIDs(10)...)

	// The flag flips after the fourth item commits, so the check before
	// item five stops the batch.
	var flagged bool
	store.onUpsert = func(count int) {
		if count == 4 {
			flagged = true
		}
	}

	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})
	op := AssignPermissions{TargetUserIDs: rangeIDs(10), PermissionID: 10, Justification: "review"}

	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{
		Cancelled: func(context.Context) bool { return flagged },
	})
	require.NoError(t, err)

	require.True(t, res.Progress.Cancelled)
	require.Equal(t, 4, res.Progress.Completed)
	require.Len(t, store.upserted, 4)
	require.True(t, res.Succeeded)
}

func TestExecuteValidationFailsFast(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	_, err := engine.Execute(context.Background(), AssignPermissions{PermissionID: 10}, batchActor, ExecuteOptions{})
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, store.upserted)
}

func TestExecuteRevokeRequiresConfirmation(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, 1)
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	op := RevokePermissions{TargetUserIDs: []int64{1}, PermissionID: 10, Justification: "offboarding"}
	_, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.ErrorIs(t, err, ErrConfirmationRequired)
	require.Empty(t, store.revoked)

	op.Confirmed = true
	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	require.Equal(t, []int64{1}, store.revoked)
}

func TestExecuteUnknownPermissionFailsWholeBatch(t *testing.T) {
	store := newFakeStore()
	seedUsers(store, 1, 2)
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	op := AssignPermissions{TargetUserIDs: []int64{1, 2}, PermissionID: 999, Justification: "review"}
	_, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.ErrorIs(t, err, permission.ErrNotFound)
	require.Empty(t, store.upserted)
}

func TestExecuteItemFailureDoesNotAbortRest(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, 1, 2, 3)
	store.upsertErr = errors.New("pg down")
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	op := AssignPermissions{TargetUserIDs: []int64{1, 2, 3}, PermissionID: 10, Justification: "review"}
	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.NoError(t, err)

	require.False(t, res.Succeeded)
	require.Len(t, res.Items, 3)
	require.Equal(t, 3, res.Progress.Failed)
	for _, item := range res.Items {
		require.Equal(t, ReasonError, item.Reason)
		require.Contains(t, item.Error, "pg down")
	}
}

func TestExecuteApplyTemplate(t *testing.T) {
	store := newFakeStore()
	expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	store.templates[5] = permission.Template{
		ID:      5,
		Code:    "payroll-clerk-onboarding",
		RoleIDs: []int64{1, 2},
		Overrides: []permission.TemplateOverride{
			{PermissionID: 10, Kind: permission.OverrideGrant, ExpiresAt: &expires},
		},
	}
	seedUsers(store, 1, 2)
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	op := ApplyTemplate{TargetUserIDs: []int64{1, 2}, TemplateID: 5, Justification: "onboarding"}
	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.NoError(t, err)

	require.True(t, res.Succeeded)
	require.Equal(t, 2, res.Progress.Completed)
	require.Equal(t, []int64{1, 1, 2, 2}, store.assignedRoles)
	require.Len(t, store.upserted, 2)
	require.Equal(t, int64(99), store.upserted[0].GrantedBy)
	require.Equal(t, &expires, store.upserted[0].ExpiresAt)
}

func TestExecuteCleanupExpired(t *testing.T) {
	store := newFakeStore()
	seedUsers(store, 1, 2, 3)
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	op := CleanupExpired{TargetUserIDs: []int64{1, 2, 3}, Justification: "nightly sweep"}
	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{})
	require.NoError(t, err)

	require.Equal(t, 3, res.Progress.Completed)
	require.Equal(t, []int64{1, 2, 3}, store.cleaned)
}

func TestExecuteReusesProvidedOperationID(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, 1)
	engine := NewEngine(EngineConfig{Store: store, Perms: &fakePerms{}})

	id := uuid.New()
	op := AssignPermissions{TargetUserIDs: []int64{1}, PermissionID: 10, Justification: "review"}
	res, err := engine.Execute(context.Background(), op, batchActor, ExecuteOptions{OperationID: id})
	require.NoError(t, err)
	require.Equal(t, id, res.OperationID)
}

func TestPreviewWarnsWithoutMutating(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, 1, 2)
	perms := &fakePerms{effective: map[int64][]permission.EffectivePermission{
		1: {{PermissionCode: "payroll.view"}},
	}}
	engine := NewEngine(EngineConfig{Store: store, Perms: perms})

	op := AssignPermissions{TargetUserIDs: []int64{1, 2, 3}, PermissionID: 10, Justification: "review"}
	pv, err := engine.Preview(context.Background(), op)
	require.NoError(t, err)

	require.Equal(t, KindAssignPermissions, pv.Kind)
	require.Equal(t, 3, pv.AffectedUsers)
	require.False(t, pv.Destructive)
	require.Equal(t, []string{
		"user 1 already holds payroll.view",
		"user 3 not found; item will be skipped",
	}, pv.Warnings)
	require.Empty(t, store.upserted)
}

func TestPreviewMarksDestructiveOperations(t *testing.T) {
	store := newFakeStore()
	store.perms[10] = permission.Permission{ID: 10, Code: "payroll.view"}
	seedUsers(store, 1)
	perms := &fakePerms{}
	engine := NewEngine(EngineConfig{Store: store, Perms: perms})

	op := RevokePermissions{TargetUserIDs: []int64{1}, PermissionID: 10, Justification: "offboarding", Confirmed: true}
	pv, err := engine.Preview(context.Background(), op)
	require.NoError(t, err)

	require.True(t, pv.Destructive)
	require.Equal(t, []string{"user 1 does not currently hold payroll.view"}, pv.Warnings)
}
