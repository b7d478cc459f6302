package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianhr/meridian/internal/audit"
	_ "github.com/meridianhr/meridian/testing"
)

type stubSource struct {
	snap  Snapshot
	err   error
	calls int
}

func (s *stubSource) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	s.calls++
	if s.err != nil {
		return Snapshot{}, s.err
	}
	return s.snap, nil
}

type captureRecorder struct {
	records []audit.Record
}

func (r *captureRecorder) Record(_ context.Context, rec audit.Record) {
	r.records = append(r.records, rec)
}

func TestCheckAllowedWritesAuditRecord(t *testing.T) {
	source := &stubSource{snap: managerSnapshot()}
	recorder := &captureRecorder{}
	svc := NewService(ServiceConfig{Source: source, Recorder: recorder})

	allowed, err := svc.Check(context.Background(), 7, "payroll.view")
	require.NoError(t, err)
	require.True(t, allowed)

	require.Len(t, recorder.records, 1)
	require.Equal(t, audit.ResultAllowed, recorder.records[0].Result)
	require.Equal(t, "payroll.view", recorder.records[0].PermissionCode)
}

func TestCheckDenied(t *testing.T) {
	source := &stubSource{snap: managerSnapshot()}
	recorder := &captureRecorder{}
	svc := NewService(ServiceConfig{Source: source, Recorder: recorder})

	allowed, err := svc.Check(context.Background(), 7, "payroll.approve")
	require.NoError(t, err)
	require.False(t, allowed)

	require.Len(t, recorder.records, 1)
	require.Equal(t, audit.ResultDenied, recorder.records[0].Result)
}

func TestCheckDeniedAfterRevokeDespiteRoleGrant(t *testing.T) {
	// State RevokePermission leaves behind for a user who held payroll.view
	// both via the manager role and via a grant override: the pair's single
	// override row now carries a deny while the role grant stays active.
	source := &stubSource{snap: managerSnapshot(UserOverride{
		ID: 1, UserID: 7, Permission: payrollView, Kind: OverrideDeny,
		GrantedBy: 99, Reason: "offboarding", Active: true,
	})}
	svc := NewService(ServiceConfig{Source: source})

	allowed, err := svc.Check(context.Background(), 7, "payroll.view")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCheckSourceFailure(t *testing.T) {
	source := &stubSource{err: errors.New("connection refused")}
	recorder := &captureRecorder{}
	svc := NewService(ServiceConfig{Source: source, Recorder: recorder})

	allowed, err := svc.Check(context.Background(), 7, "payroll.view")
	require.Error(t, err)
	require.False(t, allowed)
	require.Len(t, recorder.records, 1)
	require.NotEmpty(t, recorder.records[0].ErrorMessage)
}

func TestEffectivePermissionsUsesCache(t *testing.T) {
	source := &stubSource{snap: managerSnapshot()}
	cache, _ := newTestCache(t)
	svc := NewService(ServiceConfig{Source: source, Cache: cache})

	first, err := svc.EffectivePermissions(context.Background(), 7)
	require.NoError(t, err)
	second, err := svc.EffectivePermissions(context.Background(), 7)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, source.calls)

	svc.Invalidate(context.Background(), 7)
	_, err = svc.EffectivePermissions(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
}

func TestResolveRolesDepths(t *testing.T) {
	employee := Role{ID: 1, Code: "employee", Active: true}
	manager := Role{ID: 2, Code: "manager", ParentID: ptr(1), Active: true}
	source := &stubSource{snap: Snapshot{
		UserID:      7,
		TakenAt:     time.Now(),
		DirectRoles: []Role{manager},
		Roles:       roleDirectory(employee, manager),
	}}
	svc := NewService(ServiceConfig{Source: source})

	resolved, err := svc.ResolveRoles(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, []ResolvedRole{
		{ID: 2, Code: "manager", Depth: 0},
		{ID: 1, Code: "employee", Depth: 1},
	}, resolved)
}
