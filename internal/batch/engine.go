package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/observability"
	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/shared"
)

// Store is the persistence surface the engine mutates. Each method is its
// own transaction, so items commit independently.
type Store interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	PermissionByID(ctx context.Context, id int64) (permission.Permission, error)
	RoleByID(ctx context.Context, id int64) (permission.Role, error)
	TemplateByID(ctx context.Context, id int64) (permission.Template, error)
	UpsertOverride(ctx context.Context, ov permission.UserOverride) error
	RevokePermission(ctx context.Context, userID, permissionID, actorID int64, reason string) error
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
	CleanupExpired(ctx context.Context, userID int64, now time.Time) (int64, error)
}

// EffectiveSource reads resolved permissions for preview warnings and drops
// cached entries after mutations. Satisfied by permission.Service.
type EffectiveSource interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]permission.EffectivePermission, error)
	Invalidate(ctx context.Context, userID int64)
}

// ItemResult is the outcome for a single target user.
type ItemResult struct {
	TargetUserID int64  `json:"targetUserId"`
	Success      bool   `json:"success"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

const (
	ReasonNotFound = "not_found"
	ReasonError    = "error"
)

// Progress tracks a running or finished batch. Counters only move forward.
type Progress struct {
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Total      int           `json:"total"`
	Percentage float64       `json:"percentage"`
	Remaining  time.Duration `json:"remainingNanos"`
	Cancelled  bool          `json:"cancelled"`
}

// Result is the full outcome of one batch execution. Succeeded is true when
// at least one item applied; individual failures never abort the rest.
type Result struct {
	OperationID uuid.UUID    `json:"operationId"`
	Kind        Kind         `json:"kind"`
	Items       []ItemResult `json:"items"`
	Progress    Progress     `json:"progress"`
	Succeeded   bool         `json:"succeeded"`
}

// Preview describes what an operation would do without mutating anything.
type Preview struct {
	Kind          Kind     `json:"kind"`
	AffectedUsers int      `json:"affectedUsers"`
	Warnings      []string `json:"warnings,omitempty"`
	Destructive   bool     `json:"destructive"`
}

// Engine applies administrative operations across many users, one target at
// a time, surviving per-item failures and honoring cancellation between
// items.
type Engine struct {
	store    Store
	perms    EffectiveSource
	recorder audit.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// EngineConfig groups Engine dependencies.
type EngineConfig struct {
	Store    Store
	Perms    EffectiveSource
	Recorder audit.Recorder
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Engine{
		store:    cfg.Store,
		perms:    cfg.Perms,
		recorder: recorder,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// plan carries entities resolved once before the per-target loop.
type plan struct {
	perm permission.Permission
	role permission.Role
	tpl  permission.Template
}

// prepare validates the operation and resolves every referenced entity.
// A missing permission, role, or template fails the whole batch before any
// item runs.
func (e *Engine) prepare(ctx context.Context, op Operation) (plan, error) {
	var p plan
	if err := op.Validate(); err != nil {
		return p, err
	}
	var err error
	switch v := op.(type) {
	case AssignPermissions:
		p.perm, err = e.store.PermissionByID(ctx, v.PermissionID)
	case RevokePermissions:
		p.perm, err = e.store.PermissionByID(ctx, v.PermissionID)
	case CreateOverrides:
		p.perm, err = e.store.PermissionByID(ctx, v.PermissionID)
	case AssignRoles:
		p.role, err = e.store.RoleByID(ctx, v.RoleID)
	case RemoveRoles:
		p.role, err = e.store.RoleByID(ctx, v.RoleID)
	case ApplyTemplate:
		p.tpl, err = e.store.TemplateByID(ctx, v.TemplateID)
	}
	if err != nil {
		return p, fmt.Errorf("batch: prepare %s: %w", op.Kind(), err)
	}
	return p, nil
}

// Preview reports what Execute would do, without mutating anything.
func (e *Engine) Preview(ctx context.Context, op Operation) (Preview, error) {
	p, err := e.prepare(ctx, op)
	if err != nil {
		return Preview{}, err
	}
	pv := Preview{Kind: op.Kind(), AffectedUsers: len(op.Targets())}
	switch op.(type) {
	case RevokePermissions, RemoveRoles:
		pv.Destructive = true
	}
	for _, userID := range op.Targets() {
		ok, err := e.store.UserExists(ctx, userID)
		if err != nil {
			return Preview{}, fmt.Errorf("batch: preview: %w", err)
		}
		if !ok {
			pv.Warnings = append(pv.Warnings, fmt.Sprintf("user %d not found; item will be skipped", userID))
			continue
		}
		if warn := e.previewWarning(ctx, op, p, userID); warn != "" {
			pv.Warnings = append(pv.Warnings, warn)
		}
	}
	return pv, nil
}

func (e *Engine) previewWarning(ctx context.Context, op Operation, p plan, userID int64) string {
	switch op.(type) {
	case AssignPermissions:
		perms, err := e.perms.EffectivePermissions(ctx, userID)
		if err != nil {
			return ""
		}
		for _, ep := range perms {
			if ep.PermissionCode == p.perm.Code {
				return fmt.Sprintf("user %d already holds %s", userID, p.perm.Code)
			}
		}
	case RevokePermissions:
		perms, err := e.perms.EffectivePermissions(ctx, userID)
		if err != nil {
			return ""
		}
		for _, ep := range perms {
			if ep.PermissionCode == p.perm.Code {
				return ""
			}
		}
		return fmt.Sprintf("user %d does not currently hold %s", userID, p.perm.Code)
	}
	return ""
}

// ExecuteOptions tunes one Execute call. The zero value runs with a fresh
// operation ID and no progress callback.
type ExecuteOptions struct {
	OperationID uuid.UUID
	OnProgress  func(Progress)

	// Cancelled, when set, is polled between items alongside the context.
	// Lets an out-of-process caller stop an async batch.
	Cancelled func(ctx context.Context) bool
}

// Execute runs the operation across every target. Items run in order and
// commit independently; a failed item is recorded and the batch moves on.
// Cancellation is honored between items only, so the item in flight when the
// context is cancelled still finishes.
func (e *Engine) Execute(ctx context.Context, op Operation, actor shared.Actor, opts ExecuteOptions) (Result, error) {
	p, err := e.prepare(ctx, op)
	if err != nil {
		return Result{}, err
	}

	operationID := opts.OperationID
	if operationID == uuid.Nil {
		operationID = uuid.New()
	}
	targets := op.Targets()
	res := Result{
		OperationID: operationID,
		Kind:        op.Kind(),
		Progress:    Progress{Total: len(targets)},
	}
	started := e.now()

	for _, userID := range targets {
		if ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled(ctx)) {
			res.Progress.Cancelled = true
			break
		}
		item := e.applyItem(ctx, op, p, userID, actor)
		res.Items = append(res.Items, item)
		if item.Success {
			res.Progress.Completed++
			e.perms.Invalidate(ctx, userID)
			e.metrics.ObserveBatchItem(string(op.Kind()), true)
		} else {
			res.Progress.Failed++
			e.metrics.ObserveBatchItem(string(op.Kind()), false)
		}
		e.advance(&res.Progress, started, opts.OnProgress)
	}

	if res.Progress.Cancelled && opts.OnProgress != nil {
		opts.OnProgress(res.Progress)
	}
	res.Succeeded = res.Progress.Completed > 0
	e.record(ctx, op, actor, res)
	return res, nil
}

// advance recomputes percentage and the remaining-time estimate from the
// average item duration so far.
func (e *Engine) advance(pr *Progress, started time.Time, onProgress func(Progress)) {
	done := pr.Completed + pr.Failed
	if pr.Total > 0 {
		pr.Percentage = float64(done) / float64(pr.Total) * 100
	}
	if done > 0 {
		perItem := e.now().Sub(started) / time.Duration(done)
		pr.Remaining = perItem * time.Duration(pr.Total-done)
	}
	if onProgress != nil {
		onProgress(*pr)
	}
}

func (e *Engine) applyItem(ctx context.Context, op Operation, p plan, userID int64, actor shared.Actor) ItemResult {
	item := ItemResult{TargetUserID: userID}

	ok, err := e.store.UserExists(ctx, userID)
	if err != nil {
		item.Reason = ReasonError
		item.Error = err.Error()
		return item
	}
	if !ok {
		item.Reason = ReasonNotFound
		item.Error = fmt.Sprintf("user %d not found", userID)
		return item
	}

	switch v := op.(type) {
	case AssignPermissions:
		err = e.store.UpsertOverride(ctx, permission.UserOverride{
			UserID:     userID,
			Permission: p.perm,
			Kind:       permission.OverrideGrant,
			GrantedBy:  actor.UserID,
			ExpiresAt:  v.ExpiresAt,
			Reason:     v.Justification,
		})
	case RevokePermissions:
		err = e.store.RevokePermission(ctx, userID, v.PermissionID, actor.UserID, v.Justification)
	case AssignRoles:
		err = e.store.AssignRole(ctx, userID, v.RoleID)
	case RemoveRoles:
		err = e.store.RemoveRole(ctx, userID, v.RoleID)
	case CreateOverrides:
		err = e.store.UpsertOverride(ctx, permission.UserOverride{
			UserID:     userID,
			Permission: p.perm,
			Kind:       permission.OverrideKind(v.OverrideKind),
			GrantedBy:  actor.UserID,
			ExpiresAt:  v.ExpiresAt,
			Reason:     v.Justification,
		})
	case ApplyTemplate:
		err = e.applyTemplate(ctx, p.tpl, userID, actor, v.Justification)
	case CleanupExpired:
		_, err = e.store.CleanupExpired(ctx, userID, e.now())
	default:
		err = fmt.Errorf("unknown operation kind %q", op.Kind())
	}
	if err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			item.Reason = ReasonNotFound
		} else {
			item.Reason = ReasonError
		}
		item.Error = err.Error()
		e.logger.Warn("batch item failed",
			slog.String("kind", string(op.Kind())),
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()))
		return item
	}
	item.Success = true
	return item
}

func (e *Engine) applyTemplate(ctx context.Context, tpl permission.Template, userID int64, actor shared.Actor, reason string) error {
	for _, roleID := range tpl.RoleIDs {
		if err := e.store.AssignRole(ctx, userID, roleID); err != nil {
			return err
		}
	}
	for _, line := range tpl.Overrides {
		err := e.store.UpsertOverride(ctx, permission.UserOverride{
			UserID:     userID,
			Permission: permission.Permission{ID: line.PermissionID},
			Kind:       line.Kind,
			GrantedBy:  actor.UserID,
			ExpiresAt:  line.ExpiresAt,
			Reason:     reason,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, op Operation, actor shared.Actor, res Result) {
	// The summary still gets written when the batch was cancelled.
	ctx = context.WithoutCancel(ctx)
	result := audit.ResultSuccess
	if !res.Succeeded {
		result = audit.ResultFailure
	}
	e.recorder.Record(ctx, audit.Record{
		Actor:          strconv.FormatInt(actor.UserID, 10),
		PermissionCode: string(op.Kind()),
		Resource:       res.OperationID.String(),
		Result:         result,
		Detail: fmt.Sprintf("completed=%d failed=%d total=%d cancelled=%t",
			res.Progress.Completed, res.Progress.Failed, res.Progress.Total, res.Progress.Cancelled),
		At: e.now(),
	})
}
