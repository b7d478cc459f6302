package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/permission"
	"github.com/meridianhr/meridian/internal/shared"
)

var (
	// ErrReasonRequired indicates a resolution was attempted without the
	// mandatory justification.
	ErrReasonRequired = errors.New("conflict: resolution reason required")
	// ErrResolutionUnavailable indicates the chosen resolution kind is not
	// among the advisor's suggestions for the conflict.
	ErrResolutionUnavailable = errors.New("conflict: resolution not available for this conflict")
	// ErrManualActionRequired indicates the resolution cannot be automated
	// and must be handled by an administrator outside this engine.
	ErrManualActionRequired = errors.New("conflict: resolution requires manual administrator action")
)

// Mutator applies the persisted state changes resolutions need. Implemented
// by permission.Repository.
type Mutator interface {
	DeactivateOverride(ctx context.Context, overrideID int64) error
	DeactivateRoleGrant(ctx context.Context, roleID, permissionID int64) error
	UpsertOverride(ctx context.Context, ov permission.UserOverride) error
	MergeOverrides(ctx context.Context, keepID int64, removeIDs []int64) error
}

// Invalidator drops cached effective permission sets after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64)
}

// ItemError pairs a conflict with the error its resolution produced.
type ItemError struct {
	ConflictID uuid.UUID `json:"conflict_id"`
	Message    string    `json:"message"`
}

// Result reports a multi-conflict resolution run. One failed item never
// blocks the others.
type Result struct {
	ResolvedIDs []uuid.UUID `json:"resolved_ids"`
	Errors      []ItemError `json:"errors"`
}

// ResolvedCount returns the number of conflicts closed by the run.
func (r Result) ResolvedCount() int { return len(r.ResolvedIDs) }

// Orchestrator applies chosen resolutions. Every apply re-detects the
// conflict first: acting on cached state would race a concurrent actor who
// already resolved it.
type Orchestrator struct {
	service     *Service
	store       Store
	mutator     Mutator
	invalidator Invalidator
	recorder    audit.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// OrchestratorConfig collects Orchestrator dependencies. Invalidator and
// Recorder are optional.
type OrchestratorConfig struct {
	Service     *Service
	Store       Store
	Mutator     Mutator
	Invalidator Invalidator
	Recorder    audit.Recorder
	Logger      *slog.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Orchestrator{
		service:     cfg.Service,
		store:       cfg.Store,
		mutator:     cfg.Mutator,
		invalidator: cfg.Invalidator,
		recorder:    recorder,
		logger:      logger,
		now:         time.Now,
	}
}

// Apply resolves one conflict with the chosen resolution. A conflict that
// vanished between detection and apply (resolved by a concurrent actor) is a
// successful no-op, not an error.
func (o *Orchestrator) Apply(ctx context.Context, conflictID uuid.UUID, resolution ResolutionKind, reason string, actor shared.Actor) error {
	if reason == "" {
		return ErrReasonRequired
	}
	stored, err := o.store.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if stored.ResolvedAt != nil {
		return nil
	}

	fresh, snap, err := o.service.DetectLive(ctx, stored.UserID)
	if err != nil {
		return err
	}
	current, found := findByFingerprint(fresh, stored.Fingerprint())
	if !found {
		// The underlying inconsistency is gone: someone else fixed it. Close
		// the record and report success.
		o.logger.Info("conflict vanished before apply, closing as resolved",
			slog.String("conflict_id", conflictID.String()),
			slog.Int64("user_id", stored.UserID))
		return o.store.MarkResolved(ctx, conflictID, actor.Name, "")
	}

	suggestion, ok := pickSuggestion(o.service.advisor.Suggest(current), resolution)
	if !ok {
		return fmt.Errorf("%w: %s", ErrResolutionUnavailable, resolution)
	}
	if suggestion.Kind == ResolutionEscalate {
		o.recorder.Record(ctx, audit.Record{
			Actor:          actor.Name,
			PermissionCode: firstInvolved(current),
			Result:         audit.ResultSuccess,
			ErrorMessage:   "escalated to administrator",
			At:             o.now(),
		})
		return ErrManualActionRequired
	}

	if err := o.execute(ctx, current, suggestion, reason, actor, snap); err != nil {
		o.recorder.Record(ctx, audit.Record{
			Actor:          actor.Name,
			PermissionCode: firstInvolved(current),
			Result:         audit.ResultFailure,
			ErrorMessage:   err.Error(),
			At:             o.now(),
		})
		return err
	}

	if err := o.store.MarkResolved(ctx, conflictID, actor.Name, suggestion.Kind); err != nil {
		return err
	}
	if o.invalidator != nil {
		o.invalidator.Invalidate(ctx, stored.UserID)
	}
	o.recorder.Record(ctx, audit.Record{
		Actor:          actor.Name,
		PermissionCode: firstInvolved(current),
		Result:         audit.ResultSuccess,
		At:             o.now(),
	})
	return nil
}

// execute persists the mutation a suggestion describes.
func (o *Orchestrator) execute(ctx context.Context, c Conflict, s Suggestion, reason string, actor shared.Actor, snap permission.Snapshot) error {
	switch s.Kind {
	case ResolutionRemoveLowerPriority:
		if s.RemoveOverrideID != 0 {
			return o.mutator.DeactivateOverride(ctx, s.RemoveOverrideID)
		}
		if s.RemoveGrant != nil {
			return o.mutator.DeactivateRoleGrant(ctx, s.RemoveGrant.RoleID, s.RemoveGrant.PermissionID)
		}
		return fmt.Errorf("conflict: remove_lower_priority suggestion has no target")
	case ResolutionMergeOverrides:
		keepID, removeIDs := splitMergeSet(snap, s.MergeOverrideIDs)
		return o.mutator.MergeOverrides(ctx, keepID, removeIDs)
	case ResolutionCreateException:
		if s.Exception == nil {
			return fmt.Errorf("conflict: create_exception suggestion has no payload")
		}
		kind := permission.OverrideGrant
		if s.Exception.Deny {
			kind = permission.OverrideDeny
		}
		return o.mutator.UpsertOverride(ctx, permission.UserOverride{
			UserID: c.UserID,
			Permission: permission.Permission{
				ID:   s.Exception.PermissionID,
				Code: s.Exception.PermissionCode,
			},
			Kind:      kind,
			GrantedBy: actor.UserID,
			ExpiresAt: s.Exception.ExpiresAt,
			Reason:    reason,
		})
	default:
		return fmt.Errorf("conflict: unsupported resolution %q", s.Kind)
	}
}

// AutoResolve filters the conflicts down to the ones offering an
// auto-applicable low-impact suggestion and applies each independently. One
// failure never blocks the rest.
func (o *Orchestrator) AutoResolve(ctx context.Context, conflicts []Conflict, actor shared.Actor) Result {
	var result Result
	for _, c := range conflicts {
		suggestion, ok := firstAutoApplicable(c, o.service.advisor.Suggest(c))
		if !ok {
			continue
		}
		reason := "auto-resolved: " + suggestion.Description
		if err := o.Apply(ctx, c.ID, suggestion.Kind, reason, actor); err != nil {
			result.Errors = append(result.Errors, ItemError{ConflictID: c.ID, Message: err.Error()})
			continue
		}
		result.ResolvedIDs = append(result.ResolvedIDs, c.ID)
	}
	return result
}

// BatchResolve applies, for each conflict, its lowest-impact suggestion that
// is not high impact. Conflicts with only high-impact suggestions are
// reported as errors, not silently skipped.
func (o *Orchestrator) BatchResolve(ctx context.Context, conflictIDs []uuid.UUID, reason string, actor shared.Actor) Result {
	var result Result
	for _, id := range conflictIDs {
		stored, err := o.store.Get(ctx, id)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{ConflictID: id, Message: err.Error()})
			continue
		}
		suggestion, ok := lowestNonHighImpact(o.service.advisor.Suggest(stored))
		if !ok {
			result.Errors = append(result.Errors, ItemError{ConflictID: id, Message: "no suggestion below high impact"})
			continue
		}
		if err := o.Apply(ctx, id, suggestion.Kind, reason, actor); err != nil {
			result.Errors = append(result.Errors, ItemError{ConflictID: id, Message: err.Error()})
			continue
		}
		result.ResolvedIDs = append(result.ResolvedIDs, id)
	}
	return result
}

func findByFingerprint(conflicts []Conflict, fingerprint string) (Conflict, bool) {
	for _, c := range conflicts {
		if c.Fingerprint() == fingerprint {
			return c, true
		}
	}
	return Conflict{}, false
}

func pickSuggestion(suggestions []Suggestion, kind ResolutionKind) (Suggestion, bool) {
	for _, s := range suggestions {
		if s.Kind == kind {
			return s, true
		}
	}
	return Suggestion{}, false
}

func firstAutoApplicable(c Conflict, suggestions []Suggestion) (Suggestion, bool) {
	for _, s := range suggestions {
		if IsAutoApplicable(c, s) {
			return s, true
		}
	}
	return Suggestion{}, false
}

func lowestNonHighImpact(suggestions []Suggestion) (Suggestion, bool) {
	best := Suggestion{}
	found := false
	for _, s := range suggestions {
		if s.Impact == ImpactHigh {
			continue
		}
		if !found || impactRank[s.Impact] < impactRank[best.Impact] {
			best = s
			found = true
		}
	}
	return best, found
}

// splitMergeSet keeps the most restrictive override (a deny when present)
// and marks the rest for retirement.
func splitMergeSet(snap permission.Snapshot, ids []int64) (int64, []int64) {
	if len(ids) == 0 {
		return 0, nil
	}
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	keep := ids[0]
	for _, ov := range snap.Overrides {
		if _, ok := idSet[ov.ID]; !ok {
			continue
		}
		if ov.Kind == permission.OverrideDeny {
			keep = ov.ID
			break
		}
	}
	var remove []int64
	for _, id := range ids {
		if id != keep {
			remove = append(remove, id)
		}
	}
	return keep, remove
}

func firstInvolved(c Conflict) string {
	if len(c.InvolvedPermissions) == 0 {
		return ""
	}
	return c.InvolvedPermissions[0]
}
