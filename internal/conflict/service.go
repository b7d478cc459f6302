package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridianhr/meridian/internal/observability"
	"github.com/meridianhr/meridian/internal/permission"
)

// ErrNotFound indicates the requested conflict does not exist.
var ErrNotFound = errors.New("conflict: not found")

// Store persists detected conflicts and their resolution state.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Conflict, error)
	SaveDetected(ctx context.Context, userID int64, detected []Conflict) ([]Conflict, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy string, applied ResolutionKind) error
}

// RulesSource loads the configured detection rules.
type RulesSource interface {
	Rules(ctx context.Context) (Ruleset, error)
}

// Service runs detection for a user and serves suggestions for stored
// conflicts.
type Service struct {
	source   permission.SnapshotSource
	detector *Detector
	advisor  *Advisor
	rules    RulesSource
	store    Store
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// ServiceConfig collects Service dependencies. Metrics is optional.
type ServiceConfig struct {
	Source   permission.SnapshotSource
	Detector *Detector
	Rules    RulesSource
	Store    Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// NewService constructs a conflict Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	detector := cfg.Detector
	if detector == nil {
		detector = NewDetector(nil, logger)
	}
	return &Service{
		source:   cfg.Source,
		detector: detector,
		advisor:  NewAdvisor(),
		rules:    cfg.Rules,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// DetectConflicts runs live detection for the user and persists the result,
// returning the stored conflicts with their IDs. Previously stored conflicts
// whose fingerprints no longer show up are left for the orchestrator to
// close on its next apply.
func (s *Service) DetectConflicts(ctx context.Context, userID int64) ([]Conflict, error) {
	detected, _, err := s.DetectLive(ctx, userID)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.SaveDetected(ctx, userID, detected)
	if err != nil {
		return nil, fmt.Errorf("conflict: persist detected: %w", err)
	}
	for _, c := range stored {
		s.metrics.ObserveConflict(string(c.Kind))
	}
	return stored, nil
}

// DetectLive runs detection without persisting, returning the conflicts and
// the snapshot they were computed from. The orchestrator uses it to
// re-validate a conflict immediately before acting on it.
func (s *Service) DetectLive(ctx context.Context, userID int64) ([]Conflict, permission.Snapshot, error) {
	snap, err := s.source.Snapshot(ctx, userID)
	if err != nil {
		return nil, permission.Snapshot{}, fmt.Errorf("conflict: snapshot for user %d: %w", userID, err)
	}
	rules, err := s.rules.Rules(ctx)
	if err != nil {
		return nil, permission.Snapshot{}, fmt.Errorf("conflict: load rules: %w", err)
	}
	return s.detector.Detect(snap, rules), snap, nil
}

// Suggestions returns the ranked candidate resolutions for a stored
// conflict.
func (s *Service) Suggestions(ctx context.Context, conflictID uuid.UUID) ([]Suggestion, error) {
	c, err := s.store.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	return s.advisor.Suggest(c), nil
}
