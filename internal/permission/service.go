package permission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridianhr/meridian/internal/audit"
	"github.com/meridianhr/meridian/internal/observability"
)

// SnapshotSource loads every raw input to effective-permission computation
// for one user against a single consistent snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID int64) (Snapshot, error)
}

// Service is the authorization checkpoint for the rest of the application.
// Construct one per process and inject it; there is no package-level
// instance.
type Service struct {
	source     SnapshotSource
	resolver   *HierarchyResolver
	aggregator *Aggregator
	cache      *Cache
	recorder   audit.Recorder
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
	group      singleflight.Group
}

// ServiceConfig collects Service dependencies. Cache, Recorder, and Metrics
// are optional.
type ServiceConfig struct {
	Source   SnapshotSource
	Resolver *HierarchyResolver
	Cache    *Cache
	Recorder audit.Recorder
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewHierarchyResolver(DefaultMaxDepth, logger)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{
		source:     cfg.Source,
		resolver:   resolver,
		aggregator: NewAggregator(),
		cache:      cfg.Cache,
		recorder:   recorder,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// EffectivePermissions returns the user's resolved permission set, sorted by
// permission code. The computation reads all of its inputs against one
// snapshot, so a concurrent administrative write can never be observed
// half-applied.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]EffectivePermission, error) {
	if perms, ok := s.cache.Get(ctx, userID); ok {
		return perms, nil
	}
	// Collapse concurrent misses for the same user into one recompute.
	v, err, _ := s.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		snap, err := s.source.Snapshot(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("permission: snapshot for user %d: %w", userID, err)
		}
		resolved := s.resolver.Resolve(snap)
		perms := s.aggregator.Effective(snap, resolved)
		s.cache.Set(ctx, userID, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]EffectivePermission), nil
}

// ResolveRoles returns the user's inherited role set with depths.
func (s *Service) ResolveRoles(ctx context.Context, userID int64) ([]ResolvedRole, error) {
	snap, err := s.source.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("permission: snapshot for user %d: %w", userID, err)
	}
	return s.resolver.Resolve(snap), nil
}

// Check reports whether the user holds the permission. Every call writes an
// audit record; the record is best-effort and never blocks the check.
func (s *Service) Check(ctx context.Context, userID int64, permissionCode string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		s.recorder.Record(ctx, audit.Record{
			Actor:          strconv.FormatInt(userID, 10),
			PermissionCode: permissionCode,
			Result:         audit.ResultDenied,
			ErrorMessage:   err.Error(),
			At:             s.now(),
		})
		return false, err
	}
	allowed := false
	resource := ""
	for _, perm := range perms {
		if perm.PermissionCode == permissionCode {
			allowed = true
			resource = perm.ResourceCode
			break
		}
	}
	s.metrics.ObservePermissionCheck(allowed)
	result := audit.ResultDenied
	if allowed {
		result = audit.ResultAllowed
	}
	s.recorder.Record(ctx, audit.Record{
		Actor:          strconv.FormatInt(userID, 10),
		PermissionCode: permissionCode,
		Resource:       resource,
		Result:         result,
		At:             s.now(),
	})
	return allowed, nil
}

// Invalidate drops any cached effective set for the user. Mutating paths
// call this after commit.
func (s *Service) Invalidate(ctx context.Context, userID int64) {
	s.cache.Invalidate(ctx, userID)
}
