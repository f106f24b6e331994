package productsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
)

// DefaultSweepInterval is how often the background loop checks bindings for
// due syncs. The per-binding interval gate decides whether anything runs.
const DefaultSweepInterval = 15 * time.Minute

// BindingStatus is the sync state of one binding, for the status endpoint.
type BindingStatus struct {
	BindingID     int64      `json:"binding_id"`
	AgentID       int64      `json:"agent_id"`
	ToolSlug      string     `json:"tool_slug"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastSyncCount int        `json:"last_sync_count"`
	Pending       int        `json:"pending"`
	Running       bool       `json:"running"`
}

// Service wires the three stages together: reconcile (Stage A), index
// (Stage B) and, after a full sync that deleted rows, orphan cleanup
// (Stage C). It serialises work per binding and drives the periodic sweep.
type Service struct {
	store    store.Store
	registry *tools.Registry
	syncer   *Syncer
	indexer  *Indexer
	sweep    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running map[int64]bool
}

// ServiceOption is a functional option for [NewService].
type ServiceOption func(*Service)

// WithSweepInterval sets how often the background loop wakes up.
func WithSweepInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// WithServiceLogger sets the logger. Defaults to slog.Default().
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService builds the sync service from its stages.
func NewService(st store.Store, registry *tools.Registry, syncer *Syncer, indexer *Indexer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		registry: registry,
		syncer:   syncer,
		indexer:  indexer,
		sweep:    DefaultSweepInterval,
		logger:   slog.Default(),
		running:  make(map[int64]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SyncBinding runs the full pipeline for one binding. A second call for the
// same binding while one is in flight is skipped, not queued; callers retry
// on the next sweep. Distinct bindings run concurrently.
func (s *Service) SyncBinding(ctx context.Context, binding store.AgentTool, force bool) (SyncResult, error) {
	if !s.tryLock(binding.ID) {
		return SyncResult{Skipped: true, SkipReason: "locked"}, nil
	}
	defer s.unlock(binding.ID)

	result, err := s.syncer.Sync(ctx, binding, force)
	if err != nil || result.Skipped {
		return result, err
	}

	indexResult, err := s.indexer.Index(ctx, binding)
	if err != nil {
		// The reconcile already landed; pending rows index on the next pass.
		s.logger.Error("catalog indexing failed",
			"binding", binding.ID, "indexed", indexResult.Indexed, "error", err)
		return result, fmt.Errorf("productsync: index binding %d: %w", binding.ID, err)
	}

	if result.Full && result.Deleted > 0 {
		if _, err := s.indexer.CleanupOrphans(ctx, binding); err != nil {
			// Stale points only waste space; the next full sync retries.
			s.logger.Warn("orphan cleanup failed", "binding", binding.ID, "error", err)
		}
	}
	return result, nil
}

// SyncAll sweeps every binding whose tool can export a catalog. Errors on
// individual bindings are logged and do not stop the sweep.
func (s *Service) SyncAll(ctx context.Context, force bool) error {
	slugs := s.registry.CatalogSlugs()
	if len(slugs) == 0 {
		return nil
	}
	bindings, err := s.store.ListSyncBindings(ctx, slugs)
	if err != nil {
		return fmt.Errorf("productsync: list bindings: %w", err)
	}

	for _, binding := range bindings {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.SyncBinding(ctx, binding, force); err != nil {
			s.logger.Error("binding sync failed",
				"binding", binding.ID, "agent", binding.AgentID, "tool", binding.ToolSlug, "error", err)
		}
	}
	return nil
}

// Run drives periodic sweeps until ctx is cancelled. An initial sweep runs
// immediately so fresh deployments do not wait a full interval.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	if err := s.SyncAll(ctx, false); err != nil && ctx.Err() == nil {
		s.logger.Error("initial sync sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SyncAll(ctx, false); err != nil && ctx.Err() == nil {
				s.logger.Error("sync sweep failed", "error", err)
			}
		}
	}
}

// Status reports the sync state of every catalog binding.
func (s *Service) Status(ctx context.Context) ([]BindingStatus, error) {
	bindings, err := s.store.ListSyncBindings(ctx, s.registry.CatalogSlugs())
	if err != nil {
		return nil, fmt.Errorf("productsync: list bindings: %w", err)
	}

	statuses := make([]BindingStatus, 0, len(bindings))
	for _, binding := range bindings {
		pending, err := s.store.CountPendingProducts(ctx, binding.ID)
		if err != nil {
			return nil, fmt.Errorf("productsync: count pending: %w", err)
		}
		statuses = append(statuses, BindingStatus{
			BindingID:     binding.ID,
			AgentID:       binding.AgentID,
			ToolSlug:      binding.ToolSlug,
			LastSyncAt:    binding.LastSyncAt,
			LastSyncCount: binding.LastSyncCount,
			Pending:       pending,
			Running:       s.isRunning(binding.ID),
		})
	}
	return statuses, nil
}

func (s *Service) ensureCollection(ctx context.Context) error {
	if err := s.indexer.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("productsync: ensure collection: %w", err)
	}
	return nil
}

func (s *Service) tryLock(bindingID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[bindingID] {
		return false
	}
	s.running[bindingID] = true
	return true
}

func (s *Service) unlock(bindingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, bindingID)
}

func (s *Service) isRunning(bindingID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[bindingID]
}
