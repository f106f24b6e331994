package productsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
)

// DefaultSyncInterval is the minimum gap between automatic syncs of one
// binding when the binding does not configure its own interval.
const DefaultSyncInterval = 6 * time.Hour

// upsertBatchSize is how many products one reconcile transaction covers.
const upsertBatchSize = 100

// SyncResult reports what one reconcile pass did.
type SyncResult struct {
	// Skipped is true when the pass did not run; SkipReason says why
	// ("interval", "locked").
	Skipped    bool
	SkipReason string

	// Full is true for a full-catalog fetch (first sync or forced), the only
	// kind that may delete products.
	Full bool

	Fetched    int
	Duplicates int
	New        int
	Updated    int
	Unchanged  int
	Deleted    int

	// DeletedProducts carries the removed rows so orphan cleanup can run.
	DeletedProducts []store.DeletedProduct
}

// Syncer is Stage A: it pulls the catalog from the binding's integration and
// reconciles it into the relational store. Safe for concurrent use across
// distinct bindings; the Service serialises passes per binding.
type Syncer struct {
	store    store.Store
	registry *tools.Registry
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// SyncerOption is a functional option for [NewSyncer].
type SyncerOption func(*Syncer)

// WithSyncInterval overrides the default minimum gap between automatic
// syncs. Bindings with their own SyncInterval take precedence.
func WithSyncInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSyncLogger sets the logger. Defaults to slog.Default().
func WithSyncLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		s.logger = l
	}
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		s.now = now
	}
}

// NewSyncer builds a Stage A syncer over the store and tool registry.
func NewSyncer(st store.Store, registry *tools.Registry, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:    st,
		registry: registry,
		interval: DefaultSyncInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sync runs one reconcile pass for the binding. When force is false the pass
// is skipped while the binding is inside its sync interval. A forced pass,
// and the very first pass, fetch the full catalog and may delete products
// that disappeared from the backend; incremental passes fetch only products
// modified since the last sync and never delete.
func (s *Syncer) Sync(ctx context.Context, binding store.AgentTool, force bool) (SyncResult, error) {
	now := s.now()

	if !force && binding.LastSyncAt != nil {
		interval := binding.SyncInterval
		if interval <= 0 {
			interval = s.interval
		}
		if now.Before(binding.LastSyncAt.Add(interval)) {
			return SyncResult{Skipped: true, SkipReason: "interval"}, nil
		}
	}

	source, closeSource, err := s.catalogSource(binding)
	if err != nil {
		return SyncResult{}, err
	}
	defer closeSource()

	full := force || binding.LastSyncAt == nil
	var modifiedAfter *time.Time
	if !full {
		modifiedAfter = binding.LastSyncAt
	}

	fetched, err := source.FetchAllProducts(ctx, modifiedAfter, binding.MaxProducts)
	if err != nil {
		return SyncResult{}, fmt.Errorf("productsync: fetch %s/%d: %w", binding.ToolSlug, binding.ID, err)
	}

	result := SyncResult{Full: full, Fetched: len(fetched)}

	incoming := dedupe(fetched, &result, s.logger, binding.ID)

	existing, err := s.store.ProductHashes(ctx, binding.ID)
	if err != nil {
		return result, fmt.Errorf("productsync: load hashes: %w", err)
	}

	var inserts, updates []store.Product
	keep := make([]string, 0, len(incoming))
	for i := range incoming {
		p := &incoming[i]
		p.AgentToolID = binding.ID
		p.ContentHash = ContentHash(*p)
		keep = append(keep, p.ExternalID)

		ref, known := existing[p.ExternalID]
		switch {
		case !known:
			inserts = append(inserts, *p)
		case ref.ContentHash != p.ContentHash:
			updates = append(updates, *p)
		default:
			result.Unchanged++
		}
	}

	for batch := range chunk(inserts, upsertBatchSize) {
		if err := s.store.InsertProducts(ctx, batch); err != nil {
			return result, fmt.Errorf("productsync: insert batch: %w", err)
		}
		result.New += len(batch)
	}
	for batch := range chunk(updates, upsertBatchSize) {
		if err := s.store.UpdateProducts(ctx, batch); err != nil {
			return result, fmt.Errorf("productsync: update batch: %w", err)
		}
		result.Updated += len(batch)
	}

	// Products that vanished from the backend are removed only on a full
	// fetch; an incremental fetch simply does not see them.
	if full {
		deleted, err := s.store.DeleteProductsNotIn(ctx, binding.ID, keep)
		if err != nil {
			return result, fmt.Errorf("productsync: delete missing: %w", err)
		}
		result.Deleted = len(deleted)
		result.DeletedProducts = deleted
	}

	if err := s.store.UpdateSyncStatus(ctx, binding.ID, now, len(incoming)); err != nil {
		return result, fmt.Errorf("productsync: update status: %w", err)
	}

	s.logger.Info("catalog sync completed",
		"binding", binding.ID,
		"agent", binding.AgentID,
		"full", full,
		"fetched", result.Fetched,
		"new", result.New,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"deleted", result.Deleted,
		"duplicates", result.Duplicates,
	)
	return result, nil
}

// catalogSource instantiates the binding's integration and asserts the
// catalog capability.
func (s *Syncer) catalogSource(binding store.AgentTool) (tools.CatalogSource, func(), error) {
	factory, err := s.registry.Factory(binding.ToolSlug, binding.IntegrationSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("productsync: %w", err)
	}
	integ, err := factory(binding.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("productsync: init %s/%s: %w", binding.ToolSlug, binding.IntegrationSlug, err)
	}
	source, ok := integ.(tools.CatalogSource)
	if !ok {
		integ.Close()
		return nil, nil, fmt.Errorf("productsync: integration %s/%s cannot export a catalog", binding.ToolSlug, binding.IntegrationSlug)
	}
	closeSource := func() {
		if err := integ.Close(); err != nil {
			s.logger.Warn("closing catalog source failed", "binding", binding.ID, "error", err)
		}
	}
	return source, closeSource, nil
}

// dedupe keeps the last occurrence of every external ID, preserving the
// backend's order otherwise. Backends have been seen returning the same
// product on two pages when the catalog changes mid-fetch.
func dedupe(products []store.Product, result *SyncResult, logger *slog.Logger, bindingID int64) []store.Product {
	lastIdx := make(map[string]int, len(products))
	for i, p := range products {
		if prev, dup := lastIdx[p.ExternalID]; dup {
			logger.Debug("duplicate product in fetch, keeping last",
				"binding", bindingID, "external_id", p.ExternalID, "discarded_index", prev)
			result.Duplicates++
		}
		lastIdx[p.ExternalID] = i
	}

	out := make([]store.Product, 0, len(lastIdx))
	for i, p := range products {
		if lastIdx[p.ExternalID] == i {
			out = append(out, p)
		}
	}
	return out
}

// chunk yields size-bounded sub-slices of items.
func chunk[T any](items []T, size int) func(func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}
