// Package mock provides an in-memory store.Store for tests.
//
// The mock keeps real state (agents, tool bindings, products) so sync and
// indexing flows can be exercised end to end without a database. Individual
// operations can be forced to fail via the *Err fields.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stimmwerk/voxbroker/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	agents     map[int64]store.Agent
	agentTools map[int64]store.AgentTool
	products   map[int64]store.Product
	ragConfigs map[int64]store.RAGConfig // keyed by agent ID

	nextAgentID   int64
	nextToolID    int64
	nextProductID int64
	nextRAGID     int64

	// --- Forced errors ---

	InsertProductsErr  error
	UpdateProductsErr  error
	DeleteProductsErr  error
	PendingProductsErr error
	MarkIndexedErr     error
	UpdateSyncErr      error
}

var _ store.Store = (*Store)(nil)

// New returns an empty mock store.
func New() *Store {
	return &Store{
		agents:     make(map[int64]store.Agent),
		agentTools: make(map[int64]store.AgentTool),
		products:   make(map[int64]store.Product),
		ragConfigs: make(map[int64]store.RAGConfig),
	}
}

// GetAgent implements store.Store.
func (s *Store) GetAgent(_ context.Context, id int64) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		return &a, nil
	}
	return nil, nil
}

// GetAgentBySlug implements store.Store.
func (s *Store) GetAgentBySlug(_ context.Context, slug string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Slug == slug {
			return &a, nil
		}
	}
	return nil, nil
}

// ListAgents implements store.Store.
func (s *Store) ListAgents(_ context.Context) ([]store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Agent
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertAgent implements store.Store.
func (s *Store) UpsertAgent(_ context.Context, a *store.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, existing := range s.agents {
		if existing.Slug == a.Slug {
			a.ID = id
			a.CreatedAt = existing.CreatedAt
			a.UpdatedAt = now
			s.agents[id] = *a
			return nil
		}
	}
	s.nextAgentID++
	a.ID = s.nextAgentID
	a.CreatedAt = now
	a.UpdatedAt = now
	s.agents[a.ID] = *a
	return nil
}

// ListAgentTools implements store.Store.
func (s *Store) ListAgentTools(_ context.Context, agentID int64) ([]store.AgentTool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AgentTool
	for _, t := range s.agentTools {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolSlug < out[j].ToolSlug })
	return out, nil
}

// GetAgentTool implements store.Store.
func (s *Store) GetAgentTool(_ context.Context, agentID int64, toolSlug string) (*store.AgentTool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.agentTools {
		if t.AgentID == agentID && t.ToolSlug == toolSlug {
			return &t, nil
		}
	}
	return nil, nil
}

// UpsertAgentTool implements store.Store.
func (s *Store) UpsertAgentTool(_ context.Context, t *store.AgentTool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, existing := range s.agentTools {
		if existing.AgentID == t.AgentID && existing.ToolSlug == t.ToolSlug {
			t.ID = id
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = now
			t.LastSyncAt = existing.LastSyncAt
			t.LastSyncCount = existing.LastSyncCount
			s.agentTools[id] = *t
			return nil
		}
	}
	s.nextToolID++
	t.ID = s.nextToolID
	t.CreatedAt = now
	t.UpdatedAt = now
	s.agentTools[t.ID] = *t
	return nil
}

// ListSyncBindings implements store.Store.
func (s *Store) ListSyncBindings(_ context.Context, toolSlugs []string) ([]store.AgentTool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slugSet := make(map[string]bool, len(toolSlugs))
	for _, slug := range toolSlugs {
		slugSet[slug] = true
	}
	var out []store.AgentTool
	for _, t := range s.agentTools {
		if t.Enabled && slugSet[t.ToolSlug] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSyncStatus implements store.Store.
func (s *Store) UpdateSyncStatus(_ context.Context, agentToolID int64, at time.Time, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateSyncErr != nil {
		return s.UpdateSyncErr
	}
	t, ok := s.agentTools[agentToolID]
	if !ok {
		return nil
	}
	at2 := at
	t.LastSyncAt = &at2
	t.LastSyncCount = count
	s.agentTools[agentToolID] = t
	return nil
}

// ProductHashes implements store.Store.
func (s *Store) ProductHashes(_ context.Context, agentToolID int64) (map[string]store.ProductRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make(map[string]store.ProductRef)
	for _, p := range s.products {
		if p.AgentToolID == agentToolID {
			refs[p.ExternalID] = store.ProductRef{ID: p.ID, ContentHash: p.ContentHash}
		}
	}
	return refs, nil
}

// InsertProducts implements store.Store.
func (s *Store) InsertProducts(_ context.Context, products []store.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertProductsErr != nil {
		return s.InsertProductsErr
	}
	now := time.Now()
	for i := range products {
		s.nextProductID++
		products[i].ID = s.nextProductID
		products[i].RAGIndexed = false
		products[i].CreatedAt = now
		products[i].UpdatedAt = now
		s.products[products[i].ID] = products[i]
	}
	return nil
}

// UpdateProducts implements store.Store.
func (s *Store) UpdateProducts(_ context.Context, products []store.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateProductsErr != nil {
		return s.UpdateProductsErr
	}
	for _, incoming := range products {
		for id, existing := range s.products {
			if existing.AgentToolID == incoming.AgentToolID && existing.ExternalID == incoming.ExternalID {
				updated := incoming
				updated.ID = id
				updated.RAGIndexed = false
				updated.RAGIndexedAt = existing.RAGIndexedAt
				updated.PointID = existing.PointID
				updated.CreatedAt = existing.CreatedAt
				updated.UpdatedAt = time.Now()
				s.products[id] = updated
				break
			}
		}
	}
	return nil
}

// DeleteProductsNotIn implements store.Store.
func (s *Store) DeleteProductsNotIn(_ context.Context, agentToolID int64, keep []string) ([]store.DeletedProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteProductsErr != nil {
		return nil, s.DeleteProductsErr
	}
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	var deleted []store.DeletedProduct
	for id, p := range s.products {
		if p.AgentToolID == agentToolID && !keepSet[p.ExternalID] {
			deleted = append(deleted, store.DeletedProduct{ID: p.ID, ExternalID: p.ExternalID, PointID: p.PointID})
			delete(s.products, id)
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].ID < deleted[j].ID })
	return deleted, nil
}

// PendingProducts implements store.Store.
func (s *Store) PendingProducts(_ context.Context, agentToolID int64, limit int) ([]store.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PendingProductsErr != nil {
		return nil, s.PendingProductsErr
	}
	if limit <= 0 {
		limit = 500
	}
	var out []store.Product
	for _, p := range s.products {
		if p.AgentToolID == agentToolID && !p.RAGIndexed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountPendingProducts implements store.Store.
func (s *Store) CountPendingProducts(_ context.Context, agentToolID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.products {
		if p.AgentToolID == agentToolID && !p.RAGIndexed {
			n++
		}
	}
	return n, nil
}

// MarkProductsIndexed implements store.Store.
func (s *Store) MarkProductsIndexed(_ context.Context, marks []store.IndexedMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MarkIndexedErr != nil {
		return s.MarkIndexedErr
	}
	now := time.Now()
	for _, m := range marks {
		p, ok := s.products[m.ProductID]
		if !ok {
			continue
		}
		p.RAGIndexed = true
		p.RAGIndexedAt = &now
		p.PointID = uuid.NullUUID{UUID: m.PointID, Valid: true}
		s.products[m.ProductID] = p
	}
	return nil
}

// SurvivingPointIDs implements store.Store.
func (s *Store) SurvivingPointIDs(_ context.Context, agentToolID int64) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, p := range s.products {
		if p.AgentToolID == agentToolID && p.PointID.Valid {
			out = append(out, p.PointID.UUID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// GetRAGConfig implements store.Store.
func (s *Store) GetRAGConfig(_ context.Context, agentID int64) (*store.RAGConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.ragConfigs[agentID]; ok {
		return &c, nil
	}
	return nil, nil
}

// UpsertRAGConfig implements store.Store.
func (s *Store) UpsertRAGConfig(_ context.Context, c *store.RAGConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.ragConfigs[c.AgentID]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		s.nextRAGID++
		c.ID = s.nextRAGID
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.ragConfigs[c.AgentID] = *c
	return nil
}

// Product returns the stored product by row ID, if present.
func (s *Store) Product(id int64) (store.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// ProductByExternalID returns the stored product under a binding with the
// given external ID, if present.
func (s *Store) ProductByExternalID(agentToolID int64, externalID string) (store.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.AgentToolID == agentToolID && p.ExternalID == externalID {
			return p, true
		}
	}
	return store.Product{}, false
}

// ProductCount returns the number of products stored under a binding.
func (s *Store) ProductCount(agentToolID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.products {
		if p.AgentToolID == agentToolID {
			n++
		}
	}
	return n
}
