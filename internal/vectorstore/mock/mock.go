// Package mock provides an in-memory vectorstore.Store for tests.
//
// The mock stores points per collection, performs real cosine-similarity
// search over the stored vectors, and supports forced errors per operation.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stimmwerk/voxbroker/internal/vectorstore"
)

// Store is an in-memory implementation of vectorstore.Store.
type Store struct {
	mu sync.Mutex

	// collections maps collection name to stored points keyed by ID.
	collections map[string]map[uuid.UUID]vectorstore.Point

	// dimensions maps collection name to the dimension passed to
	// EnsureCollection.
	dimensions map[string]int

	// --- Forced errors ---

	EnsureErr error
	UpsertErr error
	ScrollErr error
	DeleteErr error
	SearchErr error

	// --- Call records ---

	// UpsertCalls counts Upsert invocations (including empty ones).
	UpsertCalls int

	// DeletedIDs accumulates every ID passed to Delete, in order.
	DeletedIDs []uuid.UUID

	// SearchVectors records the query vector of every Search call.
	SearchVectors [][]float32
}

var _ vectorstore.Store = (*Store)(nil)

// New returns an empty mock store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[uuid.UUID]vectorstore.Point),
		dimensions:  make(map[string]int),
	}
}

// EnsureCollection implements vectorstore.Store. A dimension change clears
// the collection, mirroring the destructive recreate of the real store.
func (s *Store) EnsureCollection(_ context.Context, collection string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnsureErr != nil {
		return s.EnsureErr
	}
	if prev, ok := s.dimensions[collection]; ok && prev != dimensions {
		s.collections[collection] = make(map[uuid.UUID]vectorstore.Point)
	}
	s.dimensions[collection] = dimensions
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[uuid.UUID]vectorstore.Point)
	}
	return nil
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(_ context.Context, collection string, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[uuid.UUID]vectorstore.Point)
	}
	for _, p := range points {
		s.collections[collection][p.ID] = p
	}
	return nil
}

// Scroll implements vectorstore.Store.
func (s *Store) Scroll(_ context.Context, collection string, filter vectorstore.Filter, limit int, cursor uuid.UUID) ([]uuid.UUID, uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScrollErr != nil {
		return nil, uuid.Nil, s.ScrollErr
	}
	if limit <= 0 {
		limit = 1000
	}

	var all []uuid.UUID
	for id, p := range s.collections[collection] {
		if !matches(p, filter) {
			continue
		}
		all = append(all, id)
	}
	sort.Slice(all, func(i, j int) bool { return idLess(all[i], all[j]) })

	var page []uuid.UUID
	for _, id := range all {
		if cursor != uuid.Nil && !idLess(cursor, id) {
			continue
		}
		page = append(page, id)
		if len(page) == limit {
			break
		}
	}
	if len(page) < limit {
		return page, uuid.Nil, nil
	}
	return page, page[len(page)-1], nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(_ context.Context, collection string, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeletedIDs = append(s.DeletedIDs, ids...)
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	for _, id := range ids {
		delete(s.collections[collection], id)
	}
	return nil
}

// Search implements vectorstore.Store using real cosine similarity over the
// stored vectors.
func (s *Store) Search(_ context.Context, collection string, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	s.SearchVectors = append(s.SearchVectors, cp)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	if topK <= 0 {
		topK = 5
	}

	var results []vectorstore.SearchResult
	for id, p := range s.collections[collection] {
		if !matches(p, filter) {
			continue
		}
		r := vectorstore.SearchResult{
			ID:      id,
			Score:   cosine(vector, p.Vector),
			Payload: p.Payload,
		}
		if text, ok := p.Payload["text"].(string); ok {
			r.Text = text
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return idLess(results[i].ID, results[j].ID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return results, nil
}

// Count returns the number of points stored in collection.
func (s *Store) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

// Point returns the stored point with the given ID, if present.
func (s *Store) Point(collection string, id uuid.UUID) (vectorstore.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.collections[collection][id]
	return p, ok
}

func matches(p vectorstore.Point, f vectorstore.Filter) bool {
	if f.Namespace != "" && p.Namespace != f.Namespace {
		return false
	}
	if f.Source != "" && p.Source != f.Source {
		return false
	}
	return true
}

func idLess(a, b uuid.UUID) bool {
	return a.String() < b.String()
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
