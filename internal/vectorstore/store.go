// Package vectorstore defines the vector-store contract used by the RAG
// retriever and the product indexing pipeline.
//
// A Store manages named collections of embedded points. Each point carries a
// stable UUID, a dense float32 vector, and a JSON payload with two indexed
// attributes (namespace and source) that support filtered search and bulk
// enumeration. The pgvector subpackage provides the PostgreSQL-backed
// implementation; the mock subpackage provides an in-memory test double.
//
// Implementations must be safe for concurrent use.
package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Point is a single embedded record to be stored in a collection.
type Point struct {
	// ID is the stable identifier for the point. Upserting a point with an
	// existing ID replaces the stored vector and payload.
	ID uuid.UUID

	// Vector is the embedding. Its length must match the dimension the
	// collection was created with.
	Vector []float32

	// Namespace partitions points within a collection (e.g. "products").
	// Search can filter on it.
	Namespace string

	// Source tags the pipeline that produced the point (e.g.
	// "product_sync_42"). Scroll and orphan cleanup filter on it.
	Source string

	// Payload holds arbitrary JSON-serializable metadata returned with
	// search results.
	Payload map[string]any
}

// SearchResult is one hit from a similarity search, ordered most similar
// first.
type SearchResult struct {
	ID uuid.UUID

	// Score is a similarity in (−1, 1]: 1 − cosine distance. Higher is more
	// similar.
	Score float64

	// Text is the stored chunk text (payload key "text"), extracted for
	// convenience.
	Text string

	Payload map[string]any
}

// Filter narrows Search and Scroll to points whose attributes match.
// Zero-value fields match everything.
type Filter struct {
	Namespace string
	Source    string
}

// Store is the abstraction over a vector database.
type Store interface {
	// EnsureCollection creates the named collection with the given vector
	// dimension if it does not exist. If the collection exists with a
	// different dimension it is dropped and recreated; all stored points are
	// lost, and the implementation logs a warning.
	EnsureCollection(ctx context.Context, collection string, dimensions int) error

	// Upsert inserts or replaces the given points. Points with IDs already
	// present are overwritten in full.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Scroll enumerates point IDs matching filter, in ascending ID order,
	// starting strictly after cursor (use uuid.Nil to start from the
	// beginning). It returns up to limit IDs and the cursor to pass on the
	// next call; a uuid.Nil next cursor means the enumeration is complete.
	Scroll(ctx context.Context, collection string, filter Filter, limit int, cursor uuid.UUID) (ids []uuid.UUID, next uuid.UUID, err error)

	// Delete removes the points with the given IDs. Unknown IDs are ignored.
	Delete(ctx context.Context, collection string, ids []uuid.UUID) error

	// Search returns the topK points whose vectors are closest (cosine) to
	// vector, optionally narrowed by filter, ordered most similar first.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error)
}
