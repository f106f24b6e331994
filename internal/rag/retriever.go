// Package rag retrieves product-catalog context for agent turns.
//
// The retriever is stateless over an embeddings provider and a vector store:
// it embeds the query, runs a top-k similarity search, and returns ordered
// context snippets. Prompt assembly lives in prompt.go.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stimmwerk/voxbroker/internal/vectorstore"
	"github.com/stimmwerk/voxbroker/pkg/provider/embeddings"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

// DefaultTopK is the number of context snippets retrieved per turn when the
// RAG config does not specify one.
const DefaultTopK = 5

// queryMessageWindow is how many trailing user messages form the retrieval
// query.
const queryMessageWindow = 3

// Context is one retrieved snippet, ordered most relevant first.
type Context struct {
	Text    string
	Score   float64
	Payload map[string]any
}

// Retriever embeds queries and searches one collection. It is stateless and
// safe for concurrent use.
type Retriever struct {
	embedder   embeddings.Provider
	store      vectorstore.Store
	collection string
	namespace  string
	topK       int
	logger     *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Retriever)

// WithNamespace restricts searches to points in the given namespace.
func WithNamespace(ns string) Option {
	return func(r *Retriever) {
		r.namespace = ns
	}
}

// WithTopK sets how many snippets Retrieve returns. Defaults to DefaultTopK.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = l
	}
}

// New constructs a Retriever over the given embedder, store, and collection.
func New(embedder embeddings.Provider, store vectorstore.Store, collection string, opts ...Option) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("rag: collection must not be empty")
	}
	r := &Retriever{
		embedder:   embedder,
		store:      store,
		collection: collection,
		topK:       DefaultTopK,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// EnsureCollection creates the collection sized to the embedder's dimension.
// Call once at startup; a model change recreates the collection.
func (r *Retriever) EnsureCollection(ctx context.Context) error {
	dims := r.embedder.Dimensions()
	if dims <= 0 {
		return fmt.Errorf("rag: embedder %q reports no dimensions", r.embedder.ModelID())
	}
	return r.store.EnsureCollection(ctx, r.collection, dims)
}

// Retrieve embeds query and returns up to topK snippets ordered most
// relevant first. An empty query returns no snippets without touching the
// providers.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Context, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	results, err := r.store.Search(ctx, r.collection, vec, r.topK, vectorstore.Filter{Namespace: r.namespace})
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}

	contexts := make([]Context, 0, len(results))
	for _, res := range results {
		if res.Text == "" {
			continue
		}
		contexts = append(contexts, Context{
			Text:    res.Text,
			Score:   res.Score,
			Payload: res.Payload,
		})
	}
	r.logger.Debug("rag retrieval",
		"collection", r.collection,
		"query_len", len(query),
		"hits", len(contexts),
	)
	return contexts, nil
}

// BuildQuery derives the retrieval query from conversation history: the last
// three user messages, oldest first, joined by single spaces. Returns "" when
// the history holds no user messages.
func BuildQuery(history []types.Message) string {
	var parts []string
	for i := len(history) - 1; i >= 0 && len(parts) < queryMessageWindow; i-- {
		if history[i].Role != types.RoleUser {
			continue
		}
		if text := strings.TrimSpace(history[i].Content); text != "" {
			parts = append(parts, text)
		}
	}
	// Collected newest-first; restore chronological order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " ")
}
