package productsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/vectorstore"
	"github.com/stimmwerk/voxbroker/pkg/provider/embeddings"
)

const (
	// indexBatchSize is how many pending rows one indexing round loads.
	indexBatchSize = 500

	// DefaultEmbedBatchSize is the embedding sub-batch for hosted providers.
	// Local models want a smaller batch; see [WithEmbedBatchSize].
	DefaultEmbedBatchSize = 100

	// LocalEmbedBatchSize fits local embedding models that choke on large
	// request bodies.
	LocalEmbedBatchSize = 32

	// scrollPageSize is the page size for the orphan-cleanup scroll.
	scrollPageSize = 1000
)

// IndexResult reports what one indexing pass did.
type IndexResult struct {
	Indexed int
	Failed  int
	// Orphans is the number of vector points removed by cleanup, when the
	// pass included one.
	Orphans int
}

// Indexer is Stage B: it embeds pending products and upserts them into the
// vector store, then marks them indexed. CleanupOrphans is Stage C.
type Indexer struct {
	store      store.Store
	vectors    vectorstore.Store
	embedder   embeddings.Provider
	collection string
	batchSize  int
	logger     *slog.Logger
}

// IndexerOption is a functional option for [NewIndexer].
type IndexerOption func(*Indexer)

// WithEmbedBatchSize sets how many texts go into one embedding call.
func WithEmbedBatchSize(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithIndexLogger sets the logger. Defaults to slog.Default().
func WithIndexLogger(l *slog.Logger) IndexerOption {
	return func(ix *Indexer) {
		ix.logger = l
	}
}

// NewIndexer builds a Stage B indexer writing into the named collection.
func NewIndexer(st store.Store, vectors vectorstore.Store, embedder embeddings.Provider, collection string, opts ...IndexerOption) (*Indexer, error) {
	if collection == "" {
		return nil, fmt.Errorf("productsync: collection name required")
	}
	ix := &Indexer{
		store:      st,
		vectors:    vectors,
		embedder:   embedder,
		collection: collection,
		batchSize:  DefaultEmbedBatchSize,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix, nil
}

// EnsureCollection creates or validates the target collection using the
// embedder's dimensionality.
func (ix *Indexer) EnsureCollection(ctx context.Context) error {
	dims := ix.embedder.Dimensions()
	if dims <= 0 {
		return fmt.Errorf("productsync: embedder %s reports %d dimensions", ix.embedder.ModelID(), dims)
	}
	return ix.vectors.EnsureCollection(ctx, ix.collection, dims)
}

// Index embeds and upserts every pending product of the binding. Failed
// sub-batches are logged and left pending for the next pass; the loop stops
// once a round makes no progress so a persistently failing provider cannot
// spin it forever.
func (ix *Indexer) Index(ctx context.Context, binding store.AgentTool) (IndexResult, error) {
	var result IndexResult
	for {
		pending, err := ix.store.PendingProducts(ctx, binding.ID, indexBatchSize)
		if err != nil {
			return result, fmt.Errorf("productsync: load pending: %w", err)
		}
		if len(pending) == 0 {
			return result, nil
		}

		indexed := 0
		for batch := range chunk(pending, ix.batchSize) {
			n, err := ix.indexBatch(ctx, binding, batch)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				ix.logger.Warn("embedding batch failed, rows stay pending",
					"binding", binding.ID, "batch", len(batch), "error", err)
				result.Failed += len(batch)
				continue
			}
			indexed += n
			result.Indexed += n
		}

		if indexed == 0 {
			return result, fmt.Errorf("productsync: indexing made no progress, %d rows pending", len(pending))
		}
		if indexed < len(pending) {
			// Some rows failed this round. Stop here instead of re-embedding
			// them in a tight loop; the next pass retries.
			return result, nil
		}
		if len(pending) < indexBatchSize {
			return result, nil
		}
	}
}

// indexBatch embeds one sub-batch, upserts the points and marks the rows
// indexed. Returns the number of rows completed.
func (ix *Indexer) indexBatch(ctx context.Context, binding store.AgentTool, batch []store.Product) (int, error) {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = RAGText(p)
	}

	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(batch) {
		return 0, fmt.Errorf("embed: got %d vectors for %d texts", len(vecs), len(batch))
	}

	points := make([]vectorstore.Point, len(batch))
	marks := make([]store.IndexedMark, len(batch))
	for i, p := range batch {
		id := PointID(binding.AgentID, p.ExternalID)
		points[i] = vectorstore.Point{
			ID:        id,
			Vector:    vecs[i],
			Namespace: Namespace,
			Source:    Source(binding.AgentID),
			Payload: map[string]any{
				"text":          texts[i],
				"product_id":    p.ExternalID,
				"product_name":  p.Name,
				"product_db_id": p.ID,
			},
		}
		marks[i] = store.IndexedMark{ProductID: p.ID, PointID: id}
	}

	if err := ix.vectors.Upsert(ctx, ix.collection, points); err != nil {
		return 0, fmt.Errorf("upsert points: %w", err)
	}
	if err := ix.store.MarkProductsIndexed(ctx, marks); err != nil {
		return 0, fmt.Errorf("mark indexed: %w", err)
	}
	return len(batch), nil
}

// CleanupOrphans removes vector points under the agent's source tag whose
// products no longer exist. Runs after a full sync deleted rows; failures
// leave stale points behind, which only waste space until the next pass.
func (ix *Indexer) CleanupOrphans(ctx context.Context, binding store.AgentTool) (int, error) {
	surviving, err := ix.store.SurvivingPointIDs(ctx, binding.ID)
	if err != nil {
		return 0, fmt.Errorf("productsync: load surviving points: %w", err)
	}
	alive := make(map[uuid.UUID]struct{}, len(surviving))
	for _, id := range surviving {
		alive[id] = struct{}{}
	}

	filter := vectorstore.Filter{Source: Source(binding.AgentID)}
	removed := 0
	cursor := uuid.Nil
	for {
		ids, next, err := ix.vectors.Scroll(ctx, ix.collection, filter, scrollPageSize, cursor)
		if err != nil {
			return removed, fmt.Errorf("productsync: scroll points: %w", err)
		}

		var orphans []uuid.UUID
		for _, id := range ids {
			if _, ok := alive[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		if len(orphans) > 0 {
			if err := ix.vectors.Delete(ctx, ix.collection, orphans); err != nil {
				return removed, fmt.Errorf("productsync: delete orphans: %w", err)
			}
			removed += len(orphans)
		}

		if next == uuid.Nil {
			break
		}
		cursor = next
	}

	if removed > 0 {
		ix.logger.Info("removed orphaned catalog points",
			"agent", binding.AgentID, "removed", removed)
	}
	return removed, nil
}
