// Package store provides the relational persistence layer: agent
// definitions, their tool bindings, the synced product catalog, and RAG
// configuration.
//
// The canonical implementation is [PostgresStore]; the mock subpackage
// provides an in-memory Store for tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Agent is a configured voice agent: persona, model selection, and voice.
type Agent struct {
	ID           int64
	Slug         string
	Name         string
	SystemPrompt string
	Greeting     string
	Language     string

	VoiceProvider string
	VoiceID       string

	LLMProvider string
	LLMModel    string
	Temperature float32
	MaxTokens   int

	Attributes map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentTool binds a tool to an agent, together with the integration that
// backs it and the sync bookkeeping for catalog-capable tools.
type AgentTool struct {
	ID              int64
	AgentID         int64
	ToolSlug        string
	IntegrationSlug string
	Enabled         bool

	// Config holds integration-specific settings (endpoint URLs, credentials,
	// per-tool options) as opaque JSON.
	Config map[string]any

	// SyncInterval is the minimum gap between automatic catalog syncs.
	// Zero means the service default.
	SyncInterval time.Duration

	// MaxProducts caps how many products a single sync may import.
	// Zero means unlimited.
	MaxProducts int

	LastSyncAt    *time.Time
	LastSyncCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product is one synced catalog row. Price fields are kept as strings, as
// delivered by the commerce backends, to avoid float rounding in hashes.
type Product struct {
	ID          int64
	AgentToolID int64
	ExternalID  string

	Name            string
	Description     string
	LongDescription string
	Price           string
	RegularPrice    string
	OnSale          bool
	Currency        string
	Category        string
	SKU             string
	InStock         bool
	// StockQuantity is −1 when the backend does not report a quantity.
	StockQuantity int
	URL           string
	Attributes    []ProductAttribute

	ContentHash  string
	RAGIndexed   bool
	RAGIndexedAt *time.Time
	PointID      uuid.NullUUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProductAttribute is a named attribute with its option values, e.g.
// {Name: "Size", Options: ["S", "M", "L"]}.
type ProductAttribute struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

// ProductRef identifies an existing product row during sync hash comparison.
type ProductRef struct {
	ID          int64
	ContentHash string
}

// DeletedProduct reports a row removed by DeleteProductsNotIn, carrying the
// vector point that must be cleaned up alongside it.
type DeletedProduct struct {
	ID         int64
	ExternalID string
	PointID    uuid.NullUUID
}

// IndexedMark records a successful vector upsert for one product.
type IndexedMark struct {
	ProductID int64
	PointID   uuid.UUID
}

// RAGConfig selects the retrieval setup for one agent.
type RAGConfig struct {
	ID                int64
	AgentID           int64
	Enabled           bool
	Collection        string
	Namespace         string
	TopK              int
	EmbeddingProvider string
	EmbeddingModel    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides persistence for agents, tool bindings, products, and RAG
// configuration. Implementations must be safe for concurrent use.
type Store interface {
	// GetAgent retrieves an agent by ID. Returns (nil, nil) if not found.
	GetAgent(ctx context.Context, id int64) (*Agent, error)

	// GetAgentBySlug retrieves an agent by its unique slug.
	// Returns (nil, nil) if not found.
	GetAgentBySlug(ctx context.Context, slug string) (*Agent, error)

	// ListAgents returns all agents ordered by name.
	ListAgents(ctx context.Context) ([]Agent, error)

	// UpsertAgent creates or replaces an agent keyed by slug, populating
	// ID/CreatedAt/UpdatedAt on the passed struct.
	UpsertAgent(ctx context.Context, a *Agent) error

	// ListAgentTools returns all tool bindings for an agent.
	ListAgentTools(ctx context.Context, agentID int64) ([]AgentTool, error)

	// GetAgentTool retrieves one binding by (agent, tool slug).
	// Returns (nil, nil) if not found.
	GetAgentTool(ctx context.Context, agentID int64, toolSlug string) (*AgentTool, error)

	// UpsertAgentTool creates or replaces a binding keyed by
	// (agent_id, tool_slug), populating ID on the passed struct.
	UpsertAgentTool(ctx context.Context, t *AgentTool) error

	// ListSyncBindings returns every enabled binding whose tool slug is in
	// toolSlugs, across all agents. The sync scheduler sweeps these.
	ListSyncBindings(ctx context.Context, toolSlugs []string) ([]AgentTool, error)

	// UpdateSyncStatus persists the sync watermark for a binding.
	UpdateSyncStatus(ctx context.Context, agentToolID int64, at time.Time, count int) error

	// ProductHashes returns external_id → {row id, content hash} for every
	// product under the binding.
	ProductHashes(ctx context.Context, agentToolID int64) (map[string]ProductRef, error)

	// InsertProducts inserts new rows with rag_indexed=false, in one
	// transaction. IDs are populated on the passed slice.
	InsertProducts(ctx context.Context, products []Product) error

	// UpdateProducts replaces the content fields of existing rows (matched by
	// agent_tool_id + external_id) and resets rag_indexed to false, in one
	// transaction. The stored point_id is kept so the vector upsert
	// overwrites in place.
	UpdateProducts(ctx context.Context, products []Product) error

	// DeleteProductsNotIn removes every product under the binding whose
	// external_id is not in keep, returning the removed rows' point IDs for
	// vector cleanup.
	DeleteProductsNotIn(ctx context.Context, agentToolID int64, keep []string) ([]DeletedProduct, error)

	// PendingProducts returns up to limit products with rag_indexed=false,
	// in insertion order.
	PendingProducts(ctx context.Context, agentToolID int64, limit int) ([]Product, error)

	// CountPendingProducts reports how many products still await indexing.
	CountPendingProducts(ctx context.Context, agentToolID int64) (int, error)

	// MarkProductsIndexed sets rag_indexed=true, rag_indexed_at=now and the
	// point ID for each mark, in one transaction.
	MarkProductsIndexed(ctx context.Context, marks []IndexedMark) error

	// SurvivingPointIDs returns the point IDs of every indexed product under
	// the binding. Orphan cleanup deletes vector points not in this set.
	SurvivingPointIDs(ctx context.Context, agentToolID int64) ([]uuid.UUID, error)

	// GetRAGConfig retrieves the RAG configuration for an agent.
	// Returns (nil, nil) if not configured.
	GetRAGConfig(ctx context.Context, agentID int64) (*RAGConfig, error)

	// UpsertRAGConfig creates or replaces the RAG configuration keyed by
	// agent_id.
	UpsertRAGConfig(ctx context.Context, c *RAGConfig) error
}
