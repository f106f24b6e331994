package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the relational tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id             BIGSERIAL    PRIMARY KEY,
    slug           TEXT         NOT NULL UNIQUE,
    name           TEXT         NOT NULL,
    system_prompt  TEXT         NOT NULL DEFAULT '',
    greeting       TEXT         NOT NULL DEFAULT '',
    language       TEXT         NOT NULL DEFAULT '',
    voice_provider TEXT         NOT NULL DEFAULT '',
    voice_id       TEXT         NOT NULL DEFAULT '',
    llm_provider   TEXT         NOT NULL DEFAULT '',
    llm_model      TEXT         NOT NULL DEFAULT '',
    temperature    REAL         NOT NULL DEFAULT 0.7,
    max_tokens     INT          NOT NULL DEFAULT 0,
    attributes     JSONB        NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);

CREATE TABLE IF NOT EXISTS agent_tools (
    id                    BIGSERIAL    PRIMARY KEY,
    agent_id              BIGINT       NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    tool_slug             TEXT         NOT NULL,
    integration_slug      TEXT         NOT NULL DEFAULT '',
    enabled               BOOLEAN      NOT NULL DEFAULT true,
    config                JSONB        NOT NULL DEFAULT '{}',
    sync_interval_seconds BIGINT       NOT NULL DEFAULT 0,
    max_products          INT          NOT NULL DEFAULT 0,
    last_sync_at          TIMESTAMPTZ,
    last_sync_count       INT          NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (agent_id, tool_slug)
);
CREATE INDEX IF NOT EXISTS idx_agent_tools_agent ON agent_tools(agent_id);

CREATE TABLE IF NOT EXISTS products (
    id               BIGSERIAL    PRIMARY KEY,
    agent_tool_id    BIGINT       NOT NULL REFERENCES agent_tools(id) ON DELETE CASCADE,
    external_id      TEXT         NOT NULL,
    name             TEXT         NOT NULL,
    description      TEXT         NOT NULL DEFAULT '',
    long_description TEXT         NOT NULL DEFAULT '',
    price            TEXT         NOT NULL DEFAULT '',
    regular_price    TEXT         NOT NULL DEFAULT '',
    on_sale          BOOLEAN      NOT NULL DEFAULT false,
    currency         TEXT         NOT NULL DEFAULT '',
    category         TEXT         NOT NULL DEFAULT '',
    sku              TEXT         NOT NULL DEFAULT '',
    in_stock         BOOLEAN      NOT NULL DEFAULT false,
    stock_quantity   INT          NOT NULL DEFAULT -1,
    url              TEXT         NOT NULL DEFAULT '',
    attributes       JSONB        NOT NULL DEFAULT '[]',
    content_hash     TEXT         NOT NULL,
    rag_indexed      BOOLEAN      NOT NULL DEFAULT false,
    rag_indexed_at   TIMESTAMPTZ,
    point_id         UUID,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (agent_tool_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_products_pending
    ON products (agent_tool_id, id) WHERE NOT rag_indexed;

CREATE TABLE IF NOT EXISTS rag_configs (
    id                 BIGSERIAL    PRIMARY KEY,
    agent_id           BIGINT       NOT NULL UNIQUE REFERENCES agents(id) ON DELETE CASCADE,
    enabled            BOOLEAN      NOT NULL DEFAULT true,
    collection         TEXT         NOT NULL,
    namespace          TEXT         NOT NULL DEFAULT 'products',
    top_k              INT          NOT NULL DEFAULT 5,
    embedding_provider TEXT         NOT NULL DEFAULT '',
    embedding_model    TEXT         NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Structured
// sub-fields (agent attributes, tool config, product attributes) are
// serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] using the given connection
// or pool. Call [PostgresStore.Migrate] once before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating all tables and indexes if they
// do not already exist. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Agents
// ─────────────────────────────────────────────────────────────────────────────

const agentColumns = `id, slug, name, system_prompt, greeting, language,
       voice_provider, voice_id, llm_provider, llm_model, temperature, max_tokens,
       attributes, created_at, updated_at`

func scanAgent(row pgx.CollectableRow) (Agent, error) {
	var (
		a        Agent
		attrJSON []byte
	)
	err := row.Scan(
		&a.ID, &a.Slug, &a.Name, &a.SystemPrompt, &a.Greeting, &a.Language,
		&a.VoiceProvider, &a.VoiceID, &a.LLMProvider, &a.LLMModel, &a.Temperature, &a.MaxTokens,
		&attrJSON, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Agent{}, err
	}
	if err := json.Unmarshal(attrJSON, &a.Attributes); err != nil {
		return Agent{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return a, nil
}

// GetAgent implements [Store].
func (s *PostgresStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	return s.getAgentWhere(ctx, "id = $1", id)
}

// GetAgentBySlug implements [Store].
func (s *PostgresStore) GetAgentBySlug(ctx context.Context, slug string) (*Agent, error) {
	return s.getAgentWhere(ctx, "slug = $1", slug)
}

func (s *PostgresStore) getAgentWhere(ctx context.Context, cond string, arg any) (*Agent, error) {
	rows, err := s.db.Query(ctx, "SELECT "+agentColumns+" FROM agents WHERE "+cond, arg)
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAgent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return &a, nil
}

// ListAgents implements [Store].
func (s *PostgresStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.Query(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	agents, err := pgx.CollectRows(rows, scanAgent)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return agents, nil
}

// UpsertAgent implements [Store]. Agents are keyed by slug so that repeated
// config imports converge on the same rows.
func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.Slug == "" {
		return errors.New("store: upsert agent: slug must not be empty")
	}
	attrJSON, err := json.Marshal(emptyMap(a.Attributes))
	if err != nil {
		return fmt.Errorf("store: marshal attributes: %w", err)
	}

	const query = `
		INSERT INTO agents (
			slug, name, system_prompt, greeting, language,
			voice_provider, voice_id, llm_provider, llm_model,
			temperature, max_tokens, attributes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			greeting = EXCLUDED.greeting,
			language = EXCLUDED.language,
			voice_provider = EXCLUDED.voice_provider,
			voice_id = EXCLUDED.voice_id,
			llm_provider = EXCLUDED.llm_provider,
			llm_model = EXCLUDED.llm_model,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			attributes = EXCLUDED.attributes,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		a.Slug, a.Name, a.SystemPrompt, a.Greeting, a.Language,
		a.VoiceProvider, a.VoiceID, a.LLMProvider, a.LLMModel,
		a.Temperature, a.MaxTokens, attrJSON,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert agent %q: %w", a.Slug, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Agent tools
// ─────────────────────────────────────────────────────────────────────────────

const agentToolColumns = `id, agent_id, tool_slug, integration_slug, enabled, config,
       sync_interval_seconds, max_products, last_sync_at, last_sync_count,
       created_at, updated_at`

func scanAgentTool(row pgx.CollectableRow) (AgentTool, error) {
	var (
		t           AgentTool
		configJSON  []byte
		intervalSec int64
	)
	err := row.Scan(
		&t.ID, &t.AgentID, &t.ToolSlug, &t.IntegrationSlug, &t.Enabled, &configJSON,
		&intervalSec, &t.MaxProducts, &t.LastSyncAt, &t.LastSyncCount,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return AgentTool{}, err
	}
	t.SyncInterval = time.Duration(intervalSec) * time.Second
	if err := json.Unmarshal(configJSON, &t.Config); err != nil {
		return AgentTool{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return t, nil
}

// ListAgentTools implements [Store].
func (s *PostgresStore) ListAgentTools(ctx context.Context, agentID int64) ([]AgentTool, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+agentToolColumns+" FROM agent_tools WHERE agent_id = $1 ORDER BY tool_slug",
		agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list agent tools: %w", err)
	}
	tools, err := pgx.CollectRows(rows, scanAgentTool)
	if err != nil {
		return nil, fmt.Errorf("store: list agent tools: %w", err)
	}
	return tools, nil
}

// GetAgentTool implements [Store].
func (s *PostgresStore) GetAgentTool(ctx context.Context, agentID int64, toolSlug string) (*AgentTool, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+agentToolColumns+" FROM agent_tools WHERE agent_id = $1 AND tool_slug = $2",
		agentID, toolSlug)
	if err != nil {
		return nil, fmt.Errorf("store: get agent tool: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanAgentTool)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent tool: %w", err)
	}
	return &t, nil
}

// UpsertAgentTool implements [Store].
func (s *PostgresStore) UpsertAgentTool(ctx context.Context, t *AgentTool) error {
	if t.ToolSlug == "" {
		return errors.New("store: upsert agent tool: tool slug must not be empty")
	}
	configJSON, err := json.Marshal(emptyMap(t.Config))
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}

	const query = `
		INSERT INTO agent_tools (
			agent_id, tool_slug, integration_slug, enabled, config,
			sync_interval_seconds, max_products
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (agent_id, tool_slug) DO UPDATE SET
			integration_slug = EXCLUDED.integration_slug,
			enabled = EXCLUDED.enabled,
			config = EXCLUDED.config,
			sync_interval_seconds = EXCLUDED.sync_interval_seconds,
			max_products = EXCLUDED.max_products,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		t.AgentID, t.ToolSlug, t.IntegrationSlug, t.Enabled, configJSON,
		int64(t.SyncInterval/time.Second), t.MaxProducts,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert agent tool %q: %w", t.ToolSlug, err)
	}
	return nil
}

// ListSyncBindings implements [Store].
func (s *PostgresStore) ListSyncBindings(ctx context.Context, toolSlugs []string) ([]AgentTool, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+agentToolColumns+" FROM agent_tools WHERE enabled AND tool_slug = ANY($1) ORDER BY id",
		toolSlugs)
	if err != nil {
		return nil, fmt.Errorf("store: list sync bindings: %w", err)
	}
	tools, err := pgx.CollectRows(rows, scanAgentTool)
	if err != nil {
		return nil, fmt.Errorf("store: list sync bindings: %w", err)
	}
	return tools, nil
}

// UpdateSyncStatus implements [Store].
func (s *PostgresStore) UpdateSyncStatus(ctx context.Context, agentToolID int64, at time.Time, count int) error {
	const query = `
		UPDATE agent_tools
		SET last_sync_at = $2, last_sync_count = $3, updated_at = now()
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, agentToolID, at, count)
	if err != nil {
		return fmt.Errorf("store: update sync status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update sync status: binding %d not found", agentToolID)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Products
// ─────────────────────────────────────────────────────────────────────────────

const productColumns = `id, agent_tool_id, external_id, name, description, long_description,
       price, regular_price, on_sale, currency, category, sku, in_stock, stock_quantity,
       url, attributes, content_hash, rag_indexed, rag_indexed_at, point_id,
       created_at, updated_at`

func scanProduct(row pgx.CollectableRow) (Product, error) {
	var (
		p        Product
		attrJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.AgentToolID, &p.ExternalID, &p.Name, &p.Description, &p.LongDescription,
		&p.Price, &p.RegularPrice, &p.OnSale, &p.Currency, &p.Category, &p.SKU, &p.InStock, &p.StockQuantity,
		&p.URL, &attrJSON, &p.ContentHash, &p.RAGIndexed, &p.RAGIndexedAt, &p.PointID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Product{}, err
	}
	if err := json.Unmarshal(attrJSON, &p.Attributes); err != nil {
		return Product{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return p, nil
}

// ProductHashes implements [Store].
func (s *PostgresStore) ProductHashes(ctx context.Context, agentToolID int64) (map[string]ProductRef, error) {
	rows, err := s.db.Query(ctx,
		"SELECT external_id, id, content_hash FROM products WHERE agent_tool_id = $1",
		agentToolID)
	if err != nil {
		return nil, fmt.Errorf("store: product hashes: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]ProductRef)
	for rows.Next() {
		var (
			extID string
			ref   ProductRef
		)
		if err := rows.Scan(&extID, &ref.ID, &ref.ContentHash); err != nil {
			return nil, fmt.Errorf("store: product hashes scan: %w", err)
		}
		refs[extID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: product hashes: %w", err)
	}
	return refs, nil
}

// InsertProducts implements [Store].
func (s *PostgresStore) InsertProducts(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}

	const query = `
		INSERT INTO products (
			agent_tool_id, external_id, name, description, long_description,
			price, regular_price, on_sale, currency, category, sku,
			in_stock, stock_quantity, url, attributes, content_hash, rag_indexed
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,false)
		RETURNING id`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: insert products: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range products {
		p := &products[i]
		attrJSON, err := json.Marshal(emptyAttrs(p.Attributes))
		if err != nil {
			return fmt.Errorf("store: marshal attributes for %q: %w", p.ExternalID, err)
		}
		err = tx.QueryRow(ctx, query,
			p.AgentToolID, p.ExternalID, p.Name, p.Description, p.LongDescription,
			p.Price, p.RegularPrice, p.OnSale, p.Currency, p.Category, p.SKU,
			p.InStock, p.StockQuantity, p.URL, attrJSON, p.ContentHash,
		).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("store: insert product %q: %w", p.ExternalID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: insert products: commit: %w", err)
	}
	return nil
}

// UpdateProducts implements [Store]. The stored point_id is deliberately
// kept: the next index pass overwrites the existing vector point in place.
func (s *PostgresStore) UpdateProducts(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}

	const query = `
		UPDATE products SET
			name = $3, description = $4, long_description = $5,
			price = $6, regular_price = $7, on_sale = $8, currency = $9,
			category = $10, sku = $11, in_stock = $12, stock_quantity = $13,
			url = $14, attributes = $15, content_hash = $16,
			rag_indexed = false, updated_at = now()
		WHERE agent_tool_id = $1 AND external_id = $2`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: update products: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range products {
		p := &products[i]
		attrJSON, err := json.Marshal(emptyAttrs(p.Attributes))
		if err != nil {
			return fmt.Errorf("store: marshal attributes for %q: %w", p.ExternalID, err)
		}
		tag, err := tx.Exec(ctx, query,
			p.AgentToolID, p.ExternalID, p.Name, p.Description, p.LongDescription,
			p.Price, p.RegularPrice, p.OnSale, p.Currency, p.Category, p.SKU,
			p.InStock, p.StockQuantity, p.URL, attrJSON, p.ContentHash,
		)
		if err != nil {
			return fmt.Errorf("store: update product %q: %w", p.ExternalID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("store: update product %q: not found", p.ExternalID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: update products: commit: %w", err)
	}
	return nil
}

// DeleteProductsNotIn implements [Store].
func (s *PostgresStore) DeleteProductsNotIn(ctx context.Context, agentToolID int64, keep []string) ([]DeletedProduct, error) {
	if keep == nil {
		keep = []string{}
	}
	const query = `
		DELETE FROM products
		WHERE agent_tool_id = $1 AND external_id != ALL($2)
		RETURNING id, external_id, point_id`

	rows, err := s.db.Query(ctx, query, agentToolID, keep)
	if err != nil {
		return nil, fmt.Errorf("store: delete products: %w", err)
	}
	deleted, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeletedProduct, error) {
		var d DeletedProduct
		err := row.Scan(&d.ID, &d.ExternalID, &d.PointID)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: delete products scan: %w", err)
	}
	return deleted, nil
}

// PendingProducts implements [Store].
func (s *PostgresStore) PendingProducts(ctx context.Context, agentToolID int64, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+productColumns+" FROM products WHERE agent_tool_id = $1 AND NOT rag_indexed ORDER BY id LIMIT $2",
		agentToolID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending products: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("store: pending products: %w", err)
	}
	return products, nil
}

// CountPendingProducts implements [Store].
func (s *PostgresStore) CountPendingProducts(ctx context.Context, agentToolID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		"SELECT count(*) FROM products WHERE agent_tool_id = $1 AND NOT rag_indexed",
		agentToolID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending products: %w", err)
	}
	return n, nil
}

// MarkProductsIndexed implements [Store].
func (s *PostgresStore) MarkProductsIndexed(ctx context.Context, marks []IndexedMark) error {
	if len(marks) == 0 {
		return nil
	}

	const query = `
		UPDATE products
		SET rag_indexed = true, rag_indexed_at = now(), point_id = $2, updated_at = now()
		WHERE id = $1`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: mark indexed: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range marks {
		if _, err := tx.Exec(ctx, query, m.ProductID, m.PointID); err != nil {
			return fmt.Errorf("store: mark product %d indexed: %w", m.ProductID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: mark indexed: commit: %w", err)
	}
	return nil
}

// SurvivingPointIDs implements [Store].
func (s *PostgresStore) SurvivingPointIDs(ctx context.Context, agentToolID int64) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		"SELECT point_id FROM products WHERE agent_tool_id = $1 AND point_id IS NOT NULL",
		agentToolID)
	if err != nil {
		return nil, fmt.Errorf("store: surviving point ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: surviving point ids scan: %w", err)
	}
	return ids, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// RAG configs
// ─────────────────────────────────────────────────────────────────────────────

const ragConfigColumns = `id, agent_id, enabled, collection, namespace, top_k,
       embedding_provider, embedding_model, created_at, updated_at`

// GetRAGConfig implements [Store].
func (s *PostgresStore) GetRAGConfig(ctx context.Context, agentID int64) (*RAGConfig, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+ragConfigColumns+" FROM rag_configs WHERE agent_id = $1", agentID)
	if err != nil {
		return nil, fmt.Errorf("store: get rag config: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (RAGConfig, error) {
		var c RAGConfig
		err := row.Scan(
			&c.ID, &c.AgentID, &c.Enabled, &c.Collection, &c.Namespace, &c.TopK,
			&c.EmbeddingProvider, &c.EmbeddingModel, &c.CreatedAt, &c.UpdatedAt,
		)
		return c, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get rag config: %w", err)
	}
	return &c, nil
}

// UpsertRAGConfig implements [Store].
func (s *PostgresStore) UpsertRAGConfig(ctx context.Context, c *RAGConfig) error {
	if c.Collection == "" {
		return errors.New("store: upsert rag config: collection must not be empty")
	}

	const query = `
		INSERT INTO rag_configs (
			agent_id, enabled, collection, namespace, top_k,
			embedding_provider, embedding_model
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (agent_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			collection = EXCLUDED.collection,
			namespace = EXCLUDED.namespace,
			top_k = EXCLUDED.top_k,
			embedding_provider = EXCLUDED.embedding_provider,
			embedding_model = EXCLUDED.embedding_model,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		c.AgentID, c.Enabled, c.Collection, c.Namespace, defaultTopK(c.TopK),
		c.EmbeddingProvider, c.EmbeddingModel,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert rag config: %w", err)
	}
	return nil
}

// defaultTopK returns the top-k value, defaulting to 5 if unset.
func defaultTopK(k int) int {
	if k <= 0 {
		return 5
	}
	return k
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This ensures
// JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// emptyAttrs returns a if non-nil, otherwise an empty non-nil slice, so the
// attributes column stores "[]" instead of "null".
func emptyAttrs(a []ProductAttribute) []ProductAttribute {
	if a == nil {
		return []ProductAttribute{}
	}
	return a
}
