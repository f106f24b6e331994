// Package pgvector implements the vectorstore.Store contract on top of
// PostgreSQL with the pgvector extension.
//
// Each collection maps to one table with an HNSW cosine index on the
// embedding column. The vector dimension is baked into the column type at
// creation time; EnsureCollection detects a dimension change and recreates
// the table (destructive, logged at Warn).
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/google/uuid"

	"github.com/stimmwerk/voxbroker/internal/vectorstore"
)

// collectionNameRe restricts collection names to safe SQL identifiers, since
// table names cannot be bound as query parameters.
var collectionNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Store is the pgvector-backed vectorstore.Store. All methods are safe for
// concurrent use; the underlying pgxpool handles connection management.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ vectorstore.Store = (*Store)(nil)

// Option is a functional option for Store.
type Option func(*Store)

// WithLogger sets the logger used for schema-change warnings.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New constructs a Store over an existing connection pool. The pool is not
// closed by the Store; the caller owns its lifecycle.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgvector store: pool must not be nil")
	}
	s := &Store{pool: pool, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Connect opens a new connection pool for dsn and returns a Store over it.
// Close the returned pool when done.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgvector store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgvector store: ping: %w", err)
	}
	s, err := New(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

func validCollection(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("pgvector store: invalid collection name %q", name)
	}
	return nil
}

// ddl returns the collection DDL with the embedding dimension substituted.
func ddl(collection string, dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
    id         UUID         PRIMARY KEY,
    embedding  vector(%[2]d),
    namespace  TEXT         NOT NULL DEFAULT '',
    source     TEXT         NOT NULL DEFAULT '',
    payload    JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_%[1]s_namespace
    ON %[1]s (namespace);

CREATE INDEX IF NOT EXISTS idx_%[1]s_source
    ON %[1]s (source);
`, collection, dimensions)
}

// EnsureCollection implements vectorstore.Store. It is idempotent and safe to
// call on every start. When the existing table carries a different vector
// dimension (embedding model changed), the table is dropped and recreated.
func (s *Store) EnsureCollection(ctx context.Context, collection string, dimensions int) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if dimensions <= 0 {
		return fmt.Errorf("pgvector store: ensure %s: dimensions must be positive, got %d", collection, dimensions)
	}

	existing, err := s.collectionDimensions(ctx, collection)
	if err != nil {
		return fmt.Errorf("pgvector store: ensure %s: %w", collection, err)
	}
	if existing != 0 && existing != dimensions {
		s.logger.Warn("vector collection dimension changed, recreating (all points lost)",
			"collection", collection,
			"have", existing,
			"want", dimensions,
		)
		if _, err := s.pool.Exec(ctx, "DROP TABLE "+collection); err != nil {
			return fmt.Errorf("pgvector store: ensure %s: drop: %w", collection, err)
		}
	}

	if _, err := s.pool.Exec(ctx, ddl(collection, dimensions)); err != nil {
		return fmt.Errorf("pgvector store: ensure %s: %w", collection, err)
	}
	return nil
}

// collectionDimensions returns the vector dimension of the existing
// collection table, or 0 when the table does not exist.
func (s *Store) collectionDimensions(ctx context.Context, collection string) (int, error) {
	const q = `
		SELECT a.atttypmod
		FROM   pg_attribute a
		JOIN   pg_class c ON c.oid = a.attrelid
		WHERE  c.relname = $1
		  AND  a.attname = 'embedding'
		  AND  NOT a.attisdropped`

	var typmod int
	err := s.pool.QueryRow(ctx, q, collection).Scan(&typmod)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inspect dimensions: %w", err)
	}
	// pgvector stores the declared dimension directly in atttypmod.
	return typmod, nil
}

// Upsert implements vectorstore.Store. Points are written in a single
// transaction; either all succeed or none are stored.
func (s *Store) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, namespace, source, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    embedding = EXCLUDED.embedding,
		    namespace = EXCLUDED.namespace,
		    source    = EXCLUDED.source,
		    payload   = EXCLUDED.payload`, collection)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector store: upsert %s: begin: %w", collection, err)
	}
	defer tx.Rollback(ctx)

	for _, p := range points {
		payload := p.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		if _, err := tx.Exec(ctx, q, p.ID, pgv.NewVector(p.Vector), p.Namespace, p.Source, payload); err != nil {
			return fmt.Errorf("pgvector store: upsert %s: point %s: %w", collection, p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgvector store: upsert %s: commit: %w", collection, err)
	}
	return nil
}

// Scroll implements vectorstore.Store, enumerating point IDs in ascending
// order using keyset pagination on the primary key.
func (s *Store) Scroll(ctx context.Context, collection string, filter vectorstore.Filter, limit int, cursor uuid.UUID) ([]uuid.UUID, uuid.UUID, error) {
	if err := validCollection(collection); err != nil {
		return nil, uuid.Nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	args := []any{cursor}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"id > $1"}
	if filter.Namespace != "" {
		conditions = append(conditions, "namespace = "+next(filter.Namespace))
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = "+next(filter.Source))
	}

	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id
		FROM   %s
		WHERE  %s
		ORDER  BY id
		LIMIT  %s`, collection, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("pgvector store: scroll %s: %w", collection, err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("pgvector store: scroll %s: scan: %w", collection, err)
	}

	// A short page means the enumeration is complete.
	if len(ids) < limit {
		return ids, uuid.Nil, nil
	}
	return ids, ids[len(ids)-1], nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, collection string, ids []uuid.UUID) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	q := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", collection)
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("pgvector store: delete %s: %w", collection, err)
	}
	return nil
}

// Search implements vectorstore.Store. Results are ordered by ascending
// cosine distance; the returned Score is 1 − distance.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SearchResult, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	args := []any{pgv.NewVector(vector)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.Namespace != "" {
		conditions = append(conditions, "namespace = "+next(filter.Namespace))
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = "+next(filter.Source))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, payload,
		       embedding <=> $1 AS distance
		FROM   %s
		%s
		ORDER  BY distance
		LIMIT  %s`, collection, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: search %s: %w", collection, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.SearchResult, error) {
		var (
			r        vectorstore.SearchResult
			distance float64
		)
		if err := row.Scan(&r.ID, &r.Payload, &distance); err != nil {
			return vectorstore.SearchResult{}, err
		}
		r.Score = 1 - distance
		if text, ok := r.Payload["text"].(string); ok {
			r.Text = text
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector store: search %s: scan: %w", collection, err)
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return results, nil
}
