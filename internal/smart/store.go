package smart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"mcphub/pkg/logging"
)

// ContentTypeTool is the content type under which tool embeddings live.
const ContentTypeTool = "tool"

// PlaceholderSimilarity marks hits returned in degraded mode, where the
// database could not rank by cosine distance.
const PlaceholderSimilarity = -1.0

// Record is one embedded document.
type Record struct {
	ContentType string
	ContentID   string
	Text        string
	TextHash    string
	Embedding   []float32
	Model       string
	Metadata    map[string]string
}

// SearchHit is one row returned by a similarity search.
type SearchHit struct {
	ContentID  string
	Text       string
	Similarity float64
}

// Store is the persistence contract the index works against.
type Store interface {
	// Hashes returns content-id to text-hash for every stored row of the
	// content type; the index uses it to skip unchanged rows.
	Hashes(ctx context.Context, contentType string) (map[string]string, error)

	// Upsert inserts or replaces one record, keyed by (type, id).
	Upsert(ctx context.Context, rec Record) error

	// DeleteOthers removes rows of the content type whose IDs are not in
	// keep. An empty keep removes every row of the type.
	DeleteOthers(ctx context.Context, contentType string, keep []string) error

	// Search returns up to limit rows ranked by cosine similarity to the
	// embedding, best first. The bool reports degraded mode: the store
	// could not rank and returned placeholder similarities instead.
	Search(ctx context.Context, embedding []float32, contentType string, limit int) ([]SearchHit, bool, error)

	// Close releases the store's resources.
	Close()
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL with the pgvector
// extension.
type PostgresStore struct {
	pool *pgxpool.Pool

	degradedOnce sync.Once
}

// ddl returns the schema with the embedding dimension substituted; the
// dimension is baked into the column type at creation time.
func ddl(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_embeddings (
    id           BIGSERIAL    PRIMARY KEY,
    content_type TEXT         NOT NULL,
    content_id   TEXT         NOT NULL,
    text_content TEXT         NOT NULL,
    text_hash    TEXT         NOT NULL DEFAULT '',
    embedding    vector(%d),
    dimensions   INT          NOT NULL,
    model        TEXT         NOT NULL DEFAULT '',
    metadata     JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (content_type, content_id)
);

CREATE INDEX IF NOT EXISTS idx_vector_embeddings_content_type
    ON vector_embeddings (content_type);

CREATE INDEX IF NOT EXISTS idx_vector_embeddings_embedding
    ON vector_embeddings USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// NewPostgresStore connects to the database at dsn, registers the pgvector
// types on every connection and runs the idempotent migration. dims must
// match the embedding model's output dimension; changing it after the
// first migration requires a manual schema change.
func NewPostgresStore(ctx context.Context, dsn string, dims int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vector store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vector store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl(dims)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector store: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Hashes implements Store.
func (s *PostgresStore) Hashes(ctx context.Context, contentType string) (map[string]string, error) {
	const q = `SELECT content_id, text_hash FROM vector_embeddings WHERE content_type = $1`

	rows, err := s.pool.Query(ctx, q, contentType)
	if err != nil {
		return nil, fmt.Errorf("vector store: load hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("vector store: scan hash row: %w", err)
		}
		hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector store: load hashes: %w", err)
	}
	return hashes, nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO vector_embeddings
		    (content_type, content_id, text_content, text_hash, embedding, dimensions, model, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (content_type, content_id) DO UPDATE SET
		    text_content = EXCLUDED.text_content,
		    text_hash    = EXCLUDED.text_hash,
		    embedding    = EXCLUDED.embedding,
		    dimensions   = EXCLUDED.dimensions,
		    model        = EXCLUDED.model,
		    metadata     = EXCLUDED.metadata,
		    updated_at   = now()`

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, q,
		rec.ContentType, rec.ContentID, rec.Text, rec.TextHash,
		pgvector.NewVector(rec.Embedding), len(rec.Embedding), rec.Model, metadata)
	if err != nil {
		return fmt.Errorf("vector store: upsert %s %s: %w", rec.ContentType, rec.ContentID, err)
	}
	return nil
}

// DeleteOthers implements Store.
func (s *PostgresStore) DeleteOthers(ctx context.Context, contentType string, keep []string) error {
	if keep == nil {
		keep = []string{}
	}
	const q = `DELETE FROM vector_embeddings WHERE content_type = $1 AND NOT (content_id = ANY($2))`

	if _, err := s.pool.Exec(ctx, q, contentType, keep); err != nil {
		return fmt.Errorf("vector store: prune %s rows: %w", contentType, err)
	}
	return nil
}

// Search implements Store.
func (s *PostgresStore) Search(ctx context.Context, embedding []float32, contentType string, limit int) ([]SearchHit, bool, error) {
	const q = `
		SELECT content_id, text_content, embedding <=> $1 AS distance
		FROM   vector_embeddings
		WHERE  content_type = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), contentType, limit)
	if err == nil {
		var hits []SearchHit
		hits, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchHit, error) {
			var hit SearchHit
			var distance float64
			if err := row.Scan(&hit.ContentID, &hit.Text, &distance); err != nil {
				return SearchHit{}, err
			}
			hit.Similarity = 1 - distance
			return hit, nil
		})
		if err == nil {
			return hits, false, nil
		}
	}

	if !isVectorOperatorError(err) {
		return nil, false, fmt.Errorf("vector store: search: %w", err)
	}
	return s.searchDegraded(ctx, contentType, limit)
}

// searchDegraded is the fallback when the database cannot rank by cosine
// distance: a plain content-type scan with placeholder similarities.
func (s *PostgresStore) searchDegraded(ctx context.Context, contentType string, limit int) ([]SearchHit, bool, error) {
	s.degradedOnce.Do(func() {
		logging.Warn("SmartRouting", "Database rejected the <=> operator, returning unranked results with placeholder similarity")
	})

	const q = `
		SELECT content_id, text_content
		FROM   vector_embeddings
		WHERE  content_type = $1
		ORDER  BY content_id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, contentType, limit)
	if err != nil {
		return nil, true, fmt.Errorf("vector store: degraded search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchHit, error) {
		hit := SearchHit{Similarity: PlaceholderSimilarity}
		if err := row.Scan(&hit.ContentID, &hit.Text); err != nil {
			return SearchHit{}, err
		}
		return hit, nil
	})
	if err != nil {
		return nil, true, fmt.Errorf("vector store: degraded search: %w", err)
	}
	return hits, true, nil
}

// isVectorOperatorError matches what PostgreSQL reports when the pgvector
// operators are missing: undefined function (42883) or undefined object
// (42704).
func isVectorOperatorError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42883" || pgErr.Code == "42704"
	}
	return strings.Contains(err.Error(), "operator does not exist")
}
