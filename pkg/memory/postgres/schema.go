package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddl returns the dialog-turn DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS dialog_turns (
    id          TEXT         PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    session_id  TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dialog_turns_device_created
    ON dialog_turns (device_id, created_at);

CREATE INDEX IF NOT EXISTS idx_dialog_turns_embedding
    ON dialog_turns USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the required table, indexes, and the pgvector
// extension exist. It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g. 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
