// Package postgres provides a PostgreSQL-backed implementation of the dialog
// memory store. The pgvector extension must be available in the target
// database; [Migrate] installs it automatically via CREATE EXTENSION IF NOT
// EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.AppendTurn(ctx, turn)
//	window, _ := store.Recent(ctx, deviceID, 20)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/jmallek/edgevox/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed dialog memory store. All operations are
// safe for concurrent use; the pool handles connection management.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g. 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so the embedding
	// column scans into and inserts from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AppendTurn implements memory.Store.
func (s *Store) AppendTurn(ctx context.Context, turn memory.Turn) error {
	if turn.DeviceID == "" {
		return fmt.Errorf("postgres store: turn.DeviceID must not be empty")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	var embedding any
	if turn.Embedding != nil {
		embedding = pgvector.NewVector(turn.Embedding)
	}

	const q = `
INSERT INTO dialog_turns (id, device_id, session_id, role, speaker, content, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    device_id  = EXCLUDED.device_id,
    session_id = EXCLUDED.session_id,
    role       = EXCLUDED.role,
    speaker    = EXCLUDED.speaker,
    content    = EXCLUDED.content,
    embedding  = EXCLUDED.embedding`

	_, err := s.pool.Exec(ctx, q,
		turn.ID, turn.DeviceID, turn.SessionID, turn.Role, turn.Speaker,
		turn.Content, embedding, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// Recent implements memory.Store. The newest limit turns are fetched and
// returned oldest-first, ready for prompt assembly.
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
SELECT id, device_id, session_id, role, speaker, content, created_at
FROM dialog_turns
WHERE device_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

	rows, err := s.pool.Query(ctx, q, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	defer rows.Close()

	turns := []memory.Turn{}
	for rows.Next() {
		var t memory.Turn
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.SessionID, &t.Role, &t.Speaker, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: recent scan: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: recent rows: %w", err)
	}

	// Reverse newest-first to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SearchSimilar implements memory.Store using pgvector cosine distance.
func (s *Store) SearchSimilar(ctx context.Context, deviceID string, embedding []float32, topK int) ([]memory.SimilarTurn, error) {
	if topK <= 0 {
		topK = 5
	}

	const q = `
SELECT id, device_id, session_id, role, speaker, content, created_at,
       embedding <=> $2 AS distance
FROM dialog_turns
WHERE device_id = $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2
LIMIT $3`

	rows, err := s.pool.Query(ctx, q, deviceID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search similar: %w", err)
	}
	defer rows.Close()

	results := []memory.SimilarTurn{}
	for rows.Next() {
		var r memory.SimilarTurn
		t := &r.Turn
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.SessionID, &t.Role, &t.Speaker, &t.Content, &t.CreatedAt, &r.Distance); err != nil {
			return nil, fmt.Errorf("postgres store: search similar scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: search similar rows: %w", err)
	}
	return results, nil
}
