package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id         TEXT PRIMARY KEY,
	content        TEXT NOT NULL,
	version_vector JSONB NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS checkpoints (
	id         BIGSERIAL PRIMARY KEY,
	doc_id     TEXT NOT NULL,
	op_id      UUID NOT NULL,
	operation  JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (doc_id, op_id)
);
CREATE INDEX IF NOT EXISTS checkpoints_doc_idx ON checkpoints (doc_id, id);
`

// PostgresStore keeps snapshots and checkpoints in PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	var content string
	var rawVector []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content, version_vector FROM documents WHERE doc_id = $1`, docID,
	).Scan(&content, &rawVector)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	var vector ot.VersionVector
	if err := json.Unmarshal(rawVector, &vector); err != nil {
		return nil, fmt.Errorf("decode version vector for %s: %w", docID, err)
	}
	return &Snapshot{Text: content, Vector: vector}, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, snap *Snapshot) error {
	rawVector, err := json.Marshal(snap.Vector)
	if err != nil {
		return fmt.Errorf("encode version vector for %s: %w", docID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (doc_id, content, version_vector, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (doc_id) DO UPDATE
		SET content = EXCLUDED.content,
		    version_vector = EXCLUDED.version_vector,
		    updated_at = now()`,
		docID, snap.Text, rawVector)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) AppendCheckpoint(ctx context.Context, docID string, op *ot.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	// ON CONFLICT DO NOTHING keeps redelivered checkpoints idempotent.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (doc_id, op_id, operation)
		VALUES ($1, $2, $3)
		ON CONFLICT (doc_id, op_id) DO NOTHING`,
		docID, op.ID, raw)
	if err != nil {
		return fmt.Errorf("append checkpoint %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
