package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/blocks"
)

type blockRepo struct {
	db *sql.DB
}

// NewBlockRepository creates a PostgreSQL-backed blocks.Repository.
func NewBlockRepository(db *sql.DB) blocks.Repository {
	return &blockRepo{db: db}
}

func (r *blockRepo) Upsert(ctx context.Context, block *blocks.Block) error {
	query := `
		INSERT INTO blocks (uri, actor_did, target_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (actor_did, target_did) DO UPDATE SET
			uri = EXCLUDED.uri, created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, block.URI, block.ActorDID, block.TargetDID, block.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert block uri=%s: %w", block.URI, err)
	}
	return nil
}

func (r *blockRepo) GetByURI(ctx context.Context, uri string) (*blocks.Block, error) {
	b := &blocks.Block{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, actor_did, target_did, created_at, indexed_at FROM blocks WHERE uri = $1`, uri).
		Scan(&b.URI, &b.ActorDID, &b.TargetDID, &b.CreatedAt, &b.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, blocks.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block uri=%s: %w", uri, err)
	}
	return b, nil
}

func (r *blockRepo) Exists(ctx context.Context, actorDID, targetDID string) (string, error) {
	var uri string
	err := r.db.QueryRowContext(ctx,
		`SELECT uri FROM blocks WHERE actor_did = $1 AND target_did = $2`, actorDID, targetDID).Scan(&uri)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("block exists actor=%s target=%s: %w", actorDID, targetDID, err)
	}
	return uri, nil
}

func (r *blockRepo) ExistsEitherDirection(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blocks WHERE (actor_did = $1 AND target_did = $2) OR (actor_did = $2 AND target_did = $1))`,
		a, b).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("block exists either direction %s/%s: %w", a, b, err)
	}
	return exists, nil
}

func (r *blockRepo) Delete(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocks WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete block uri=%s: %w", uri, err)
	}
	return nil
}

func (r *blockRepo) DeleteByActor(ctx context.Context, actorDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocks WHERE actor_did = $1`, actorDID); err != nil {
		return fmt.Errorf("delete blocks actor=%s: %w", actorDID, err)
	}
	return nil
}
