package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/follows"
)

type followRepo struct {
	db *sql.DB
}

// NewFollowRepository creates a PostgreSQL-backed follows.Repository.
func NewFollowRepository(db *sql.DB) follows.Repository {
	return &followRepo{db: db}
}

func (r *followRepo) Upsert(ctx context.Context, follow *follows.Follow) error {
	query := `
		INSERT INTO follows (uri, actor_did, target_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (actor_did, target_did) DO UPDATE SET
			uri = EXCLUDED.uri, created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, follow.URI, follow.ActorDID, follow.TargetDID, follow.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert follow uri=%s: %w", follow.URI, err)
	}
	return nil
}

func (r *followRepo) GetByURI(ctx context.Context, uri string) (*follows.Follow, error) {
	f := &follows.Follow{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, actor_did, target_did, created_at, indexed_at FROM follows WHERE uri = $1`, uri).
		Scan(&f.URI, &f.ActorDID, &f.TargetDID, &f.CreatedAt, &f.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, follows.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get follow uri=%s: %w", uri, err)
	}
	return f, nil
}

func (r *followRepo) Exists(ctx context.Context, actorDID, targetDID string) (string, error) {
	var uri string
	err := r.db.QueryRowContext(ctx,
		`SELECT uri FROM follows WHERE actor_did = $1 AND target_did = $2`, actorDID, targetDID).Scan(&uri)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("follow exists actor=%s target=%s: %w", actorDID, targetDID, err)
	}
	return uri, nil
}

func (r *followRepo) CountFollowers(ctx context.Context, did string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE target_did = $1`, did).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count followers did=%s: %w", did, err)
	}
	return count, nil
}

func (r *followRepo) CountFollowing(ctx context.Context, did string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE actor_did = $1`, did).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count following did=%s: %w", did, err)
	}
	return count, nil
}

func (r *followRepo) Delete(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM follows WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete follow uri=%s: %w", uri, err)
	}
	return nil
}

func (r *followRepo) DeleteByActor(ctx context.Context, actorDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM follows WHERE actor_did = $1`, actorDID); err != nil {
		return fmt.Errorf("delete follows actor=%s: %w", actorDID, err)
	}
	return nil
}
