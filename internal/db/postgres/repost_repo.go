package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/reposts"
)

type repostRepo struct {
	db *sql.DB
}

// NewRepostRepository creates a PostgreSQL-backed reposts.Repository.
func NewRepostRepository(db *sql.DB) reposts.Repository {
	return &repostRepo{db: db}
}

func (r *repostRepo) Upsert(ctx context.Context, repost *reposts.Repost) error {
	query := `
		INSERT INTO reposts (uri, actor_did, subject_uri, subject_cid, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (actor_did, subject_uri) DO UPDATE SET
			uri = EXCLUDED.uri, subject_cid = EXCLUDED.subject_cid,
			created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, repost.URI, repost.ActorDID, repost.SubjectURI, repost.SubjectCID, repost.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert repost uri=%s: %w", repost.URI, err)
	}
	return nil
}

func (r *repostRepo) GetByURI(ctx context.Context, uri string) (*reposts.Repost, error) {
	rp := &reposts.Repost{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, actor_did, subject_uri, subject_cid, created_at, indexed_at FROM reposts WHERE uri = $1`, uri).
		Scan(&rp.URI, &rp.ActorDID, &rp.SubjectURI, &rp.SubjectCID, &rp.CreatedAt, &rp.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, reposts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repost uri=%s: %w", uri, err)
	}
	return rp, nil
}

func (r *repostRepo) CountForSubject(ctx context.Context, subjectURI string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reposts WHERE subject_uri = $1`, subjectURI).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reposts subject=%s: %w", subjectURI, err)
	}
	return count, nil
}

func (r *repostRepo) ViewerRepost(ctx context.Context, viewerDID, subjectURI string) (string, error) {
	var uri string
	err := r.db.QueryRowContext(ctx,
		`SELECT uri FROM reposts WHERE actor_did = $1 AND subject_uri = $2`, viewerDID, subjectURI).Scan(&uri)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("viewer repost actor=%s subject=%s: %w", viewerDID, subjectURI, err)
	}
	return uri, nil
}

func (r *repostRepo) Delete(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reposts WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete repost uri=%s: %w", uri, err)
	}
	return nil
}

func (r *repostRepo) DeleteByActor(ctx context.Context, actorDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reposts WHERE actor_did = $1`, actorDID); err != nil {
		return fmt.Errorf("delete reposts actor=%s: %w", actorDID, err)
	}
	return nil
}
