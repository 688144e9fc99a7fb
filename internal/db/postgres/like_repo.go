package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/likes"
)

type likeRepo struct {
	db *sql.DB
}

// NewLikeRepository creates a PostgreSQL-backed likes.Repository.
func NewLikeRepository(db *sql.DB) likes.Repository {
	return &likeRepo{db: db}
}

// Upsert enforces the one-like-per-(actor,subject) invariant via an ON
// CONFLICT on that pair; a later like record with a different own URI
// replaces the earlier one, mirroring the PDS-side behavior where a user's
// client deletes-then-recreates a like record.
func (r *likeRepo) Upsert(ctx context.Context, like *likes.Like) error {
	query := `
		INSERT INTO likes (uri, actor_did, subject_uri, subject_cid, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (actor_did, subject_uri) DO UPDATE SET
			uri = EXCLUDED.uri, subject_cid = EXCLUDED.subject_cid,
			created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, like.URI, like.ActorDID, like.SubjectURI, like.SubjectCID, like.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert like uri=%s: %w", like.URI, err)
	}
	return nil
}

func (r *likeRepo) GetByURI(ctx context.Context, uri string) (*likes.Like, error) {
	l := &likes.Like{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, actor_did, subject_uri, subject_cid, created_at, indexed_at FROM likes WHERE uri = $1`, uri).
		Scan(&l.URI, &l.ActorDID, &l.SubjectURI, &l.SubjectCID, &l.CreatedAt, &l.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, likes.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get like uri=%s: %w", uri, err)
	}
	return l, nil
}

func (r *likeRepo) CountForSubject(ctx context.Context, subjectURI string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM likes WHERE subject_uri = $1`, subjectURI).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count likes subject=%s: %w", subjectURI, err)
	}
	return count, nil
}

func (r *likeRepo) ViewerLike(ctx context.Context, viewerDID, subjectURI string) (string, error) {
	var uri string
	err := r.db.QueryRowContext(ctx,
		`SELECT uri FROM likes WHERE actor_did = $1 AND subject_uri = $2`, viewerDID, subjectURI).Scan(&uri)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("viewer like actor=%s subject=%s: %w", viewerDID, subjectURI, err)
	}
	return uri, nil
}

func (r *likeRepo) Delete(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM likes WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete like uri=%s: %w", uri, err)
	}
	return nil
}

func (r *likeRepo) DeleteByActor(ctx context.Context, actorDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM likes WHERE actor_did = $1`, actorDID); err != nil {
		return fmt.Errorf("delete likes actor=%s: %w", actorDID, err)
	}
	return nil
}
