package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/posts"

	"github.com/lib/pq"
)

type postRepo struct {
	db *sql.DB
}

// NewPostRepository creates a PostgreSQL-backed posts.Repository.
func NewPostRepository(db *sql.DB) posts.Repository {
	return &postRepo{db: db}
}

func (r *postRepo) Upsert(ctx context.Context, post *posts.Post) error {
	var parentURI, parentCID, rootURI, rootCID sql.NullString
	if post.Parent != nil {
		parentURI, parentCID = sql.NullString{String: post.Parent.URI, Valid: true}, sql.NullString{String: post.Parent.CID, Valid: true}
	}
	if post.Root != nil {
		rootURI, rootCID = sql.NullString{String: post.Root.URI, Valid: true}, sql.NullString{String: post.Root.CID, Valid: true}
	}

	query := `
		INSERT INTO posts (uri, cid, author_did, text, parent_uri, parent_cid, root_uri, root_cid, embed, langs, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (uri) DO UPDATE SET
			cid = EXCLUDED.cid, text = EXCLUDED.text,
			parent_uri = EXCLUDED.parent_uri, parent_cid = EXCLUDED.parent_cid,
			root_uri = EXCLUDED.root_uri, root_cid = EXCLUDED.root_cid,
			embed = EXCLUDED.embed, langs = EXCLUDED.langs,
			created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, post.URI, post.CID, post.AuthorDID, post.Text,
		parentURI, parentCID, rootURI, rootCID, post.Embed, pq.Array(post.Langs), post.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert post uri=%s: %w", post.URI, err)
	}
	return nil
}

func (r *postRepo) GetByURI(ctx context.Context, uri string) (*posts.Post, error) {
	query := `SELECT uri, cid, author_did, text, parent_uri, parent_cid, root_uri, root_cid, embed, langs, created_at, indexed_at
		FROM posts WHERE uri = $1`

	p := &posts.Post{}
	var parentURI, parentCID, rootURI, rootCID, embed sql.NullString
	err := r.db.QueryRowContext(ctx, query, uri).Scan(
		&p.URI, &p.CID, &p.AuthorDID, &p.Text, &parentURI, &parentCID, &rootURI, &rootCID,
		&embed, pq.Array(&p.Langs), &p.CreatedAt, &p.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, posts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post uri=%s: %w", uri, err)
	}
	if parentURI.Valid {
		p.Parent = &posts.ReplyRef{URI: parentURI.String, CID: parentCID.String}
	}
	if rootURI.Valid {
		p.Root = &posts.ReplyRef{URI: rootURI.String, CID: rootCID.String}
	}
	if embed.Valid {
		p.Embed = &embed.String
	}
	return p, nil
}

func (r *postRepo) Exists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM posts WHERE uri = $1)`, uri).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check post exists uri=%s: %w", uri, err)
	}
	return exists, nil
}

func (r *postRepo) Delete(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete post uri=%s: %w", uri, err)
	}
	return nil
}

func (r *postRepo) DeleteByAuthor(ctx context.Context, authorDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE author_did = $1`, authorDID); err != nil {
		return fmt.Errorf("delete posts author=%s: %w", authorDID, err)
	}
	return nil
}
