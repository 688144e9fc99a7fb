package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/threadgates"

	"github.com/lib/pq"
)

type threadgateRepo struct {
	db *sql.DB
}

// NewThreadGateRepository creates a PostgreSQL-backed threadgates.Repository.
func NewThreadGateRepository(db *sql.DB) threadgates.Repository {
	return &threadgateRepo{db: db}
}

// Upsert replaces the gate for g.PostURI wholesale: the ON CONFLICT SET
// clause overwrites every allow-rule column, matching this package's
// upsert-replaces-not-merges convention.
func (r *threadgateRepo) Upsert(ctx context.Context, gate *threadgates.ThreadGate) error {
	query := `
		INSERT INTO threadgates (uri, post_uri, owner_did, allow_mentions, allow_following, allow_list_members, allow_list_uris)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (post_uri) DO UPDATE SET
			uri = EXCLUDED.uri, allow_mentions = EXCLUDED.allow_mentions,
			allow_following = EXCLUDED.allow_following, allow_list_members = EXCLUDED.allow_list_members,
			allow_list_uris = EXCLUDED.allow_list_uris`

	_, err := r.db.ExecContext(ctx, query, gate.URI, gate.PostURI, gate.OwnerDID,
		gate.AllowMentions, gate.AllowFollowing, gate.AllowListMembers, pq.Array(gate.AllowListURIs))
	if err != nil {
		return fmt.Errorf("upsert threadgate post=%s: %w", gate.PostURI, err)
	}
	return nil
}

func (r *threadgateRepo) GetByPostURI(ctx context.Context, postURI string) (*threadgates.ThreadGate, error) {
	g := &threadgates.ThreadGate{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, post_uri, owner_did, allow_mentions, allow_following, allow_list_members, allow_list_uris
			FROM threadgates WHERE post_uri = $1`, postURI).
		Scan(&g.URI, &g.PostURI, &g.OwnerDID, &g.AllowMentions, &g.AllowFollowing, &g.AllowListMembers, pq.Array(&g.AllowListURIs))
	if err == sql.ErrNoRows {
		return nil, threadgates.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get threadgate post=%s: %w", postURI, err)
	}
	return g, nil
}

func (r *threadgateRepo) DeleteByPostURI(ctx context.Context, postURI string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM threadgates WHERE post_uri = $1`, postURI); err != nil {
		return fmt.Errorf("delete threadgate post=%s: %w", postURI, err)
	}
	return nil
}

func (r *threadgateRepo) DeleteByOwner(ctx context.Context, ownerDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM threadgates WHERE owner_did = $1`, ownerDID); err != nil {
		return fmt.Errorf("delete threadgates owner=%s: %w", ownerDID, err)
	}
	return nil
}
