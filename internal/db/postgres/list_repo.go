package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"driftnet/internal/core/lists"
)

type listRepo struct {
	db *sql.DB
}

// NewListRepository creates a PostgreSQL-backed lists.Repository.
func NewListRepository(db *sql.DB) lists.Repository {
	return &listRepo{db: db}
}

func (r *listRepo) Upsert(ctx context.Context, list *lists.List) error {
	query := `
		INSERT INTO lists (uri, owner_did, name, purpose, description, avatar_cid, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (uri) DO UPDATE SET
			name = EXCLUDED.name, purpose = EXCLUDED.purpose, description = EXCLUDED.description,
			avatar_cid = EXCLUDED.avatar_cid, created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, list.URI, list.OwnerDID, list.Name, list.Purpose,
		list.Description, list.AvatarCID, list.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert list uri=%s: %w", list.URI, err)
	}
	return nil
}

func (r *listRepo) GetByURI(ctx context.Context, uri string) (*lists.List, error) {
	l := &lists.List{}
	var description, avatarCID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, owner_did, name, purpose, description, avatar_cid, created_at, indexed_at FROM lists WHERE uri = $1`, uri).
		Scan(&l.URI, &l.OwnerDID, &l.Name, &l.Purpose, &description, &avatarCID, &l.CreatedAt, &l.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, lists.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get list uri=%s: %w", uri, err)
	}
	if description.Valid {
		l.Description = &description.String
	}
	if avatarCID.Valid {
		l.AvatarCID = &avatarCID.String
	}
	return l, nil
}

func (r *listRepo) Delete(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM lists WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete list uri=%s: %w", uri, err)
	}
	return nil
}

func (r *listRepo) DeleteByOwner(ctx context.Context, ownerDID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM lists WHERE owner_did = $1`, ownerDID); err != nil {
		return fmt.Errorf("delete lists owner=%s: %w", ownerDID, err)
	}
	return nil
}

// UpsertItem stores a membership tuple even when ListURI does not yet
// reference an indexed list row (pending-on-dependency: list_uri carries
// no foreign key — see internal/db/migrations — so the item is stored, and
// IsMember/ListMembers resolve once the list backfills).
func (r *listRepo) UpsertItem(ctx context.Context, item *lists.Item) error {
	query := `
		INSERT INTO list_items (uri, list_uri, subject_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (uri) DO UPDATE SET
			list_uri = EXCLUDED.list_uri, subject_did = EXCLUDED.subject_did,
			created_at = EXCLUDED.created_at, indexed_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, item.URI, item.ListURI, item.SubjectDID, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert list item uri=%s: %w", item.URI, err)
	}
	return nil
}

func (r *listRepo) GetItemByURI(ctx context.Context, uri string) (*lists.Item, error) {
	i := &lists.Item{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, list_uri, subject_did, created_at, indexed_at FROM list_items WHERE uri = $1`, uri).
		Scan(&i.URI, &i.ListURI, &i.SubjectDID, &i.CreatedAt, &i.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, lists.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get list item uri=%s: %w", uri, err)
	}
	return i, nil
}

func (r *listRepo) DeleteItem(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM list_items WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete list item uri=%s: %w", uri, err)
	}
	return nil
}

func (r *listRepo) DeleteItemsByList(ctx context.Context, listURI string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM list_items WHERE list_uri = $1`, listURI); err != nil {
		return fmt.Errorf("delete list items list=%s: %w", listURI, err)
	}
	return nil
}

func (r *listRepo) IsMember(ctx context.Context, listURI, subjectDID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM list_items WHERE list_uri = $1 AND subject_did = $2)`, listURI, subjectDID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member list=%s subject=%s: %w", listURI, subjectDID, err)
	}
	return exists, nil
}

func (r *listRepo) ListMembers(ctx context.Context, listURI string) ([]*lists.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uri, list_uri, subject_did, created_at, indexed_at FROM list_items WHERE list_uri = $1 ORDER BY created_at`, listURI)
	if err != nil {
		return nil, fmt.Errorf("list members list=%s: %w", listURI, err)
	}
	defer rows.Close()

	var items []*lists.Item
	for rows.Next() {
		i := &lists.Item{}
		if err := rows.Scan(&i.URI, &i.ListURI, &i.SubjectDID, &i.CreatedAt, &i.IndexedAt); err != nil {
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
