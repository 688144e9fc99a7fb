package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"driftnet/internal/core/users"

	"github.com/lib/pq"
)

type userRepo struct {
	db *sql.DB
}

// NewUserRepository creates a PostgreSQL-backed users.Repository.
func NewUserRepository(db *sql.DB) users.Repository {
	return &userRepo{db: db}
}

const userColumns = `did, handle, pds_url, status, placeholder, created_at, updated_at,
	display_name, description, avatar_cid, banner_cid, pinned_post_uri, profile_indexed`

func scanUser(row interface{ Scan(...interface{}) error }) (*users.User, error) {
	u := &users.User{}
	var displayName, description, avatarCID, bannerCID, pinnedPostURI sql.NullString
	err := row.Scan(&u.DID, &u.Handle, &u.PDSURL, &u.Status, &u.Placeholder, &u.CreatedAt, &u.UpdatedAt,
		&displayName, &description, &avatarCID, &bannerCID, &pinnedPostURI, &u.ProfileIndexed)
	if err != nil {
		return nil, err
	}
	if displayName.Valid {
		u.DisplayName = &displayName.String
	}
	if description.Valid {
		u.Description = &description.String
	}
	if avatarCID.Valid {
		u.AvatarCID = &avatarCID.String
	}
	if bannerCID.Valid {
		u.BannerCID = &bannerCID.String
	}
	if pinnedPostURI.Valid {
		u.PinnedPostURI = &pinnedPostURI.String
	}
	return u, nil
}

func (r *userRepo) Create(ctx context.Context, user *users.User) (*users.User, error) {
	query := `
		INSERT INTO users (did, handle, pds_url, status, placeholder)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query, user.DID, user.Handle, user.PDSURL, user.Status, user.Placeholder)
	created, err := scanUser(row)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, users.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create user did=%s: %w", user.DID, err)
	}
	return created, nil
}

func (r *userRepo) GetByDID(ctx context.Context, did string) (*users.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE did = $1`
	row := r.db.QueryRowContext(ctx, query, did)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user did=%s: %w", did, err)
	}
	return u, nil
}

func (r *userRepo) GetByHandle(ctx context.Context, handle string) (*users.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE handle = $1`
	row := r.db.QueryRowContext(ctx, query, handle)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user handle=%s: %w", handle, err)
	}
	return u, nil
}

const maxBatchSize = 1000

func (r *userRepo) GetByDIDs(ctx context.Context, dids []string) (map[string]*users.User, error) {
	if len(dids) == 0 {
		return map[string]*users.User{}, nil
	}
	if len(dids) > maxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds maximum %d", len(dids), maxBatchSize)
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE did = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(dids))
	if err != nil {
		return nil, fmt.Errorf("query users by dids: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Warn("failed to close rows", slog.String("error", cerr.Error()))
		}
	}()

	result := make(map[string]*users.User, len(dids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		result[u.DID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return result, nil
}

// UpsertPlaceholder inserts a placeholder row if none exists for did; if a
// row already exists (placeholder or materialized) it is returned
// untouched. ON CONFLICT DO NOTHING + a follow-up SELECT keeps this a
// single round trip in the common case and two in the race case.
func (r *userRepo) UpsertPlaceholder(ctx context.Context, did, pdsURL string) (*users.User, error) {
	query := `
		INSERT INTO users (did, handle, pds_url, status, placeholder)
		VALUES ($1, $1, $2, $3, true)
		ON CONFLICT (did) DO NOTHING
		RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query, did, pdsURL, users.AccountActive)
	u, err := scanUser(row)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("upsert placeholder did=%s: %w", did, err)
	}
	return r.GetByDID(ctx, did)
}

func (r *userRepo) UpdateHandle(ctx context.Context, did, newHandle string) (*users.User, error) {
	query := `
		UPDATE users SET handle = $2, updated_at = NOW()
		WHERE did = $1
		RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query, did, newHandle)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update handle did=%s: %w", did, err)
	}
	return u, nil
}

func (r *userRepo) UpdateStatus(ctx context.Context, did string, status users.AccountStatus) error {
	result, err := r.db.ExecContext(ctx, `UPDATE users SET status = $2, updated_at = NOW() WHERE did = $1`, did, status)
	if err != nil {
		return fmt.Errorf("update status did=%s: %w", did, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected did=%s: %w", did, err)
	}
	if affected == 0 {
		return users.ErrUserNotFound
	}
	return nil
}

func (r *userRepo) ApplyProfile(ctx context.Context, did string, update users.ProfileUpdate) (*users.User, error) {
	query := `
		UPDATE users SET
			display_name = $2, description = $3, avatar_cid = $4, banner_cid = $5,
			pinned_post_uri = $6, profile_indexed = true, placeholder = false, updated_at = NOW()
		WHERE did = $1
		RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query, did,
		update.DisplayName, update.Description, update.AvatarCID, update.BannerCID, update.PinnedPostURI)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply profile did=%s: %w", did, err)
	}
	return u, nil
}

// Delete removes a user row. ON DELETE CASCADE foreign keys (posts, likes,
// reposts, follows, blocks, lists, threadgates, starter packs, labeler
// services, OAuth sessions — see internal/db/migrations) take care of
// cascading cleanup in one statement. list_items rows have no foreign key
// to users and are not removed.
func (r *userRepo) Delete(ctx context.Context, did string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE did = $1`, did)
	if err != nil {
		return fmt.Errorf("delete user did=%s: %w", did, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected did=%s: %w", did, err)
	}
	if affected == 0 {
		return users.ErrUserNotFound
	}
	return nil
}
