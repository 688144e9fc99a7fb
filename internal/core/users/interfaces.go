package users

import "context"

// Repository defines the interface for user data persistence.
type Repository interface {
	// Create inserts a new user row.
	Create(ctx context.Context, user *User) (*User, error)

	GetByDID(ctx context.Context, did string) (*User, error)
	GetByHandle(ctx context.Context, handle string) (*User, error)

	// GetByDIDs retrieves multiple users in one query. Missing users are
	// simply absent from the result map; no error is returned for them.
	GetByDIDs(ctx context.Context, dids []string) (map[string]*User, error)

	// UpsertPlaceholder materializes a user row if one doesn't already
	// exist, without overwriting an existing row's handle or profile.
	// Returns the resulting row either way. This is the entry point for
	// "create lazily on first reference" (spec data model, Lifecycle).
	UpsertPlaceholder(ctx context.Context, did, pdsURL string) (*User, error)

	// UpdateHandle sets a user's handle (from an #identity event).
	UpdateHandle(ctx context.Context, did, newHandle string) (*User, error)

	// UpdateStatus sets a user's account lifecycle status (from an
	// #account event).
	UpdateStatus(ctx context.Context, did string, status AccountStatus) error

	// ApplyProfile enriches a (possibly placeholder) user row with fields
	// extracted from an indexed profile record, clearing the placeholder
	// flag.
	ApplyProfile(ctx context.Context, did string, update ProfileUpdate) (*User, error)

	// Delete removes a user row and cascades to the rows the DID authored
	// or owns; list items are not removed.
	// Used by the user-initiated "delete all my data" path.
	Delete(ctx context.Context, did string) error
}

// Service defines user-materialization business logic consumed by the
// event processor and the repair worker.
type Service interface {
	GetByDID(ctx context.Context, did string) (*User, error)
	GetByHandle(ctx context.Context, handle string) (*User, error)
	GetByDIDs(ctx context.Context, dids []string) (map[string]*User, error)

	// EnsurePlaceholder materializes a user row for a DID that something
	// else referenced (a like's actor, a follow's target, a reply's
	// author) without itself being indexed yet.
	EnsurePlaceholder(ctx context.Context, did, pdsURL string) (*User, error)

	UpdateHandle(ctx context.Context, did, newHandle string) (*User, error)
	UpdateStatus(ctx context.Context, did string, status AccountStatus) error
	ApplyProfile(ctx context.Context, did string, update ProfileUpdate) (*User, error)

	DeleteAccount(ctx context.Context, did string) error
}
