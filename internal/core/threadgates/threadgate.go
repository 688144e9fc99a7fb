// Package threadgates materializes app.bsky.feed.threadgate records, which
// restrict who may reply within a thread.
package threadgates

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("threadgate not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ThreadGate is upserted by PostURI: exactly one row per post.
// AllowListURIs may reference lists not yet indexed; that is tolerated as
// long as a pending repair entry exists to backfill them.
type ThreadGate struct {
	URI              string
	PostURI          string
	OwnerDID         string
	AllowMentions    bool
	AllowFollowing   bool
	AllowListMembers bool
	AllowListURIs    []string
}

// Repository persists thread gates, upserted by PostURI.
type Repository interface {
	// Upsert replaces the gate for g.PostURI entirely — a later record for
	// the same post overwrites the allow-rule set rather than merging it
	// (a followingRule gate later replaced by a listRule gate carries no
	// trace of the old rule).
	Upsert(ctx context.Context, gate *ThreadGate) error

	GetByPostURI(ctx context.Context, postURI string) (*ThreadGate, error)

	// DeleteByPostURI removes the gate for a post; a firehose delete of the
	// threadgate record reopens the thread to default reply rules.
	DeleteByPostURI(ctx context.Context, postURI string) error

	DeleteByOwner(ctx context.Context, ownerDID string) error
}
