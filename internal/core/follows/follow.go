// Package follows materializes app.bsky.graph.follow records and backs the
// social graph queries (followers/following, viewer-relationship hydration).
package follows

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("follow not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Follow records one directed edge. For every Follow(a,b),
// a != b, and at most one row exists per ordered pair.
type Follow struct {
	URI       string
	ActorDID  string
	TargetDID string
	CreatedAt time.Time
	IndexedAt time.Time
}

// ValidateInvariants rejects self-follows.
func (f *Follow) ValidateInvariants() error {
	if f.ActorDID == f.TargetDID {
		return fmt.Errorf("follow %s: actor cannot follow itself", f.URI)
	}
	return nil
}

type Repository interface {
	// Upsert inserts or overwrites the edge for (ActorDID, TargetDID).
	Upsert(ctx context.Context, follow *Follow) error

	GetByURI(ctx context.Context, uri string) (*Follow, error)

	// Exists reports whether actor follows target, for viewer-relationship
	// hydration ("viewer.following").
	Exists(ctx context.Context, actorDID, targetDID string) (string, error)

	CountFollowers(ctx context.Context, did string) (int64, error)
	CountFollowing(ctx context.Context, did string) (int64, error)

	Delete(ctx context.Context, uri string) error
	DeleteByActor(ctx context.Context, actorDID string) error
}
