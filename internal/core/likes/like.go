// Package likes materializes app.bsky.feed.like records.
package likes

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a like lookup finds no matching record.
var ErrNotFound = errors.New("like not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Like records one actor liking one subject. Uniqueness is on the
// (ActorDID, SubjectURI) pair: a second like record from the same actor
// for the same subject overwrites rather than duplicates.
type Like struct {
	URI        string
	ActorDID   string
	SubjectURI string
	SubjectCID string
	CreatedAt  time.Time
	IndexedAt  time.Time
}

// Repository persists likes.
type Repository interface {
	// Upsert inserts or overwrites the row for (ActorDID, SubjectURI),
	// keyed internally by the like's own URI for deletion lookups.
	Upsert(ctx context.Context, like *Like) error

	// GetByURI is used when a firehose delete only carries the like's own
	// AT-URI, not the (actor, subject) pair.
	GetByURI(ctx context.Context, uri string) (*Like, error)

	// CountForSubject returns the total like count on a subject, used by
	// view assembly.
	CountForSubject(ctx context.Context, subjectURI string) (int64, error)

	// ViewerLike returns the viewer's own like URI on a subject, if any,
	// for view hydration ("did I like this").
	ViewerLike(ctx context.Context, viewerDID, subjectURI string) (string, error)

	Delete(ctx context.Context, uri string) error
	DeleteByActor(ctx context.Context, actorDID string) error
}
