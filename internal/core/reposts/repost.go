// Package reposts materializes app.bsky.feed.repost records.
package reposts

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("repost not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Repost records one actor reposting one subject. Uniqueness is on the
// (ActorDID, SubjectURI) pair.
type Repost struct {
	URI        string
	ActorDID   string
	SubjectURI string
	SubjectCID string
	CreatedAt  time.Time
	IndexedAt  time.Time
}

type Repository interface {
	Upsert(ctx context.Context, repost *Repost) error
	GetByURI(ctx context.Context, uri string) (*Repost, error)
	CountForSubject(ctx context.Context, subjectURI string) (int64, error)
	ViewerRepost(ctx context.Context, viewerDID, subjectURI string) (string, error)
	Delete(ctx context.Context, uri string) error
	DeleteByActor(ctx context.Context, actorDID string) error
}
