// Package blocks materializes app.bsky.graph.block records. Blocks gate
// read visibility: a blocked actor's content is hidden from the blocker and
// vice versa, enforced at view-assembly time, not at ingest time.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("block not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Block records one directed edge: ActorDID blocks TargetDID. At most one
// row exists per ordered pair, mirroring Follow's uniqueness.
type Block struct {
	URI       string
	ActorDID  string
	TargetDID string
	CreatedAt time.Time
	IndexedAt time.Time
}

func (b *Block) ValidateInvariants() error {
	if b.ActorDID == b.TargetDID {
		return fmt.Errorf("block %s: actor cannot block itself", b.URI)
	}
	return nil
}

type Repository interface {
	Upsert(ctx context.Context, block *Block) error
	GetByURI(ctx context.Context, uri string) (*Block, error)

	// Exists reports whether actor blocks target, for viewer-relationship
	// hydration and read-path gating.
	Exists(ctx context.Context, actorDID, targetDID string) (string, error)

	// ExistsEitherDirection reports whether a block exists between the two
	// DIDs in either direction, used to gate visibility symmetrically.
	ExistsEitherDirection(ctx context.Context, a, b string) (bool, error)

	Delete(ctx context.Context, uri string) error
	DeleteByActor(ctx context.Context, actorDID string) error
}
