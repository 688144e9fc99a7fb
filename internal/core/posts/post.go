// Package posts materializes app.bsky.feed.post-shaped records: the author's
// text, optional reply refs, embed, and language tags.
package posts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a post lookup finds no matching record.
var ErrNotFound = errors.New("post not found")

// IsNotFound reports whether err represents a missing post.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ReplyRef points at a parent or root post.
type ReplyRef struct {
	URI string
	CID string
}

// Post is the materialized view of a post record.
type Post struct {
	URI       string
	CID       string
	AuthorDID string
	Text      string
	// Parent is nil for top-level posts. Root is nil only when Parent is
	// nil: a reply carries both.
	Parent   *ReplyRef
	Root     *ReplyRef
	Embed    *string // raw JSON of the embed union, opaque to this layer
	Langs    []string
	CreatedAt time.Time
	IndexedAt time.Time
}

// IsReply reports whether the post carries reply refs.
func (p *Post) IsReply() bool { return p.Parent != nil }

// ValidateInvariants runs before any write: a reply always carries both
// parent and root, and neither may point at
// the post itself (Design Notes §9: cyclic references are malformed
// input).
func (p *Post) ValidateInvariants() error {
	if p.Parent != nil && p.Root == nil {
		return fmt.Errorf("post %s: reply missing root ref", p.URI)
	}
	if p.Parent != nil && p.Parent.URI == p.URI {
		return fmt.Errorf("post %s: parent ref points at itself", p.URI)
	}
	if p.Root != nil && p.Root.URI == p.URI {
		return fmt.Errorf("post %s: root ref points at itself", p.URI)
	}
	return nil
}

// Repository persists posts, keyed by AT-URI, with upsert semantics:
// re-indexing a later commit for the same URI overwrites the row
// (last-write-wins; ordering across workers is not guaranteed).
type Repository interface {
	// Upsert creates or overwrites a post row by URI.
	Upsert(ctx context.Context, post *Post) error

	GetByURI(ctx context.Context, uri string) (*Post, error)

	// Exists lets the processor check dependency presence
	// without fetching the full row.
	Exists(ctx context.Context, uri string) (bool, error)

	// Delete removes a post by URI. Deleting a post that doesn't exist is
	// not an error.
	Delete(ctx context.Context, uri string) error

	// DeleteByAuthor removes all posts by an author, used by the
	// user-initiated "delete all my data" path.
	DeleteByAuthor(ctx context.Context, authorDID string) error
}
