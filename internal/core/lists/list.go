// Package lists materializes app.bsky.graph.list and app.bsky.graph.listitem
// records: curated collections of actors (mute lists, block lists, curation
// lists) and their membership tuples.
package lists

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("list not found")
	ErrItemNotFound = errors.New("list item not found")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) || errors.Is(err, ErrItemNotFound) }

// Purpose mirrors the app.bsky.graph.defs list purpose union.
type Purpose string

const (
	PurposeModList      Purpose = "app.bsky.graph.defs#modlist"
	PurposeCurateList    Purpose = "app.bsky.graph.defs#curatelist"
	PurposeReferenceList Purpose = "app.bsky.graph.defs#referencelist"
)

// List is the materialized view of a list record.
type List struct {
	URI         string
	OwnerDID    string
	Name        string
	Purpose     Purpose
	Description *string
	AvatarCID   *string
	CreatedAt   time.Time
	IndexedAt   time.Time
}

// Item is a single (list, subject) membership tuple, keyed by its own
// AT-URI (the listitem record's own URI, distinct from the list's URI).
type Item struct {
	URI        string
	ListURI    string
	SubjectDID string
	CreatedAt  time.Time
	IndexedAt  time.Time
}

// Repository persists lists and their membership tuples.
type Repository interface {
	Upsert(ctx context.Context, list *List) error
	GetByURI(ctx context.Context, uri string) (*List, error)
	Delete(ctx context.Context, uri string) error
	DeleteByOwner(ctx context.Context, ownerDID string) error

	// UpsertItem adds a member; it is legal for ListURI to reference a list
	// not yet indexed (the item is stored and resolved once the list
	// backfills).
	UpsertItem(ctx context.Context, item *Item) error
	GetItemByURI(ctx context.Context, uri string) (*Item, error)
	DeleteItem(ctx context.Context, uri string) error
	DeleteItemsByList(ctx context.Context, listURI string) error

	// IsMember reports whether subjectDID is a member of listURI, used by
	// ThreadGate's allowListMembers check.
	IsMember(ctx context.Context, listURI, subjectDID string) (bool, error)

	ListMembers(ctx context.Context, listURI string) ([]*Item, error)
}
