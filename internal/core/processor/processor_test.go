package processor

import (
	"context"
	"sync"
	"testing"

	"driftnet/internal/atproto/event"
	"driftnet/internal/core/likes"
	"driftnet/internal/core/posts"
	"driftnet/internal/core/users"

	"github.com/stretchr/testify/require"
)

// --- fakes -------------------------------------------------------------

type fakePosts struct {
	mu   sync.Mutex
	byID map[string]*posts.Post
}

func newFakePosts() *fakePosts { return &fakePosts{byID: make(map[string]*posts.Post)} }

func (f *fakePosts) Upsert(_ context.Context, post *posts.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *post
	f.byID[post.URI] = &cp
	return nil
}
func (f *fakePosts) GetByURI(_ context.Context, uri string) (*posts.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[uri]
	if !ok {
		return nil, posts.ErrNotFound
	}
	return p, nil
}
func (f *fakePosts) Exists(_ context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byID[uri]
	return ok, nil
}
func (f *fakePosts) Delete(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, uri)
	return nil
}
func (f *fakePosts) DeleteByAuthor(_ context.Context, authorDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uri, p := range f.byID {
		if p.AuthorDID == authorDID {
			delete(f.byID, uri)
		}
	}
	return nil
}

type fakeLikes struct {
	mu   sync.Mutex
	byID map[string]*likes.Like
}

func newFakeLikes() *fakeLikes { return &fakeLikes{byID: make(map[string]*likes.Like)} }

func (f *fakeLikes) Upsert(_ context.Context, l *likes.Like) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *l
	f.byID[l.URI] = &cp
	return nil
}
func (f *fakeLikes) GetByURI(_ context.Context, uri string) (*likes.Like, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byID[uri]
	if !ok {
		return nil, likes.ErrNotFound
	}
	return l, nil
}
func (f *fakeLikes) CountForSubject(_ context.Context, subjectURI string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, l := range f.byID {
		if l.SubjectURI == subjectURI {
			n++
		}
	}
	return n, nil
}
func (f *fakeLikes) ViewerLike(_ context.Context, viewerDID, subjectURI string) (string, error) {
	return "", nil
}
func (f *fakeLikes) Delete(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, uri)
	return nil
}
func (f *fakeLikes) DeleteByActor(_ context.Context, actorDID string) error { return nil }

type fakeUsers struct {
	mu   sync.Mutex
	byDID map[string]*users.User
}

func newFakeUsers() *fakeUsers { return &fakeUsers{byDID: make(map[string]*users.User)} }

func (f *fakeUsers) GetByDID(_ context.Context, did string) (*users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byDID[did]
	if !ok {
		return nil, users.ErrUserNotFound
	}
	return u, nil
}
func (f *fakeUsers) GetByHandle(_ context.Context, handle string) (*users.User, error) { return nil, users.ErrUserNotFound }
func (f *fakeUsers) GetByDIDs(_ context.Context, dids []string) (map[string]*users.User, error) {
	return nil, nil
}
func (f *fakeUsers) EnsurePlaceholder(_ context.Context, did, pdsURL string) (*users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byDID[did]; ok {
		return u, nil
	}
	u := &users.User{DID: did, PDSURL: pdsURL, Placeholder: true}
	f.byDID[did] = u
	return u, nil
}
func (f *fakeUsers) UpdateHandle(_ context.Context, did, newHandle string) (*users.User, error) {
	return nil, nil
}
func (f *fakeUsers) UpdateStatus(_ context.Context, did string, status users.AccountStatus) error {
	return nil
}
func (f *fakeUsers) ApplyProfile(_ context.Context, did string, update users.ProfileUpdate) (*users.User, error) {
	return nil, nil
}
func (f *fakeUsers) DeleteAccount(_ context.Context, did string) error { return nil }

type noopRepair struct{ marked []string }

func (r *noopRepair) MarkIncomplete(_ context.Context, kind, did, uri string, aux map[string]any) {
	r.marked = append(r.marked, kind+":"+uri)
}

// --- tests ---------------------------------------------------------------

func newTestProcessor(t *testing.T) (*EventProcessor, *fakePosts, *noopRepair) {
	t.Helper()
	p := newFakePosts()
	repair := &noopRepair{}
	proc := New(p, newFakeLikes(), nil, nil, nil, nil, nil, newFakeUsers(), nil, nil, repair, nil)
	return proc, p, repair
}

func TestProcessPost_CreateThenDelete_Idempotent(t *testing.T) {
	proc, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	createOp := event.CommitOp{
		Action:     event.ActionCreate,
		Collection: collectionPost,
		RKey:       "abc",
		CID:        "bafycreate",
		Record:     map[string]any{"text": "hello world", "createdAt": "2026-01-01T00:00:00Z"},
	}
	e := event.Event{Kind: event.KindCommit, DID: "did:plc:alice", Ops: []event.CommitOp{createOp}}

	require.NoError(t, proc.Process(ctx, e))
	require.NoError(t, proc.Process(ctx, e)) // processed twice: same end state

	post, err := repo.GetByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/abc")
	require.NoError(t, err)
	require.Equal(t, "hello world", post.Text)

	deleteOp := createOp
	deleteOp.Action = event.ActionDelete
	deleteOp.Record = nil
	deleteEvent := event.Event{Kind: event.KindCommit, DID: "did:plc:alice", Ops: []event.CommitOp{deleteOp}}

	require.NoError(t, proc.Process(ctx, deleteEvent))
	require.NoError(t, proc.Process(ctx, deleteEvent)) // deleting twice is a no-op, not an error

	_, err = repo.GetByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/abc")
	require.True(t, posts.IsNotFound(err))

	// Re-creating after delete reaches the same state as a single create.
	require.NoError(t, proc.Process(ctx, e))
	post, err = repo.GetByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/abc")
	require.NoError(t, err)
	require.Equal(t, "hello world", post.Text)
}

func TestProcessPost_ReplyWithUnknownRoot_MarksIncomplete(t *testing.T) {
	proc, repo, repair := newTestProcessor(t)
	ctx := context.Background()

	rootURI := "at://did:plc:bob/app.bsky.feed.post/root1"
	op := event.CommitOp{
		Action:     event.ActionCreate,
		Collection: collectionPost,
		RKey:       "reply1",
		CID:        "bafyreply",
		Record: map[string]any{
			"text":      "replying",
			"createdAt": "2026-01-01T00:00:00Z",
			"reply": map[string]any{
				"parent": map[string]any{"uri": rootURI, "cid": "bafyroot"},
				"root":   map[string]any{"uri": rootURI, "cid": "bafyroot"},
			},
		},
	}
	e := event.Event{Kind: event.KindCommit, DID: "did:plc:alice", Ops: []event.CommitOp{op}}

	require.NoError(t, proc.Process(ctx, e))

	reply, err := repo.GetByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/reply1")
	require.NoError(t, err)
	require.True(t, reply.IsReply())

	require.Contains(t, repair.marked, "post:"+rootURI)
}

func TestProcessPost_SelfReferencingParent_Rejected(t *testing.T) {
	proc, repo, _ := newTestProcessor(t)
	ctx := context.Background()

	uri := "at://did:plc:alice/app.bsky.feed.post/selfref"
	op := event.CommitOp{
		Action:     event.ActionCreate,
		Collection: collectionPost,
		RKey:       "selfref",
		CID:        "bafyself",
		Record: map[string]any{
			"text":      "broken",
			"createdAt": "2026-01-01T00:00:00Z",
			"reply": map[string]any{
				"parent": map[string]any{"uri": uri, "cid": "bafyself"},
				"root":   map[string]any{"uri": uri, "cid": "bafyself"},
			},
		},
	}
	e := event.Event{Kind: event.KindCommit, DID: "did:plc:alice", Ops: []event.CommitOp{op}}

	// processOp returns an error for the single bad op, but Process itself
	// never fails the whole commit over one malformed record.
	require.NoError(t, proc.Process(ctx, e))
	_, err := repo.GetByURI(ctx, uri)
	require.True(t, posts.IsNotFound(err))
}
