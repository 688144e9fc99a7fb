package repair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	failUntil int
	goneAfter int
}

func (f *fakeFetcher) FetchAndApply(_ context.Context, kind Kind, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[uri]++
	n := f.calls[uri]
	if f.goneAfter > 0 && n >= f.goneAfter {
		return &ErrRecordGone{URI: uri}
	}
	if n <= f.failUntil {
		return errors.New("transient fetch failure")
	}
	return nil
}

func TestRepairWorker_SucceedsAndRemovesEntry(t *testing.T) {
	fetcher := &fakeFetcher{failUntil: 1}
	w := New(fetcher, nil, time.Millisecond, time.Millisecond, 5, 2, nil)

	w.MarkIncomplete(context.Background(), "post", "", "at://did:plc:alice/app.bsky.feed.post/root1", nil)
	require.Equal(t, 1, w.PendingCount())

	w.sweepOnce(context.Background())
	require.Equal(t, 1, w.PendingCount()) // still pending after first (failing) attempt

	time.Sleep(2 * time.Millisecond)
	w.sweepOnce(context.Background())
	require.Equal(t, 0, w.PendingCount())
}

func TestRepairWorker_AbandonsAfterMaxRetries(t *testing.T) {
	fetcher := &fakeFetcher{failUntil: 100}
	w := New(fetcher, nil, time.Millisecond, time.Millisecond, 2, 2, nil)

	w.MarkIncomplete(context.Background(), "post", "", "at://did:plc:bob/app.bsky.feed.post/missing", nil)

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		w.sweepOnce(context.Background())
	}
	require.Equal(t, 0, w.PendingCount())
}

func TestRepairWorker_TerminatesImmediatelyOnRecordGone(t *testing.T) {
	fetcher := &fakeFetcher{goneAfter: 1}
	w := New(fetcher, nil, time.Millisecond, time.Millisecond, 5, 2, nil)

	w.MarkIncomplete(context.Background(), "list", "", "at://did:plc:carol/app.bsky.graph.list/deleted", nil)
	w.sweepOnce(context.Background())
	require.Equal(t, 0, w.PendingCount())
}

func TestSplitAtURI(t *testing.T) {
	did, collection, rkey, ok := splitAtURI("at://did:plc:alice/app.bsky.feed.post/abc123")
	require.True(t, ok)
	require.Equal(t, "did:plc:alice", did)
	require.Equal(t, "app.bsky.feed.post", collection)
	require.Equal(t, "abc123", rkey)

	_, _, _, ok = splitAtURI("not-a-uri")
	require.False(t, ok)
}
