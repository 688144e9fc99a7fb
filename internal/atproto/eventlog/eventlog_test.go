package eventlog

import (
	"context"
	"testing"
	"time"

	"driftnet/internal/atproto/event"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (DurableEventLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log, err := New(context.Background(), client, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log, mr
}

func TestPushConsumeAck(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	e := event.Event{Kind: event.KindCommit, Seq: 1, DID: "did:plc:alice"}
	require.NoError(t, log.Push(ctx, e))

	msgs, err := log.Consume(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "did:plc:alice", msgs[0].Event.DID)

	require.NoError(t, log.Ack(ctx, msgs[0].ID))

	depth, err := log.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestClaimPendingRecoversUnackedMessage(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Push(ctx, event.Event{Kind: event.KindCommit, Seq: 1, DID: "did:plc:alice"}))

	msgs, err := log.Consume(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	// worker-a never acks — simulate a crash.

	claimed, err := log.ClaimPending(ctx, "worker-b", 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, msgs[0].ID, claimed[0].ID)
}

func TestSetStatus(t *testing.T) {
	log, mr := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.SetStatus(ctx, Status{Connected: true, URL: "wss://relay.example", CurrentCursor: 42}))

	val, err := mr.Get(statusKey)
	require.NoError(t, err)
	require.Contains(t, val, `"currentCursor":42`)
}

func TestIncrCounterFlushesToSharedHash(t *testing.T) {
	log, mr := newTestLog(t)
	log.IncrCounter("commit", 3)
	log.IncrCounter("commit", 2)

	require.Eventually(t, func() bool {
		v := mr.HGet(countersHashKey, "commit")
		return v == "5"
	}, 2*time.Second, 50*time.Millisecond)
}
