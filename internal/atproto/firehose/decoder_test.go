package firehose

import (
	"testing"

	"driftnet/internal/atproto/event"

	"github.com/stretchr/testify/require"
)

func TestJetstreamDecoder_Commit(t *testing.T) {
	frame := []byte(`{
		"kind": "commit",
		"seq": 42,
		"did": "did:plc:alice",
		"commit": {
			"rev": "abc123",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3k2abc",
			"cid": "bafyabc",
			"record": {"text": "hello"}
		}
	}`)

	d := NewJetstreamDecoder()
	e, err := d.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, event.KindCommit, e.Kind)
	require.Equal(t, int64(42), e.Seq)
	require.Equal(t, "did:plc:alice", e.DID)
	require.Len(t, e.Ops, 1)
	require.Equal(t, event.ActionCreate, e.Ops[0].Action)
	require.Equal(t, "app.bsky.feed.post", e.Ops[0].Collection)
	require.Equal(t, "3k2abc", e.Ops[0].RKey)
	require.Equal(t, "hello", e.Ops[0].Record["text"])
}

func TestJetstreamDecoder_Identity(t *testing.T) {
	frame := []byte(`{"kind":"identity","did":"did:plc:bob","identity":{"handle":"bob.test"}}`)
	e, err := NewJetstreamDecoder().Decode(frame)
	require.NoError(t, err)
	require.Equal(t, event.KindIdentity, e.Kind)
	require.Equal(t, "bob.test", e.Handle)
}

func TestJetstreamDecoder_AccountDeactivated(t *testing.T) {
	frame := []byte(`{"kind":"account","did":"did:plc:carol","account":{"active":false,"status":"deactivated"}}`)
	e, err := NewJetstreamDecoder().Decode(frame)
	require.NoError(t, err)
	require.Equal(t, event.KindAccount, e.Kind)
	require.Equal(t, event.AccountDeactivated, e.Status)
}

func TestJetstreamDecoder_UnknownKind(t *testing.T) {
	_, err := NewJetstreamDecoder().Decode([]byte(`{"kind":"bogus"}`))
	require.Error(t, err)
}

func TestSplitPath(t *testing.T) {
	collection, rkey := splitPath("app.bsky.feed.post/3k2abc")
	require.Equal(t, "app.bsky.feed.post", collection)
	require.Equal(t, "3k2abc", rkey)
}
