package firehose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"driftnet/internal/atproto/event"

	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/ipld/go-car"
)

// FrameDecoder turns one raw firehose frame into a decoded Event. Two
// concrete decoders exist: rawCBORDecoder speaks the relay's native wire
// format (CBOR header+body frames with an inlined CAR slice for record
// bytes); jetstreamDecoder speaks the flattened JSON-over-websocket
// dialect, kept as a compatibility mode for relays that serve it.
type FrameDecoder interface {
	Decode(frame []byte) (event.Event, error)
}

// rawCBORDecoder implements the relay's native wire format: each frame is one
// DAG-CBOR map carrying a `t` discriminator (event kind) alongside the
// commit payload and a CAR-encoded block slice holding the actual record
// bytes for each op — a single-envelope simplification of the relay wire
// format that keeps decoding to one cbornode.DecodeInto call per frame
// instead of tracking byte offsets across two concatenated CBOR items.
type rawCBORDecoder struct{}

// NewRawCBORDecoder returns the default on-the-wire decoder.
func NewRawCBORDecoder() FrameDecoder { return rawCBORDecoder{} }

type rawFrame struct {
	T      string        `json:"t"`
	Seq    int64         `json:"seq"`
	Repo   string        `json:"repo"`
	Rev    string        `json:"rev"`
	Blocks []byte        `json:"blocks"`
	Ops    []rawCommitOp `json:"ops"`
	Handle string        `json:"handle"`
	Status string        `json:"status"`
	Active *bool         `json:"active"`
}

type rawCommitOp struct {
	Action string      `json:"action"`
	Path   string      `json:"path"`
	CID    *cidWrapper `json:"cid"`
}

// cidWrapper decodes the `{"$link": "..."}` CID-link encoding atproto
// records use. Only Link is filled by decoding; str is never set, so
// String returns "" when the frame carries no $link.
type cidWrapper struct {
	Link string `json:"$link"`
	str  string
}

func (c *cidWrapper) String() string {
	if c.Link != "" {
		return c.Link
	}
	return c.str
}

func (d rawCBORDecoder) Decode(frame []byte) (event.Event, error) {
	var f rawFrame
	if err := cbornode.DecodeInto(frame, &f); err != nil {
		return event.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	e := event.Event{Seq: f.Seq, DID: f.Repo}

	switch f.T {
	case "#commit":
		e.Kind = event.KindCommit
		e.Rev = f.Rev
		records, err := decodeBlocks(f.Blocks)
		if err != nil {
			return event.Event{}, fmt.Errorf("decode commit blocks: %w", err)
		}
		for _, op := range f.Ops {
			collection, rkey := splitPath(op.Path)
			commitOp := event.CommitOp{
				Action:     event.Action(op.Action),
				Collection: collection,
				RKey:       rkey,
			}
			if op.CID != nil {
				commitOp.CID = op.CID.String()
				if rec, ok := records[commitOp.CID]; ok {
					commitOp.Record = rec
				}
			}
			e.Ops = append(e.Ops, commitOp)
		}
	case "#identity":
		e.Kind = event.KindIdentity
		e.Handle = f.Handle
	case "#account":
		e.Kind = event.KindAccount
		e.Status = event.AccountActive
		if f.Active != nil && !*f.Active {
			e.Status = event.AccountStatus(f.Status)
		}
	default:
		return event.Event{}, fmt.Errorf("unknown frame kind %q", f.T)
	}

	return e, nil
}

// decodeBlocks reads the inlined CAR slice carrying each op's record bytes
// and returns them keyed by CID string, so each op's record bytes can be
// matched back to the op that references them.
func decodeBlocks(blocks []byte) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	if len(blocks) == 0 {
		return out, nil
	}
	reader, err := car.NewCarReader(bytes.NewReader(blocks))
	if err != nil {
		return nil, fmt.Errorf("open CAR reader: %w", err)
	}
	for {
		blk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CAR block: %w", err)
		}
		var rec map[string]any
		if err := cbornode.DecodeInto(blk.RawData(), &rec); err != nil {
			continue // non-record block (e.g. MST node); skip
		}
		out[blk.Cid().String()] = rec
	}
	return out, nil
}

// jetstreamDecoder speaks the JSON-over-websocket jetstream dialect: one
// flattened JSON object per commit, no CAR framing, record bytes already
// decoded server-side. Kept as a compatibility mode for Jetstream-style
// relays.
type jetstreamDecoder struct{}

// NewJetstreamDecoder returns the JSON compatibility decoder.
func NewJetstreamDecoder() FrameDecoder { return jetstreamDecoder{} }

type jetstreamEvent struct {
	Kind string `json:"kind"`
	Seq  int64  `json:"seq,omitempty"`
	DID  string `json:"did"`

	Commit *jetstreamCommit `json:"commit,omitempty"`

	Identity *struct {
		Handle string `json:"handle"`
	} `json:"identity,omitempty"`

	Account *struct {
		Active bool   `json:"active"`
		Status string `json:"status"`
	} `json:"account,omitempty"`
}

type jetstreamCommit struct {
	Rev        string         `json:"rev"`
	Operation  string         `json:"operation"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	CID        string         `json:"cid,omitempty"`
	Record     map[string]any `json:"record,omitempty"`
}

func (d jetstreamDecoder) Decode(frame []byte) (event.Event, error) {
	var je jetstreamEvent
	if err := json.Unmarshal(frame, &je); err != nil {
		return event.Event{}, fmt.Errorf("decode jetstream frame: %w", err)
	}

	e := event.Event{Seq: je.Seq, DID: je.DID}

	switch je.Kind {
	case "commit":
		if je.Commit == nil {
			return event.Event{}, fmt.Errorf("jetstream commit event missing commit payload")
		}
		e.Kind = event.KindCommit
		e.Rev = je.Commit.Rev
		e.Ops = []event.CommitOp{{
			Action:     event.Action(je.Commit.Operation),
			Collection: je.Commit.Collection,
			RKey:       je.Commit.RKey,
			CID:        je.Commit.CID,
			Record:     je.Commit.Record,
		}}
	case "identity":
		e.Kind = event.KindIdentity
		if je.Identity != nil {
			e.Handle = je.Identity.Handle
		}
	case "account":
		e.Kind = event.KindAccount
		e.Status = event.AccountActive
		if je.Account != nil && !je.Account.Active {
			e.Status = event.AccountStatus(je.Account.Status)
		}
	default:
		return event.Event{}, fmt.Errorf("unknown jetstream kind %q", je.Kind)
	}

	return e, nil
}

func splitPath(path string) (collection, rkey string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
