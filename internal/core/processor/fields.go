package processor

import (
	"encoding/base64"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// stringField reads a string field from a decoded record map, returning ""
// if absent or the wrong type. Firehose records are attacker-controlled
// input; every read here is defensive rather than a panic-on-shape-mismatch
// assertion.
func stringField(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func boolField(rec map[string]any, key string) bool {
	v, ok := rec[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func stringSliceField(rec map[string]any, key string) []string {
	v, ok := rec[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// mapField reads a nested object field (e.g. a reply ref or an embed).
func mapField(rec map[string]any, key string) map[string]any {
	v, ok := rec[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// cidField extracts a CID from the shapes atproto records use for
// blob/record references: a bare string, a `{"$link": "..."}` CID-link
// object, a `{"ref": {"$link": "..."}}` blob reference, or a fully
// decoded `{version, code, multihash: {code, digest}}` structure from a
// CBOR decoder that expanded the link. Output is the canonical CID string
// or "". Never returns the literal string "undefined" — a malformed or
// partially-decoded field yields "" instead, since a literal "undefined"
// CID would otherwise propagate into storage and compare equal to itself
// across unrelated records.
func cidField(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		if val == "undefined" {
			return ""
		}
		return val
	case map[string]any:
		if link, ok := val["$link"].(string); ok {
			return link
		}
		if ref, ok := val["ref"].(map[string]any); ok {
			if link, ok := ref["$link"].(string); ok {
				return link
			}
			if nested, ok := ref["multihash"].(map[string]any); ok {
				return cidFromDecoded(ref, nested)
			}
		}
		if nested, ok := val["multihash"].(map[string]any); ok {
			return cidFromDecoded(val, nested)
		}
	}
	return ""
}

// cidFromDecoded rebuilds a canonical CID string from a decoded CID
// structure. Both number encodings (CBOR integers, JSON float64) and both
// digest encodings ([]byte, base64 string) are accepted.
func cidFromDecoded(val, multihash map[string]any) string {
	codec, ok := uintField(val, "code")
	if !ok {
		return ""
	}
	mhCode, ok := uintField(multihash, "code")
	if !ok {
		return ""
	}
	digest, ok := bytesField(multihash, "digest")
	if !ok {
		return ""
	}
	sum, err := mh.Encode(digest, mhCode)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(codec, sum).String()
}

func uintField(rec map[string]any, key string) (uint64, bool) {
	switch n := rec[key].(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func bytesField(rec map[string]any, key string) ([]byte, bool) {
	switch b := rec[key].(type) {
	case []byte:
		return b, true
	case string:
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, false
		}
		return decoded, true
	default:
		return nil, false
	}
}

func timeField(rec map[string]any, key string) time.Time {
	s := stringField(rec, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
