package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// baseResolver implements Resolver using Indigo's identity resolution
type baseResolver struct {
	directory     indigoIdentity.Directory
	ssrfAllowlist []string
}

// NewIndigoDirectory builds the Indigo directory the base resolver reads
// from, exposed so callers that need raw DID key material (JWT
// verification) can share the same PLC/DNS/HTTPS resolution path.
func NewIndigoDirectory(plcURL string, httpClient *http.Client) indigoIdentity.Directory {
	return &indigoIdentity.BaseDirectory{
		PLCURL:     plcURL,
		HTTPClient: *httpClient,
		// Indigo will use default DNS resolver if not specified
	}
}

// newBaseResolver creates a new base resolver using Indigo. Service
// endpoints extracted from resolved documents are SSRF-checked before
// they're surfaced; ssrfAllowlist exempts specific hostnames (dev PDSes).
func newBaseResolver(plcURL string, httpClient *http.Client, ssrfAllowlist []string) Resolver {
	return &baseResolver{
		directory:     NewIndigoDirectory(plcURL, httpClient),
		ssrfAllowlist: ssrfAllowlist,
	}
}

// Resolve resolves a handle or DID to complete identity information
func (r *baseResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimSpace(identifier)

	if identifier == "" {
		return nil, &ErrInvalidIdentifier{
			Identifier: identifier,
			Reason:     "identifier cannot be empty",
		}
	}

	// Parse the identifier (could be handle or DID)
	atID, err := syntax.ParseAtIdentifier(identifier)
	if err != nil {
		return nil, &ErrInvalidIdentifier{
			Identifier: identifier,
			Reason:     fmt.Sprintf("invalid identifier format: %v", err),
		}
	}

	// Resolve using Indigo's directory
	ident, err := r.directory.Lookup(ctx, atID)

	if err != nil {
		// Check if it's a "not found" error
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "NoRecordsFound") ||
			strings.Contains(errStr, "404") {
			return nil, &ErrNotFound{
				Identifier: identifier,
				Reason:     errStr,
			}
		}

		return nil, &ErrResolutionFailed{
			Identifier: identifier,
			Reason:     errStr,
		}
	}

	// Extract PDS URL from identity; a blocked endpoint means the account
	// is unreachable by us, not unresolvable.
	pdsURL := ident.PDSEndpoint()
	if pdsURL != "" && CheckSSRF(pdsURL, r.ssrfAllowlist) != nil {
		pdsURL = ""
	}

	return &Identity{
		DID:        ident.DID.String(),
		Handle:     ident.Handle.String(),
		PDSURL:     pdsURL,
		ResolvedAt: time.Now().UTC(),
		Method:     MethodHTTPS, // Default - Indigo doesn't expose which method was used
	}, nil
}

// ResolveHandle specifically resolves a handle to DID and PDS URL
func (r *baseResolver) ResolveHandle(ctx context.Context, handle string) (did, pdsURL string, err error) {
	ident, err := r.Resolve(ctx, handle)
	if err != nil {
		return "", "", err
	}

	return ident.DID, ident.PDSURL, nil
}

// ResolveDID retrieves a DID document and extracts the PDS endpoint
func (r *baseResolver) ResolveDID(ctx context.Context, didStr string) (*DIDDocument, error) {
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return nil, &ErrInvalidIdentifier{
			Identifier: didStr,
			Reason:     fmt.Sprintf("invalid DID format: %v", err),
		}
	}

	ident, err := r.directory.LookupDID(ctx, did)
	if err != nil {
		return nil, &ErrResolutionFailed{
			Identifier: didStr,
			Reason:     err.Error(),
		}
	}

	// Construct our DID document from Indigo's identity
	aka := make([]string, 0, len(ident.AlsoKnownAs))
	aka = append(aka, ident.AlsoKnownAs...)

	doc := &DIDDocument{
		DID:         ident.DID.String(),
		AlsoKnownAs: aka,
		Service:     []Service{},
	}

	// Extract PDS service endpoint. Endpoints failing the SSRF check are
	// dropped rather than surfaced: a document pointing its PDS at
	// cluster-internal infrastructure is treated as having no PDS at all.
	if pdsURL := ident.PDSEndpoint(); pdsURL != "" && CheckSSRF(pdsURL, r.ssrfAllowlist) == nil {
		doc.Service = append(doc.Service, Service{ID: ServiceIDPDS, Type: ServiceTypePDS, ServiceEndpoint: pdsURL})
	}
	// Feed generator and labeler declarations live in the raw service list
	// Indigo parsed off the DID document; surface the ones this AppView
	// routes on (#bsky_fg, #atproto_labeler).
	if raw := ident.Services; raw != nil {
		if svc, ok := raw["bsky_fg"]; ok && CheckSSRF(svc.URL, r.ssrfAllowlist) == nil {
			doc.Service = append(doc.Service, Service{ID: ServiceIDFeedGen, Type: ServiceTypeFeedGen, ServiceEndpoint: svc.URL})
		}
		if svc, ok := raw["atproto_labeler"]; ok && CheckSSRF(svc.URL, r.ssrfAllowlist) == nil {
			doc.Service = append(doc.Service, Service{ID: ServiceIDLabeler, Type: ServiceTypeLabeler, ServiceEndpoint: svc.URL})
		}
	}

	return doc, nil
}

func (r *baseResolver) ResolveDIDToPDS(ctx context.Context, did string) string {
	return resolveDIDToPDS(ctx, r, did)
}

func (r *baseResolver) ResolveDIDToHandle(ctx context.Context, did string) string {
	return resolveDIDToHandle(ctx, r, did)
}

func (r *baseResolver) ResolveDIDToFeedGenerator(ctx context.Context, did string) string {
	return resolveDIDToFeedGenerator(ctx, r, did)
}

func (r *baseResolver) VerifyHandle(doc *DIDDocument, handle string) bool {
	return verifyHandle(doc, handle)
}

// Purge is a no-op for base resolver (no caching)
func (r *baseResolver) Purge(ctx context.Context, identifier string) error {
	// Base resolver doesn't cache, so nothing to purge
	return nil
}
