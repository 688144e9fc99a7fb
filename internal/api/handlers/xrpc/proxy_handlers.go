// Package xrpc serves the pass-through slice of the XRPC surface: session
// endpoints and repo writes are relayed to the caller's own PDS, public
// repo reads to the record owner's PDS, and feed skeletons to the feed's
// generator service. The AppView implements none of these itself — it only
// locates the right upstream via the identity resolver and re-authenticates
// the hop through AuthProxy.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"driftnet/internal/api/handlers"
	"driftnet/internal/atproto/auth"
	"driftnet/internal/atproto/identity"
	"driftnet/internal/atproto/pds"
)

// LexiconGetFeedSkeleton is the method name stamped into service JWTs
// minted for feed-generator calls.
const LexiconGetFeedSkeleton = "app.bsky.feed.getFeedSkeleton"

// Backfiller is the slice of repair.ProcessorFetcher the backfill endpoint
// needs.
type Backfiller interface {
	BackfillUser(ctx context.Context, did string, collections []string, cooldown time.Duration, lastBackfill time.Time, force bool) error
}

// backfillCollections is the record set a user-initiated backfill pulls
// from their PDS. Follows first: their targets seed the transitive
// profile fetch the processor's placeholder flow performs.
var backfillCollections = []string{
	"app.bsky.graph.follow",
	"app.bsky.actor.profile",
	"app.bsky.feed.post",
	"app.bsky.feed.like",
	"app.bsky.feed.repost",
}

// ProxyHandler holds the dependencies of the proxied XRPC routes.
type ProxyHandler struct {
	Resolver identity.Resolver
	Proxy    *auth.AuthProxy

	Backfill         Backfiller
	BackfillCooldown time.Duration

	// VerifySession confirms a bearer token is a live session for did on
	// its own PDS before an expensive operation runs on its behalf.
	VerifySession func(ctx context.Context, pdsURL, did, token string) bool

	logger *slog.Logger

	mu            sync.Mutex
	lastBackfills map[string]time.Time
}

// NewProxyHandler builds the proxied-XRPC handler set.
func NewProxyHandler(resolver identity.Resolver, proxy *auth.AuthProxy, backfill Backfiller, cooldown time.Duration, logger *slog.Logger) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &ProxyHandler{
		Resolver:         resolver,
		Proxy:            proxy,
		Backfill:         backfill,
		BackfillCooldown: cooldown,
		VerifySession:    verifySessionOnPDS,
		logger:           logger,
		lastBackfills:    make(map[string]time.Time),
	}
}

// verifySessionOnPDS asks the holder's own PDS whether the token is a live
// session for did. The PDS's answer is authoritative: a token that parses
// locally but was revoked upstream fails here.
func verifySessionOnPDS(ctx context.Context, pdsURL, did, token string) bool {
	client, err := pds.NewFromAccessToken(pdsURL, did, token)
	if err != nil {
		return false
	}
	sess, err := client.GetSession(ctx)
	if err != nil {
		return false
	}
	return sess.Active && sess.DID == did
}

// HandleCreateSession relays com.atproto.server.createSession to the PDS
// that owns the identifier in the request body. The body is read to find
// the identifier, then replayed verbatim upstream.
func (h *ProxyHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "could not read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Identifier == "" {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "identifier is required")
		return
	}

	pdsURL := h.pdsForIdentifier(r.Context(), req.Identifier)
	if pdsURL == "" {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "could not resolve identifier to a PDS")
		return
	}

	h.Proxy.ProxyAnonymousRequest(w, r, pdsURL)
}

// HandleSessionPassthrough relays refreshSession / getSession / deleteSession
// to the PDS that issued the bearer token. The token itself names its
// subject DID, which is all the routing needs; the PDS does the verifying.
func (h *ProxyHandler) HandleSessionPassthrough(w http.ResponseWriter, r *http.Request) {
	h.proxyToTokenPDS(w, r)
}

// HandleRepoWrite relays com.atproto.repo.createRecord / deleteRecord to
// the authenticated user's own PDS with their bearer token intact.
func (h *ProxyHandler) HandleRepoWrite(w http.ResponseWriter, r *http.Request) {
	h.proxyToTokenPDS(w, r)
}

func (h *ProxyHandler) proxyToTokenPDS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		handlers.WriteError(w, http.StatusUnauthorized, "AuthMissing", "bearer token required")
		return
	}

	did := didFromToken(token)
	if did == "" {
		handlers.WriteError(w, http.StatusUnauthorized, "InvalidToken", "token does not name a DID")
		return
	}

	pdsURL := h.Resolver.ResolveDIDToPDS(r.Context(), did)
	if pdsURL == "" {
		handlers.WriteError(w, http.StatusBadGateway, "UpstreamFailure", "could not resolve account's PDS")
		return
	}

	h.Proxy.ProxyUserRequest(w, r, pdsURL, token)
}

// HandleRepoRead relays com.atproto.repo.getRecord / listRecords,
// unauthenticated, to the PDS owning the repo named in the query string.
func (h *ProxyHandler) HandleRepoRead(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "repo parameter is required")
		return
	}

	pdsURL := h.pdsForIdentifier(r.Context(), repo)
	if pdsURL == "" {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "could not resolve repo to a PDS")
		return
	}

	h.Proxy.ProxyAnonymousRequest(w, r, pdsURL)
}

// HandleGetFeedSkeleton relays app.bsky.feed.getFeedSkeleton to the feed's
// generator service. If the caller sent their own bearer it is forwarded
// so the generator can personalize; otherwise the AppView signs the call
// itself with a service JWT audienced to the feed's DID.
func (h *ProxyHandler) HandleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}

	feedDID := didFromATURI(feedURI)
	if feedDID == "" {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "feed is not a valid at-uri")
		return
	}

	fgURL := h.Resolver.ResolveDIDToFeedGenerator(r.Context(), feedDID)
	if fgURL == "" {
		handlers.WriteError(w, http.StatusBadRequest, "UnknownFeed", "feed generator service not found")
		return
	}

	if token := bearerToken(r); token != "" {
		h.Proxy.ProxyUserRequest(w, r, fgURL, token)
		return
	}
	h.Proxy.ProxyServiceRequest(w, r, fgURL, feedDID, LexiconGetFeedSkeleton)
}

// HandleBackfill starts an out-of-band backfill of the authenticated
// user's repo. ?force=true bypasses the per-user cooldown. The sweep runs
// in the background; the response only acknowledges the kick-off.
func (h *ProxyHandler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	if h.Backfill == nil {
		handlers.WriteError(w, http.StatusNotImplemented, "InvalidRequest", "backfill is not enabled")
		return
	}

	token := bearerToken(r)
	did := didFromToken(token)
	if did == "" {
		// Fall back to an explicit DID in the body for operator use.
		var req struct {
			DID string `json:"did"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&req); err == nil {
			did = req.DID
		}
	}
	sanitized, ok := identity.SanitizeDID(did)
	if !ok {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "no valid DID to backfill")
		return
	}

	// A token-bearing caller must hold a session their PDS still honors;
	// naming a DID in a token is not the same as owning it.
	if token != "" && h.VerifySession != nil {
		pdsURL := h.Resolver.ResolveDIDToPDS(r.Context(), sanitized)
		if pdsURL == "" || !h.VerifySession(r.Context(), pdsURL, sanitized, token) {
			handlers.WriteError(w, http.StatusUnauthorized, "InvalidToken", "session not accepted by the account's PDS")
			return
		}
	}

	force := r.URL.Query().Get("force") == "true"

	h.mu.Lock()
	last := h.lastBackfills[sanitized]
	if !force && time.Since(last) < h.BackfillCooldown {
		h.mu.Unlock()
		handlers.WriteError(w, http.StatusTooManyRequests, "RateLimitExceeded", "backfill cooldown in effect")
		return
	}
	h.lastBackfills[sanitized] = time.Now()
	h.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := h.Backfill.BackfillUser(ctx, sanitized, backfillCollections, h.BackfillCooldown, last, force); err != nil {
			h.logger.Warn("backfill failed", "did", sanitized, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "started", "did": sanitized})
}

// pdsForIdentifier resolves a handle or DID to its PDS endpoint.
func (h *ProxyHandler) pdsForIdentifier(ctx context.Context, identifier string) string {
	if strings.HasPrefix(identifier, "did:") {
		if did, ok := identity.SanitizeDID(identifier); ok {
			return h.Resolver.ResolveDIDToPDS(ctx, did)
		}
		return ""
	}
	_, pdsURL, err := h.Resolver.ResolveHandle(ctx, identifier)
	if err != nil {
		return ""
	}
	return pdsURL
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "DPoP "} {
		if strings.HasPrefix(header, prefix) {
			return strings.TrimPrefix(header, prefix)
		}
	}
	return ""
}

// didFromToken extracts the subject DID from a bearer token without
// verifying it — routing only; the PDS the request is forwarded to is the
// party that actually verifies its own token.
func didFromToken(token string) string {
	if token == "" {
		return ""
	}
	claims, err := auth.ParseJWT(token)
	if err != nil {
		return ""
	}
	if strings.HasPrefix(claims.Subject, "did:") {
		return claims.Subject
	}
	if strings.HasPrefix(claims.Issuer, "did:") {
		return claims.Issuer
	}
	return ""
}

func didFromATURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "at://")
	if trimmed == uri {
		return ""
	}
	authority := strings.SplitN(trimmed, "/", 2)[0]
	if !strings.HasPrefix(authority, "did:") {
		return ""
	}
	return authority
}
