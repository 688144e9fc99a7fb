package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"driftnet/internal/metrics"
)

// proxyTimeout bounds how long an upstream XRPC call is allowed to take
// before the proxy gives up and returns a gateway error to the caller.
const proxyTimeout = 20 * time.Second

// requestHeaderAllowlist is forwarded from the inbound request to the
// upstream PDS/service. Everything else (cookies, hop-by-hop headers, this
// AppView's own auth headers) is dropped rather than passed through.
var requestHeaderAllowlist = map[string]bool{
	"Accept":          true,
	"Accept-Encoding": true,
	"Accept-Language": true,
	"Content-Type":    true,
	"User-Agent":      true,
}

// responseHeaderBlocklist is stripped from the upstream response before it's
// relayed to the caller. Set-Cookie in particular must never leak: the
// upstream's session cookies have nothing to do with this AppView's session.
var responseHeaderBlocklist = map[string]bool{
	"Set-Cookie":        true,
	"Connection":        true,
	"Transfer-Encoding": true,
}

// AuthProxy forwards XRPC calls to a user's PDS or to another atProto
// service, either passing through the caller's own bearer token or minting
// a short-lived service JWT signed as this AppView (ES256K, or HS256 when
// only the WithHS256Fallback secret is set).
type AuthProxy struct {
	httpClient *http.Client
	signingKey *secp256k1.PrivateKey
	hsSecret   []byte
	serviceDID string
	logger     *slog.Logger
}

// NewAuthProxy constructs an AuthProxy that signs service JWTs as
// serviceDID using signingKey. signingKey may be nil if the proxy will only
// ever be used in user-token passthrough mode.
func NewAuthProxy(signingKey *secp256k1.PrivateKey, serviceDID string, logger *slog.Logger) *AuthProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthProxy{
		httpClient: &http.Client{Timeout: proxyTimeout},
		signingKey: signingKey,
		serviceDID: serviceDID,
		logger:     logger,
	}
}

// ProxyUserRequest forwards an inbound XRPC request to targetBase using the
// caller's own bearer token, unmodified. This is the path for endpoints the
// AppView doesn't implement itself but the user is already authorized to
// call directly on their PDS (most atproto write procedures).
func (p *AuthProxy) ProxyUserRequest(w http.ResponseWriter, r *http.Request, targetBase, userToken string) {
	p.proxy(w, r, targetBase, "Bearer "+userToken)
}

// WithHS256Fallback arms the proxy to HMAC-sign service JWTs with the
// shared session secret when no secp256k1 key is loaded. Returns the proxy
// for chaining at construction.
func (p *AuthProxy) WithHS256Fallback(secret []byte) *AuthProxy {
	p.hsSecret = secret
	return p
}

// ProxyAnonymousRequest forwards an inbound XRPC request with no
// Authorization at all. Used for endpoints that are public on every PDS
// (createSession itself, public record reads).
func (p *AuthProxy) ProxyAnonymousRequest(w http.ResponseWriter, r *http.Request, targetBase string) {
	p.proxy(w, r, targetBase, "")
}

// ProxyServiceRequest forwards an inbound XRPC request to targetBase,
// authenticating as this AppView via a freshly minted service JWT (ES256K,
// or HS256 via WithHS256Fallback when no secp256k1 key is loaded) scoped to lxm (the target lexicon method) and aud (the target service
// DID). Used for server-to-server calls atProto's service auth profile
// covers: label queries, moderation actions, and reads against a user's PDS
// that the AppView performs on the user's behalf without holding their
// session.
func (p *AuthProxy) ProxyServiceRequest(w http.ResponseWriter, r *http.Request, targetBase, aud, lxm string) {
	if p.signingKey == nil && p.hsSecret == nil {
		http.Error(w, "service auth not configured", http.StatusInternalServerError)
		return
	}

	claims := ServiceJWTClaims{
		Issuer:        p.serviceDID,
		Audience:      aud,
		LexiconMethod: lxm,
	}
	var token string
	var err error
	if p.signingKey != nil {
		token, err = SignServiceJWT(p.signingKey, claims, 60*time.Second)
	} else {
		token, err = SignServiceJWTHS256(p.hsSecret, claims, 60*time.Second)
	}
	if err != nil {
		p.logger.Error("mint service jwt", "error", err, "aud", aud, "lxm", lxm)
		http.Error(w, "failed to sign service request", http.StatusInternalServerError)
		return
	}

	p.proxy(w, r, targetBase, "Bearer "+token)
}

func (p *AuthProxy) proxy(w http.ResponseWriter, r *http.Request, targetBase, authHeader string) {
	target := strings.TrimRight(targetBase, "/") + r.URL.RequestURI()

	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}

	for name := range r.Header {
		if requestHeaderAllowlist[http.CanonicalHeaderKey(name)] {
			outReq.Header.Set(name, r.Header.Get(name))
		}
	}
	if authHeader != "" {
		outReq.Header.Set("Authorization", authHeader)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(outReq)
	if err != nil {
		metrics.RecordProxyRequest("error", time.Since(start))
		p.logger.Warn("proxy upstream request failed", "target", target, "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	metrics.RecordProxyRequest(outcomeClass(resp.StatusCode), time.Since(start))

	for name, values := range resp.Header {
		if responseHeaderBlocklist[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn("proxy response copy failed", "target", target, "error", err)
	}
}

// VerifyUserToken parses and verifies an inbound bearer token, returning
// its claims. It delegates to VerifyJWT/ParseJWT (this package's existing
// HS256/RS256/ES256 verification path); skipVerify allows unverified parsing
// for local development, matching the AtProtoAuthMiddleware convention.
func VerifyUserToken(ctx context.Context, tokenString string, keyFetcher JWKSFetcher, skipVerify bool) (*Claims, error) {
	if skipVerify {
		return ParseJWT(tokenString)
	}
	return VerifyJWT(ctx, tokenString, keyFetcher)
}

// RefreshIfNeeded is a hook point for token refresh ahead of a proxied call;
// atProto OAuth refresh is session-shaped (DPoP-bound, stored server-side)
// and is handled by the existing oauth session store rather than duplicated
// here, so this only reports whether the claims are close enough to
// expiring that the caller should refresh before proxying.
func RefreshIfNeeded(claims *Claims, threshold time.Duration) bool {
	if claims == nil || claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < threshold
}

func outcomeClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "ok"
	}
}
