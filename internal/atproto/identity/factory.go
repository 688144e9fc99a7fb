package identity

import (
	"database/sql"
	"net/http"
	"time"
)

// Config holds the identity resolver tuning knobs exposed through
// operator configuration.
type Config struct {
	// PLCURL is the URL of the PLC directory (default: https://plc.directory)
	PLCURL string

	// CacheTTL is how long to cache resolved identities
	CacheTTL time.Duration

	// CacheSize bounds the in-process LRU cache (default 100k).
	CacheSize int

	// MaxConcurrentRequests bounds the outbound resolution gate (default 15).
	MaxConcurrentRequests int

	// MaxRetries bounds re-attempts on transient resolution failures
	// (default 3).
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff between attempts
	// (default 500ms).
	RetryBaseDelay time.Duration

	// CircuitBreakerThreshold is consecutive PLC failures before opening
	// the breaker (default 5).
	CircuitBreakerThreshold uint32

	// CircuitBreakerTimeout is how long the breaker stays open (default 60s).
	CircuitBreakerTimeout time.Duration

	// SSRFAllowlist exempts these hostnames from the SSRF check (used in
	// development against a local PDS).
	SSRFAllowlist []string

	// HTTPClient for making HTTP requests (optional, will use default if nil)
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		PLCURL:                  "https://plc.directory",
		CacheTTL:                24 * time.Hour,
		CacheSize:               DefaultCacheSize,
		MaxConcurrentRequests:   DefaultMaxConcurrentRequests,
		MaxRetries:              DefaultResolveRetries,
		RetryBaseDelay:          DefaultRetryBaseDelay,
		CircuitBreakerThreshold: DefaultBreakerThreshold,
		CircuitBreakerTimeout:   DefaultBreakerTimeout,
		HTTPClient:              &http.Client{Timeout: 15 * time.Second},
	}
}

// NewResolver builds the full resolver decorator chain:
// base (Indigo directory lookups) → retry (exponential backoff on
// transient failures) → cache (in-process LRU, falling through to a
// Postgres-backed L2) → gate (bounded outbound concurrency) → breaker
// (PLC circuit breaker). Each layer only adds what it's responsible for;
// callers interact with the outermost Resolver. Retries sit inside the
// cache so only real outbound misses pay them, and inside the gate so a
// retrying resolution still counts against the concurrency cap.
func NewResolver(db *sql.DB, config Config) Resolver {
	if config.PLCURL == "" {
		config.PLCURL = "https://plc.directory"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	base := newBaseResolver(config.PLCURL, config.HTTPClient, config.SSRFAllowlist)
	retrying := NewRetryingResolver(base, config.MaxRetries, config.RetryBaseDelay)

	pgCache := NewPostgresCache(db, config.CacheTTL)
	l1Cache := NewLRUCache(config.CacheSize, config.CacheTTL, pgCache)
	caching := newCachingResolver(retrying, l1Cache)

	gated := NewGateResolver(caching, config.MaxConcurrentRequests)

	return NewBreakerResolver(gated, config.CircuitBreakerThreshold, config.CircuitBreakerTimeout)
}
