package identity

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"driftnet/internal/metrics"
)

// DefaultBreakerThreshold and DefaultBreakerTimeout are the
// circuit breaker defaults: open after 5 consecutive failures, stay open
// 60s before probing again.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// breakerResolver wraps ResolveDID (the PLC-directory-bound call) in a
// circuit breaker; other methods pass through unguarded since they don't
// necessarily hit the PLC directory. One coarse breaker per resolver.
type breakerResolver struct {
	next Resolver
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerResolver wraps next's ResolveDID with a circuit breaker that
// opens after threshold consecutive failures and stays open for timeout.
func NewBreakerResolver(next Resolver, threshold uint32, timeout time.Duration) Resolver {
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}
	if timeout == 0 {
		timeout = DefaultBreakerTimeout
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "identity.resolveDID",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			switch to {
			case gobreaker.StateClosed:
				metrics.SetBreakerState(0)
			case gobreaker.StateHalfOpen:
				metrics.SetBreakerState(1)
			case gobreaker.StateOpen:
				metrics.SetBreakerState(2)
			}
		},
	})
	return &breakerResolver{next: next, cb: cb}
}

func (r *breakerResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	return r.next.Resolve(ctx, identifier)
}

func (r *breakerResolver) ResolveHandle(ctx context.Context, handle string) (string, string, error) {
	return r.next.ResolveHandle(ctx, handle)
}

// ResolveDID short-circuits to (nil, nil) while the breaker is open — this
// resolver family is total, so an open breaker is not itself an error.
func (r *breakerResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	result, err := r.cb.Execute(func() (interface{}, error) {
		return r.next.ResolveDID(ctx, did)
	})
	if err == gobreaker.ErrOpenState {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, _ := result.(*DIDDocument)
	return doc, nil
}

func (r *breakerResolver) ResolveDIDToPDS(ctx context.Context, did string) string {
	return resolveDIDToPDS(ctx, r, did)
}

func (r *breakerResolver) ResolveDIDToHandle(ctx context.Context, did string) string {
	return resolveDIDToHandle(ctx, r, did)
}

func (r *breakerResolver) ResolveDIDToFeedGenerator(ctx context.Context, did string) string {
	return resolveDIDToFeedGenerator(ctx, r, did)
}

func (r *breakerResolver) VerifyHandle(doc *DIDDocument, handle string) bool {
	return verifyHandle(doc, handle)
}

func (r *breakerResolver) Purge(ctx context.Context, identifier string) error {
	return r.next.Purge(ctx, identifier)
}
