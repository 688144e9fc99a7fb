package identity

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultResolveRetries is how many additional attempts a failed
	// resolution gets before the error surfaces.
	DefaultResolveRetries = 3

	// DefaultRetryBaseDelay seeds the exponential backoff between
	// attempts (base, 2·base, 4·base, ...).
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// retryingResolver re-attempts failed resolutions with exponential
// backoff. Only transient failures (network, timeout, upstream 5xx —
// surfaced as ErrResolutionFailed) are retried; a definitive not-found or
// a malformed identifier fails immediately, since retrying those only
// hammers the directory for the same answer.
type retryingResolver struct {
	next       Resolver
	maxRetries uint64
	baseDelay  time.Duration
}

// NewRetryingResolver wraps next with bounded exponential-backoff retries.
func NewRetryingResolver(next Resolver, maxRetries int, baseDelay time.Duration) Resolver {
	if maxRetries <= 0 {
		maxRetries = DefaultResolveRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	return &retryingResolver{next: next, maxRetries: uint64(maxRetries), baseDelay: baseDelay}
}

func (r *retryingResolver) backoff() retry.Backoff {
	return retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.baseDelay))
}

// retryable reports whether the failure is worth another attempt.
func retryable(err error) bool {
	var notFound *ErrNotFound
	var invalid *ErrInvalidIdentifier
	if errors.As(err, &notFound) || errors.As(err, &invalid) {
		return false
	}
	return true
}

func (r *retryingResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	var out *Identity
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		ident, err := r.next.Resolve(ctx, identifier)
		if err != nil {
			if retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = ident
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *retryingResolver) ResolveHandle(ctx context.Context, handle string) (string, string, error) {
	ident, err := r.Resolve(ctx, handle)
	if err != nil {
		return "", "", err
	}
	return ident.DID, ident.PDSURL, nil
}

func (r *retryingResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	var out *DIDDocument
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		doc, err := r.next.ResolveDID(ctx, did)
		if err != nil {
			if retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *retryingResolver) ResolveDIDToPDS(ctx context.Context, did string) string {
	return resolveDIDToPDS(ctx, r, did)
}

func (r *retryingResolver) ResolveDIDToHandle(ctx context.Context, did string) string {
	return resolveDIDToHandle(ctx, r, did)
}

func (r *retryingResolver) ResolveDIDToFeedGenerator(ctx context.Context, did string) string {
	return resolveDIDToFeedGenerator(ctx, r, did)
}

func (r *retryingResolver) VerifyHandle(doc *DIDDocument, handle string) bool {
	return verifyHandle(doc, handle)
}

func (r *retryingResolver) Purge(ctx context.Context, identifier string) error {
	return r.next.Purge(ctx, identifier)
}
