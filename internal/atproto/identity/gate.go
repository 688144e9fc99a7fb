package identity

import "context"

// gateResolver bounds concurrent outbound resolutions to maxConcurrent via a
// buffered channel acting as a FIFO semaphore: the queue caps concurrent
// outbound resolutions, preserving submission order
// but not completion order. Overflow does not reject — callers wait.
type gateResolver struct {
	next Resolver
	sem  chan struct{}
}

// DefaultMaxConcurrentRequests is the default gate width.
const DefaultMaxConcurrentRequests = 15

// NewGateResolver wraps next with a concurrency gate of the given width.
func NewGateResolver(next Resolver, maxConcurrent int) Resolver {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRequests
	}
	return &gateResolver{next: next, sem: make(chan struct{}, maxConcurrent)}
}

func (r *gateResolver) acquire(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *gateResolver) release() { <-r.sem }

func (r *gateResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()
	return r.next.Resolve(ctx, identifier)
}

func (r *gateResolver) ResolveHandle(ctx context.Context, handle string) (string, string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", "", err
	}
	defer r.release()
	return r.next.ResolveHandle(ctx, handle)
}

func (r *gateResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()
	return r.next.ResolveDID(ctx, did)
}

func (r *gateResolver) ResolveDIDToPDS(ctx context.Context, did string) string {
	return resolveDIDToPDS(ctx, r, did)
}

func (r *gateResolver) ResolveDIDToHandle(ctx context.Context, did string) string {
	return resolveDIDToHandle(ctx, r, did)
}

func (r *gateResolver) ResolveDIDToFeedGenerator(ctx context.Context, did string) string {
	return resolveDIDToFeedGenerator(ctx, r, did)
}

func (r *gateResolver) VerifyHandle(doc *DIDDocument, handle string) bool {
	return verifyHandle(doc, handle)
}

func (r *gateResolver) Purge(ctx context.Context, identifier string) error {
	return r.next.Purge(ctx, identifier)
}
