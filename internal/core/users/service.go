package users

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// atProto handle validation regex (per the official atProto spec:
// https://atproto.com/specs/handle).
var handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

var disallowedTLDs = map[string]bool{
	".alt": true, ".arpa": true, ".example": true, ".internal": true,
	".invalid": true, ".local": true, ".localhost": true, ".onion": true,
}

const maxHandleLength = 253

type service struct {
	repo Repository
}

// NewService creates a new user materialization service.
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) GetByDID(ctx context.Context, did string) (*User, error) {
	if strings.TrimSpace(did) == "" {
		return nil, fmt.Errorf("DID is required")
	}
	return s.repo.GetByDID(ctx, did)
}

func (s *service) GetByHandle(ctx context.Context, handle string) (*User, error) {
	handle = normalizeHandle(handle)
	if handle == "" {
		return nil, fmt.Errorf("handle is required")
	}
	return s.repo.GetByHandle(ctx, handle)
}

func (s *service) GetByDIDs(ctx context.Context, dids []string) (map[string]*User, error) {
	if len(dids) == 0 {
		return map[string]*User{}, nil
	}
	return s.repo.GetByDIDs(ctx, dids)
}

// EnsurePlaceholder materializes a user row for a DID referenced by an
// inbound record (a like's actor, a follow's target, a reply's author)
// without itself being indexed yet. Idempotent: re-running on an already
// materialized user is a no-op that returns the existing row.
func (s *service) EnsurePlaceholder(ctx context.Context, did, pdsURL string) (*User, error) {
	did = strings.TrimSpace(did)
	if !strings.HasPrefix(did, "did:") {
		return nil, &InvalidDIDError{DID: did}
	}
	return s.repo.UpsertPlaceholder(ctx, did, pdsURL)
}

func (s *service) UpdateHandle(ctx context.Context, did, newHandle string) (*User, error) {
	newHandle = normalizeHandle(newHandle)
	if err := validateHandle(newHandle); err != nil {
		return nil, err
	}
	return s.repo.UpdateHandle(ctx, did, newHandle)
}

func (s *service) UpdateStatus(ctx context.Context, did string, status AccountStatus) error {
	return s.repo.UpdateStatus(ctx, did, status)
}

func (s *service) ApplyProfile(ctx context.Context, did string, update ProfileUpdate) (*User, error) {
	return s.repo.ApplyProfile(ctx, did, update)
}

func (s *service) DeleteAccount(ctx context.Context, did string) error {
	if strings.TrimSpace(did) == "" {
		return fmt.Errorf("DID is required")
	}
	return s.repo.Delete(ctx, did)
}

func normalizeHandle(handle string) string {
	return strings.TrimSpace(strings.ToLower(handle))
}

// validateHandle validates a handle per the atProto spec.
func validateHandle(handle string) error {
	if handle == "" {
		return &InvalidHandleError{Handle: handle, Reason: "handle cannot be empty"}
	}
	if len(handle) > maxHandleLength {
		return &InvalidHandleError{Handle: handle, Reason: fmt.Sprintf("handle exceeds maximum length of %d characters", maxHandleLength)}
	}
	if !handleRegex.MatchString(handle) {
		return &InvalidHandleError{Handle: handle, Reason: "handle must be domain-like (e.g., user.bsky.social)"}
	}
	for tld := range disallowedTLDs {
		if strings.HasSuffix(handle, tld) {
			return &InvalidHandleError{Handle: handle, Reason: fmt.Sprintf("TLD %s is not allowed", tld)}
		}
	}
	return nil
}
