package users

import (
	"errors"
	"fmt"
)

// Sentinel errors for common user operations.
var (
	// ErrUserNotFound is returned when a user lookup finds no matching record.
	ErrUserNotFound = errors.New("user not found")

	// ErrAlreadyExists is returned by Create when the DID is already indexed.
	ErrAlreadyExists = errors.New("user already exists")
)

// InvalidHandleError is returned for malformed handles.
type InvalidHandleError struct {
	Handle string
	Reason string
}

func (e *InvalidHandleError) Error() string {
	return fmt.Sprintf("invalid handle %q: %s", e.Handle, e.Reason)
}

// InvalidDIDError is returned when a DID does not meet format requirements.
type InvalidDIDError struct {
	DID    string
	Reason string
}

func (e *InvalidDIDError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid DID %q: %s", e.DID, e.Reason)
	}
	return fmt.Sprintf("invalid DID %q: must start with 'did:'", e.DID)
}

// IsNotFound reports whether err represents a missing user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
