package device

import (
	"errors"
	"fmt"

	"tasting/cmd/identity"
)

var (
	// ErrStoreUnavailable means the registry could not be consulted; access
	// cannot be verified and is never granted.
	ErrStoreUnavailable = errors.New("device registry unavailable")

	// ErrAccessDenied is the kind behind every *AccessDeniedError.
	ErrAccessDenied = errors.New("access denied")
)

// StoreUnavailableError wraps a registry failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: cannot verify device: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// AccessDeniedError carries the human-readable reason shown to the operator.
type AccessDeniedError struct {
	Fingerprint string
	Reason      Reason
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAccessDenied, e.Reason)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// storeErr passes caller-facing kinds through and wraps everything else as unavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if identity.IsNotFound(err) || identity.IsConflict(err) || identity.IsInvalidInput(err) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

func notFound(op string) error {
	return identity.NotFoundError{Op: op, Resource: "device"}
}
