package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("...: %w") and
// classify with errors.Is.
var (
	// ErrInvalidInput is a client error: malformed or missing fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidHostname is returned for empty, over-long or malformed hostnames.
	ErrInvalidHostname = fmt.Errorf("%w: invalid hostname", ErrInvalidInput)
	// ErrInvalidCategory is returned for empty or path-unsafe category names.
	ErrInvalidCategory = fmt.Errorf("%w: invalid category", ErrInvalidInput)
	// ErrNotFound reports an absent resource (e.g. no generated artifact).
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a bulk operation is already running.
	ErrConflict = errors.New("bulk operation already in progress")
	// ErrServiceUnavailable reports a required collaborator that is not initialized.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrStoreUnavailable reports transient store connectivity failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)
