package records

import "errors"

// Error sentinels shared by every layer. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrLocalStoreUnavailable means the local store could not be opened or a
	// transaction failed. Reads treat it as a cache miss.
	ErrLocalStoreUnavailable = errors.New("local_store_unavailable")

	// ErrRemoteUnavailable covers network failures, non-2xx statuses and
	// undecodable bodies from the remote API.
	ErrRemoteUnavailable = errors.New("remote_unavailable")

	// ErrValidation is returned for malformed review submissions, before any I/O.
	ErrValidation = errors.New("validation_failed")

	// ErrNotFound means a restaurant id matched nothing locally or remotely.
	ErrNotFound = errors.New("not_found")
)
