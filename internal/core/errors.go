package core

import "errors"

var (
	// ErrConflict is returned when a job is re-submitted under an existing
	// job_id with a different request hash.
	ErrConflict = errors.New("job already exists with a different request body")

	// ErrJobNotFound is returned when a referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrCommitmentNotFound is returned for heartbeat or completion against
	// an unknown commitment id.
	ErrCommitmentNotFound = errors.New("commitment not found")

	// ErrStaleCommitment is returned for completion or heartbeat on a
	// commitment whose contract has already terminated.
	ErrStaleCommitment = errors.New("stale commitment: contract already terminated")

	// ErrInvalidJobRequest is returned for malformed job requests.
	ErrInvalidJobRequest = errors.New("invalid job request")
)
