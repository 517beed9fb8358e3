package upload

import "errors"

// Client input errors: rejected synchronously, no state mutation, safe to
// retry after correction.
var (
	ErrInvalidTotalSize     = errors.New("declared total size must be positive")
	ErrInvalidChunkSize     = errors.New("declared chunk size outside allowed bounds")
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrChunkSizeMismatch    = errors.New("chunk size does not match declaration")
	ErrInvalidDecision      = errors.New("unknown confirmation decision")
)

// Session lookup and lifecycle errors.
var (
	ErrSessionNotFound       = errors.New("upload session not found")
	ErrSessionExpired        = errors.New("upload session expired")
	ErrSessionFailed         = errors.New("upload session failed")
	ErrUploadIncomplete      = errors.New("upload incomplete: chunks missing")
	ErrCompletionInProgress  = errors.New("completion already in progress")
	ErrNoConfirmationPending = errors.New("no confirmation pending for session")
	ErrIllegalTransition     = errors.New("illegal session state transition")
)

// Integrity errors. A per-chunk mismatch is retryable: the chunk is
// discarded and the client resends it. A whole-file mismatch is terminal
// for the session.
var (
	ErrChunkIntegrityMismatch = errors.New("chunk integrity mismatch")
	ErrFileIntegrityMismatch  = errors.New("whole-file integrity mismatch")
)
