// Package apperr defines the error kinds shared across the munin core.
package apperr

import "errors"

var (
	// ErrNotFound covers unknown slugs and bullet IDs.
	ErrNotFound = errors.New("not found")
	// ErrInput covers malformed slugs, kinds, and queries.
	ErrInput = errors.New("invalid input")
	// ErrIndexUnavailable is returned when the derived store cannot be
	// opened, or when both retrieval channels fail for a query.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrIndexStale marks a schema mismatch that triggered a rebuild.
	ErrIndexStale = errors.New("index stale")
	// ErrProviderTransient is a retryable embedding/reranker failure.
	ErrProviderTransient = errors.New("provider transient failure")
	// ErrProviderHard is a non-retryable provider failure (bad key, unknown
	// model). The channel stays disabled until configuration changes.
	ErrProviderHard = errors.New("provider hard failure")
	// ErrWriterConflict means another process holds the writer lock.
	ErrWriterConflict = errors.New("writer already running")
)

// Exit codes for the CLI surface.
const (
	ExitOK               = 0
	ExitInput            = 2
	ExitIndexUnavailable = 3
	ExitWriterConflict   = 4
)

// ExitCode maps an error to its process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInput), errors.Is(err, ErrNotFound):
		return ExitInput
	case errors.Is(err, ErrWriterConflict):
		return ExitWriterConflict
	case errors.Is(err, ErrIndexUnavailable):
		return ExitIndexUnavailable
	default:
		return 1
	}
}
