package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrNoClientConfigured means no backend serves the candidate's protocol.
	ErrNoClientConfigured = errors.New("no download client configured for protocol")
	// ErrBackendProtocol means the backend answered in an unusable way, such
	// as accepting a submission without returning a job id.
	ErrBackendProtocol   = errors.New("download client protocol error")
	ErrUnsupportedClient = errors.New("unsupported client type")
	ErrInvalidClient     = errors.New("invalid client configuration")
)

// BackendError wraps a failure reported by a download backend.
type BackendError struct {
	Op      string // submit, poll, cancel, test
	Backend ClientType
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err requires admin action rather than a retry.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoClientConfigured) ||
		errors.Is(err, ErrUnsupportedClient) ||
		errors.Is(err, ErrInvalidClient) ||
		errors.Is(err, ErrAuthFailed)
}
