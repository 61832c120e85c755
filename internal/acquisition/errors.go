package acquisition

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation does not apply to the
// request's current state.
var ErrInvalidTransition = errors.New("request cannot change to the requested state")

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	// KindConfiguration needs admin action: no indexers, no backend.
	KindConfiguration ErrorKind = "configuration"
	// KindTransientSearch covers zero results or nothing above threshold.
	KindTransientSearch ErrorKind = "transient_search"
	// KindSearchGateway is a network or API fault from the search gateway.
	KindSearchGateway ErrorKind = "search_gateway"
	// KindBackendSubmission means the backend refused the download.
	KindBackendSubmission ErrorKind = "backend_submission"
	// KindMonitorRead is a failed poll; retried on the next poll.
	KindMonitorRead ErrorKind = "monitor_read"
	// KindUnexpected is any other fault, including recovered panics.
	KindUnexpected ErrorKind = "unexpected"
)

// StageError is a pipeline stage failure. Message is safe to show to users;
// Err carries the underlying cause for the logs.
type StageError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the request stays eligible for automatic retry.
func (e *StageError) Retryable() bool {
	return e.Kind == KindTransientSearch || e.Kind == KindMonitorRead
}

func stageErr(kind ErrorKind, err error, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// asStageError converts any error into a StageError.
func asStageError(err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: KindUnexpected, Message: "Unexpected error: " + err.Error(), Err: err}
}
