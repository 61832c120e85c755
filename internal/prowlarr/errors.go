package prowlarr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL       = errors.New("invalid prowlarr URL")
	ErrInvalidAPIKey    = errors.New("invalid or missing API key")
	ErrConnectionFailed = errors.New("prowlarr connection failed")
	ErrSearchFailed     = errors.New("prowlarr search failed")
	ErrRateLimited      = errors.New("prowlarr rate limit exceeded")
)

// OpError records which Prowlarr call failed.
type OpError struct {
	Op     string // connect, indexers or search
	Detail string
	Err    error
}

func (e *OpError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("prowlarr %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("prowlarr %s: %s: %v", e.Op, e.Detail, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapError attaches op to err. A nil err stays nil.
func WrapError(op string, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Detail: detail, Err: err}
}

// IsRateLimited reports whether Prowlarr rejected the call with a 429.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
