package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Reason classifies why a fetch did not produce a usable payload.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonTransport   Reason = "transport"
	ReasonStatus      Reason = "status"
	ReasonTooLarge    Reason = "too_large"
	ReasonUnknownKind Reason = "unknown_kind"
	ReasonBadURL      Reason = "bad_url"
)

// Error is the failure returned by Fetch. All of them are terminal for the link.
type Error struct {
	Reason Reason
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: %s %d", e.URL, e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the Reason from err, or "" when err is not a fetch Error.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

func transportError(url string, err error) *Error {
	if isTimeout(err) {
		return &Error{Reason: ReasonTimeout, URL: url, Err: err}
	}
	return &Error{Reason: ReasonTransport, URL: url, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
