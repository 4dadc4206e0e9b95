package request

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch.
type ErrorKind int

const (
	KindTransport ErrorKind = iota // connection refused, DNS, reset
	KindTimeout
	KindStatus // non-2xx response
	KindInvalid
	KindTooLarge
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindStatus:
		return "status"
	case KindInvalid:
		return "invalid"
	case KindTooLarge:
		return "too_large"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// FetchError describes why a fetch failed.
type FetchError struct {
	URL        string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether a retry could plausibly succeed.
// Timeouts, transport failures and every non-2xx status are transient; a malformed URL,
// an oversize body or a caller cancellation are not.
func IsTransient(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return err != nil
	}
	switch fe.Kind {
	case KindTransport, KindTimeout, KindStatus:
		return true
	default:
		return false
	}
}
