package sourceapi

import (
	"context"
	"errors"
)

var (
	// ErrCredential reports that the upstream rejected the shared credential (401/403).
	ErrCredential = errors.New("upstream rejected credential")
	// ErrMalformedResponse reports a successful status with an unparseable body.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrRetriesExhausted reports that every attempt of the retry policy failed transiently.
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
	// ErrUnexpectedStatus reports a non-retryable status outside the documented contract.
	ErrUnexpectedStatus = errors.New("unexpected upstream status")
)

// Error kinds used in logs, metrics, and backfill reasons.
const (
	KindCredential = "credential"
	KindMalformed  = "malformed"
	KindExhausted  = "exhausted"
	KindStatus     = "status"
	KindCanceled   = "canceled"
	KindUnknown    = "unknown"
)

// ErrorKind classifies a fetch error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredential):
		return KindCredential
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, ErrRetriesExhausted):
		return KindExhausted
	case errors.Is(err, ErrUnexpectedStatus):
		return KindStatus
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
