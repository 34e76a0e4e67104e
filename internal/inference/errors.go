package inference

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failed call to the reasoning service.
type ErrorKind string

const (
	// Timeout means an attempt ran past the per-call deadline.
	Timeout ErrorKind = "timeout"
	// RateLimited means the provider throttled the request (429/529).
	RateLimited ErrorKind = "rate_limited"
	// Unreachable covers connection failures and provider 5xx answers.
	Unreachable ErrorKind = "unreachable"
	// InvalidResponseShape means the reply held no JSON payload. It is
	// permanent for the call and never retried.
	InvalidResponseShape ErrorKind = "invalid_response_shape"
	// Rejected means the provider refused the request outright (bad
	// key, malformed request). Permanent.
	Rejected ErrorKind = "rejected"
)

// Retryable reports whether another attempt could succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case Timeout, RateLimited, Unreachable:
		return true
	}
	return false
}

// ServiceError is returned by [Client.Infer] and [Client.Fact] once
// retries are exhausted or a permanent failure occurs.
type ServiceError struct {
	Kind     ErrorKind
	Attempts int

	// RetryAfter is the provider's last backoff hint, if any.
	RetryAfter time.Duration

	Err error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("inference %s after %d attempt(s)", e.Kind, e.Attempts)
	}
	return fmt.Sprintf("inference %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
