package delivery

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 2 * time.Second
	DefaultMessageDelay = time.Second
)

// RetryableError is a transport failure that may succeed on a later attempt:
// network errors, rate limiting and provider 5xx responses.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("delivery error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("delivery error: %s", e.Message)
}

func (e *RetryableError) IsRetryable() bool { return true }

// PermanentError is a transport failure that will not go away by itself, such
// as rejected credentials or a malformed request.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("delivery error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("delivery error: %s", e.Message)
}

func (e *PermanentError) IsRetryable() bool { return false }

// IsRetryable classifies a transport error. Errors that do not say otherwise
// are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

func errorKind(err error) string {
	if IsRetryable(err) {
		return "retryable"
	}
	return "permanent"
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
