package reliability

import (
	"errors"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableSignalCode classifies error codes sent by the realtime server over signaling.
func IsRetryableSignalCode(code string) bool {
	switch code {
	case "rate_limited", "room_full", "server_busy", "unavailable":
		return true
	default:
		return false
	}
}

// Retryable is implemented by errors that know whether a fresh attempt may succeed.
type Retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether any error in err's chain is marked retryable.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
