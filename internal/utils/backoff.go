package utils

import "time"

// RetryDelay returns the linear backoff before retry number attempt
// (1-based): attempt × unit.
func RetryDelay(attempt int, unit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * unit
}
