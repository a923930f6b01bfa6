package models

// PowerSession is a contiguous interval of available power.
// EndTimestamp and DurationSeconds are nil while the session is open.
type PowerSession struct {
	ID              int64  `json:"id" db:"id"`
	StartTimestamp  int64  `json:"start_timestamp" db:"start_ms"`
	EndTimestamp    *int64 `json:"end_timestamp" db:"end_ms"`
	DurationSeconds *int64 `json:"duration_seconds" db:"duration_sec"`
}

// IsOpen reports whether the session has not been closed yet.
func (s PowerSession) IsOpen() bool {
	return s.EndTimestamp == nil
}

// SessionDuration returns the closed duration in whole seconds, floor
// division, never negative. The second result is true when end precedes start.
func SessionDuration(startMs, endMs int64) (seconds int64, skewed bool) {
	if endMs < startMs {
		return 0, true
	}
	return (endMs - startMs) / 1000, false
}

// Transition is handed to the notification dispatcher after a
// CONNECTED or DISCONNECTED event has been committed.
type Transition struct {
	Kind            EventKind `json:"kind"`
	Timestamp       int64     `json:"timestamp"`
	SessionID       int64     `json:"session_id,omitempty"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
}
