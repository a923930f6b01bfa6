package models

import "time"

// Outcome is the terminal state of a NotificationTask.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeFatal     Outcome = "fatal"
	OutcomeExhausted Outcome = "exhausted"
)

// NotificationTask is one alert for one destination.
type NotificationTask struct {
	ID             string    `json:"id"`
	Destination    string    `json:"destination"`
	Message        string    `json:"message"`
	Token          string    `json:"-"`
	Attempts       int       `json:"attempts"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Outcome        Outcome   `json:"outcome"`
	LastError      string    `json:"last_error,omitempty"`
	LastStatus     int       `json:"last_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the task reached a terminal outcome.
func (t *NotificationTask) Done() bool {
	return t.Outcome != OutcomePending && t.Outcome != ""
}
