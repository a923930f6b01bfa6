package models

// TelegramSettings is the dispatcher configuration read from preferences.
type TelegramSettings struct {
	Enabled    bool   `json:"enabled"`
	BotToken   string `json:"bot_token"`
	RawChatIDs string `json:"chat_ids"`
}

// TestResult aggregates a manual "send test" over all destinations.
type TestResult struct {
	Success   bool   `json:"success"`
	Partial   bool   `json:"partial"`
	Delivered int    `json:"delivered"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Status is the observer-facing monitor snapshot.
type Status struct {
	Running        bool          `json:"running"`
	Alive          bool          `json:"alive"`
	StartedAt      int64         `json:"started_at,omitempty"`
	LastHeartbeat  int64         `json:"last_heartbeat,omitempty"`
	PowerState     EventKind     `json:"power_state,omitempty"`
	CurrentSession *PowerSession `json:"current_session,omitempty"`
	PendingAlerts  int           `json:"pending_alerts"`
	LastAlertError string        `json:"last_alert_error,omitempty"`
}
