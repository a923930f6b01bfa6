package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind classifies a PowerEvent row.
type EventKind string

const (
	KindConnected    EventKind = "CONNECTED"
	KindDisconnected EventKind = "DISCONNECTED"
	KindInfo         EventKind = "INFO"
	KindError        EventKind = "ERROR"
)

// ParseEventKind accepts the canonical names case-insensitively.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindConnected, KindDisconnected, KindInfo, KindError:
		return k, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// IsTransition reports whether the kind is a power transition.
func (k EventKind) IsTransition() bool {
	return k == KindConnected || k == KindDisconnected
}

// PowerEvent is an immutable fact about a power transition or diagnostic.
type PowerEvent struct {
	ID        int64     `json:"id" db:"id"`
	Kind      EventKind `json:"kind" db:"kind"`
	Timestamp int64     `json:"timestamp" db:"timestamp_ms"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
}

func (e PowerEvent) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s@%d", e.Kind, e.Timestamp)
	}
	return fmt.Sprintf("%s@%d (%s)", e.Kind, e.Timestamp, e.Detail)
}

// Signal is an inbound observation from a power source.
type Signal struct {
	Kind      EventKind `json:"state"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// UnmarshalJSON validates that the signal carries a transition kind.
func (s *Signal) UnmarshalJSON(data []byte) error {
	type alias Signal
	aux := &struct {
		Kind string `json:"state"`
		*alias
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	kind, err := ParseEventKind(aux.Kind)
	if err != nil {
		return err
	}
	if !kind.IsTransition() {
		return fmt.Errorf("signal state must be CONNECTED or DISCONNECTED, got %s", kind)
	}
	s.Kind = kind
	return nil
}
