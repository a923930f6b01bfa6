package telegram

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the timestamp layout used in alert messages.
const TimeLayout = "02.01.2006 15:04:05"

// ParseChatIDs splits a raw chat id list on commas, semicolons, spaces and
// newlines, dropping empty entries. Order is preserved.
func ParseChatIDs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		}
		return false
	})
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			ids = append(ids, f)
		}
	}
	return ids
}

// PowerMessage formats the alert text for a power transition.
func PowerMessage(connected bool, ts int64, loc *time.Location, device string) string {
	if loc == nil {
		loc = time.Local
	}
	at := time.UnixMilli(ts).In(loc).Format(TimeLayout)
	var header string
	if connected {
		header = "🟢 Power restored"
	} else {
		header = "🔴 Power outage!"
	}
	msg := fmt.Sprintf("%s\nTime: %s", header, at)
	if device != "" {
		msg += fmt.Sprintf("\nDevice: %s", device)
	}
	return msg
}

// TestMessage is the text sent by a manual delivery test.
func TestMessage(device string, now time.Time) string {
	msg := "✅ Test message from power watchdog\nTime: " + now.Format(TimeLayout)
	if device != "" {
		msg += "\nDevice: " + device
	}
	return msg
}

// MaskToken hides all but the last four characters of a bot token.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
