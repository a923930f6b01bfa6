package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"power-watchdog/internal/logging"
)

// Sender delivers one text message to one destination.
type Sender interface {
	Send(ctx context.Context, token, chatID, text string) error
}

// DeliveryError describes a failed delivery attempt. Status is the HTTP
// status of the response, 0 when no response arrived.
type DeliveryError struct {
	Status      int
	Fatal       bool
	Description string
	Err         error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("network error: %v", e.Err)
	case e.Description != "":
		return fmt.Sprintf("telegram returned %d: %s", e.Status, e.Description)
	default:
		return fmt.Sprintf("telegram returned %d", e.Status)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// UserText is the operator-facing explanation of the failure.
func (e *DeliveryError) UserText() string {
	switch e.Status {
	case 0:
		return fmt.Sprintf("Network error: %v", e.Err)
	case http.StatusBadRequest:
		return "Invalid chat ID"
	case http.StatusUnauthorized:
		return "Invalid bot token"
	case http.StatusForbidden:
		return "Bot is blocked by the user or cannot write to the chat"
	default:
		return fmt.Sprintf("Telegram API error %d: %s", e.Status, e.Description)
	}
}

// UserText explains any delivery error to an operator.
func UserText(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.UserText()
	}
	return err.Error()
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Fatal
}

// Classify maps an HTTP status and transport error to a delivery result:
// 2xx succeeds, 4xx is fatal, everything else is retryable.
func Classify(status int, body []byte, err error) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return &DeliveryError{Status: status, Fatal: true, Description: describe(body), Err: err}
	case status == 0:
		if err == nil {
			err = errors.New("no response")
		}
		return &DeliveryError{Err: err}
	default:
		return &DeliveryError{Status: status, Description: describe(body), Err: err}
	}
}

// describe extracts the Bot API description, falling back to the raw body.
func describe(body []byte) string {
	var resp struct {
		Description string `json:"description"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.Description != "" {
		return resp.Description
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// TelegramSender sends messages through the Bot API.
type TelegramSender struct {
	serverURL string
	client    *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *logrus.Entry
}

// NewTelegramSender creates a sender against serverURL (the Bot API root).
func NewTelegramSender(serverURL string, ratePerSecond int, timeout time.Duration, logger *logging.Logger) *TelegramSender {
	if ratePerSecond <= 0 {
		ratePerSecond = 25
	}
	return &TelegramSender{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond),
		logger:    logger.Component("telegram"),
	}
}

// Send performs one delivery attempt and returns a *DeliveryError on failure.
func (s *TelegramSender) Send(ctx context.Context, token, chatID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Err: fmt.Errorf("telegram rate limit wait: %w", err)}
	}

	rec := &statusRecorder{client: s.client}
	b, err := bot.New(token,
		bot.WithSkipGetMe(),
		bot.WithServerURL(s.serverURL),
		bot.WithHTTPClient(s.timeout, rec),
	)
	if err != nil {
		return &DeliveryError{Fatal: true, Description: "invalid bot configuration", Err: err}
	}

	_, sendErr := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	status, body := rec.result()
	result := Classify(status, body, sendErr)
	if result != nil {
		s.logger.WithField("chat_id", chatID).Warnf("Telegram delivery failed: %v", result)
	} else {
		s.logger.WithField("chat_id", chatID).Debugf("Telegram message delivered")
	}
	return result
}

// statusRecorder captures the status and body of the last response.
type statusRecorder struct {
	client *http.Client

	mu     sync.Mutex
	status int
	body   []byte
}

func (r *statusRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	r.mu.Lock()
	r.status = resp.StatusCode
	r.body = body
	r.mu.Unlock()
	return resp, nil
}

func (r *statusRecorder) result() (int, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.body
}
