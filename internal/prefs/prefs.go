package prefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
)

// Preference keys.
const (
	KeySound           = "pref_sound"
	KeyVibrate         = "pref_vibrate"
	KeyTelegramEnabled = "pref_telegram_enabled"
	KeyTelegramToken   = "pref_telegram_token"
	KeyTelegramChatID  = "pref_telegram_chat_id"
	KeyAutoRestart     = "pref_autorestart"
	KeyServiceRunning  = "pref_service_running"
	KeyServiceStartTS  = "pref_service_start_ts"
	KeyLastHeartbeatTS = "pref_last_heartbeat_ts"
	KeyTelegramLastErr = "telegram_last_error"
)

// Store is a string-keyed preference map persisted as a JSON object.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	logger *logrus.Entry

	subMu sync.Mutex
	subs  []chan struct{}
}

// Open loads the preference file at path. A missing file yields an empty
// store that is created on the first write.
func Open(path string, logger *logging.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		values: map[string]string{},
		logger: logger.Component("prefs"),
	}
	values, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("Preference file %s not found, starting empty", path)
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.values = values
	return s, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	return values, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// String returns the value for key or def when unset.
func (s *Store) String(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Bool reports whether key holds a true value. Unset or unparsable is false.
func (s *Store) Bool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// Int64 returns the numeric value for key.
func (s *Store) Int64(key string) (int64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Store) Set(key, value string) error {
	return s.Update(map[string]string{key: value}, nil)
}

// Update sets and deletes keys in one durable write. The in-memory map is
// replaced only after the file has been committed.
func (s *Store) Update(set map[string]string, del []string) error {
	s.mu.Lock()
	next := make(map[string]string, len(s.values)+len(set))
	for k, v := range s.values {
		next[k] = v
	}
	for k, v := range set {
		next[k] = v
	}
	for _, k := range del {
		delete(next, k)
	}
	if err := s.write(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.values = next
	s.mu.Unlock()

	s.broadcast()
	return nil
}

func (s *Store) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create preferences dir: %w", err)
		}
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write preferences %s: %w", s.path, err)
	}
	return nil
}

// TelegramSettings returns the dispatcher configuration.
func (s *Store) TelegramSettings() models.TelegramSettings {
	return models.TelegramSettings{
		Enabled:    s.Bool(KeyTelegramEnabled),
		BotToken:   s.String(KeyTelegramToken, ""),
		RawChatIDs: s.String(KeyTelegramChatID, ""),
	}
}

// ReportFailure records the last fatal delivery failure.
func (s *Store) ReportFailure(reason string) {
	if err := s.Set(KeyTelegramLastErr, reason); err != nil {
		s.logger.Errorf("Failed to store delivery failure: %v", err)
	}
}

// Subscribe returns a channel that receives a signal whenever values change.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan struct{}) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Store) broadcast() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
