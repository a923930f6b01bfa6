package prefs

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"power-watchdog/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "prefs.json"), logging.NewNop())
	require.NoError(t, err)
	return s
}

func TestMissingFileStartsEmpty(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get(KeyTelegramToken)
	assert.False(t, ok)
	assert.False(t, s.Bool(KeySound))
	_, ok = s.Int64(KeyLastHeartbeatTS)
	assert.False(t, ok)
}

func TestSetPersistsAcrossOpen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set(KeyTelegramEnabled, "true"))
	require.NoError(t, s.Set(KeyLastHeartbeatTS, "1234"))
	require.NoError(t, s.Set(KeyTelegramToken, "T"))
	require.NoError(t, s.Set(KeyTelegramChatID, "1, 2"))

	reopened, err := Open(s.Path(), logging.NewNop())
	require.NoError(t, err)
	assert.True(t, reopened.Bool(KeyTelegramEnabled))
	ts, ok := reopened.Int64(KeyLastHeartbeatTS)
	require.True(t, ok)
	assert.Equal(t, int64(1234), ts)

	settings := reopened.TelegramSettings()
	assert.True(t, settings.Enabled)
	assert.Equal(t, "T", settings.BotToken)
	assert.Equal(t, "1, 2", settings.RawChatIDs)
}

func TestDeleteAndUpdate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Update(map[string]string{KeyServiceRunning: "true", KeyServiceStartTS: "5"}, nil))
	require.NoError(t, s.Update(map[string]string{KeyServiceRunning: "false"}, []string{KeyServiceStartTS}))

	assert.False(t, s.Bool(KeyServiceRunning))
	_, ok := s.Get(KeyServiceStartTS)
	assert.False(t, ok)
}

func TestCorruptFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := Open(path, logging.NewNop())
	require.Error(t, err)
}

func TestSubscribeNotifiedOnSet(t *testing.T) {
	s := newTestStore(t)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	require.NoError(t, s.Set(KeySound, "true"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestReportFailure(t *testing.T) {
	s := newTestStore(t)
	s.ReportFailure("telegram returned 401")
	assert.Equal(t, "telegram returned 401", s.String(KeyTelegramLastErr, ""))
}

func TestWatchReloadsExternalEdit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestStore(t)
	require.NoError(t, s.Set(KeySound, "false"))
	ch := s.Subscribe()
	// Drain the notification from our own write.
	select {
	case <-ch:
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	require.Eventually(t, func() bool {
		// Retry the edit until the watcher has picked it up.
		_ = os.WriteFile(s.Path(), []byte(`{"pref_sound":"true"}`), 0600)
		return s.Bool(KeySound)
	}, 5*time.Second, 300*time.Millisecond)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification after reload")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestReloadDoesNotLoseConcurrentWrites(t *testing.T) {
	s := newTestStore(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.reload()
			}
		}
	}()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, s.Set("key_"+strconv.Itoa(i), "v"))
	}
	close(stop)
	wg.Wait()

	reopened, err := Open(s.Path(), logging.NewNop())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, ok := reopened.Get("key_" + strconv.Itoa(i))
		assert.True(t, ok, "key_%d missing on disk", i)
	}
}
