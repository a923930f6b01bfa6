package signals

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
)

func writeOnline(t *testing.T, path, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0644))
}

func TestSysfsInitial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "online")
	src := NewSysfsSource(path, time.Millisecond, logging.NewNop())

	_, ok, err := src.Initial(context.Background())
	require.Error(t, err)
	assert.False(t, ok)

	writeOnline(t, path, "1")
	kind, ok, err := src.Initial(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.KindConnected, kind)

	writeOnline(t, path, "garbage")
	_, _, err = src.Initial(context.Background())
	require.Error(t, err)
}

func TestSysfsRunEmitsChanges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "online")
	writeOnline(t, path, "1")
	src := NewSysfsSource(path, 5*time.Millisecond, logging.NewNop())

	var mu sync.Mutex
	var got []models.Signal
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(sig models.Signal) {
			mu.Lock()
			got = append(got, sig)
			mu.Unlock()
		})
	}()

	// Unchanged value emits nothing.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	writeOnline(t, path, "0")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	writeOnline(t, path, "1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.KindDisconnected, got[0].Kind)
	assert.Equal(t, models.KindConnected, got[1].Kind)
	assert.Equal(t, "sysfs", got[0].Source)
	assert.NotZero(t, got[0].Timestamp)
}
