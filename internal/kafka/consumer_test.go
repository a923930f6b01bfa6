package kafka

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"power-watchdog/internal/db"
	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
	"power-watchdog/internal/monitor"
	"power-watchdog/internal/prefs"
	"power-watchdog/internal/signals"
)

var testConfig = Config{Brokers: []string{"localhost:9092"}, Topic: "power_signals", GroupID: "power-watchdog"}

type fakeReader struct {
	msgs   chan kafka.Message
	mu     sync.Mutex
	closed bool
	err    error
}

// ReadMessage fails with io.EOF once closed, as *kafka.Reader does.
func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if r.isClosed() {
		return kafka.Message{}, io.EOF
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// readerFactory hands out a fresh fakeReader per Run, all fed from msgs.
type readerFactory struct {
	msgs    chan kafka.Message
	err     error
	mu      sync.Mutex
	readers []*fakeReader
}

func (f *readerFactory) newReader(cfg Config) messageReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeReader{msgs: f.msgs, err: f.err}
	f.readers = append(f.readers, r)
	return r
}

func (f *readerFactory) opened() []*fakeReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeReader(nil), f.readers...)
}

func TestDecode(t *testing.T) {
	sig, err := Decode([]byte(`{"state":"DISCONNECTED","timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, models.KindDisconnected, sig.Kind)
	assert.Equal(t, int64(1700000000000), sig.Timestamp)

	for _, raw := range []string{
		`not json`,
		`{"state":"INFO"}`,
		`{"state":"SOMETHING"}`,
		`{"state":"CONNECTED","timestamp":-5}`,
	} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestConsumerSkipsInvalidMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &readerFactory{msgs: make(chan kafka.Message, 3)}
	f.msgs <- kafka.Message{Value: []byte(`{"state":"CONNECTED"}`)}
	f.msgs <- kafka.Message{Value: []byte(`{"state":"bogus"}`), Offset: 1}
	f.msgs <- kafka.Message{Value: []byte(`{"state":"DISCONNECTED","timestamp":42}`), Offset: 2}

	c := newConsumer(testConfig, f.newReader, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []models.Signal
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(s models.Signal) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, f.opened(), 1)
	assert.True(t, f.opened()[0].isClosed())

	assert.Equal(t, models.KindConnected, got[0].Kind)
	assert.Equal(t, models.KindDisconnected, got[1].Kind)
	assert.Equal(t, int64(42), got[1].Timestamp)
	assert.Equal(t, "kafka", got[1].Source)
}

func TestConsumerReturnsReadErrors(t *testing.T) {
	f := &readerFactory{err: errors.New("broker unavailable")}
	c := newConsumer(testConfig, f.newReader, logging.NewNop())

	err := c.Run(context.Background(), func(models.Signal) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	require.Len(t, f.opened(), 1)
	assert.True(t, f.opened()[0].isClosed())

	_, ok, err := c.Initial(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumerSurvivesMonitorRestart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := db.NewMemoryStore()
	p, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.json"), logging.NewNop())
	require.NoError(t, err)
	f := &readerFactory{msgs: make(chan kafka.Message, 1)}
	c := newConsumer(testConfig, f.newReader, logging.NewNop())
	manager := monitor.NewSessionManager(store, nil, nil, nil, p, logging.NewNop())
	mon := monitor.New(store, manager, p, []signals.Source{c}, time.Hour, logging.NewNop())

	runOnce := func(state models.EventKind, recorded func() bool) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- mon.Run(ctx) }()

		f.msgs <- kafka.Message{Value: []byte(`{"state":"` + string(state) + `"}`)}
		require.Eventually(t, recorded, 2*time.Second, 5*time.Millisecond)
		select {
		case err := <-done:
			t.Fatalf("monitor returned before cancel: %v", err)
		default:
		}
		cancel()
		require.NoError(t, <-done)
	}

	countKind := func(kind models.EventKind) int {
		events, _ := store.ListEvents(context.Background(), 0)
		n := 0
		for _, e := range events {
			if e.Kind == kind {
				n++
			}
		}
		return n
	}

	runOnce(models.KindDisconnected, func() bool { return countKind(models.KindDisconnected) == 1 })
	runOnce(models.KindConnected, func() bool { return countKind(models.KindConnected) == 1 })

	readers := f.opened()
	require.Len(t, readers, 2)
	for _, r := range readers {
		assert.True(t, r.isClosed())
	}
	sessions, err := store.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsOpen())
}
