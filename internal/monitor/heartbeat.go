package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/metrics"
	"power-watchdog/internal/prefs"
)

// Heartbeat periodically records a liveness timestamp.
type Heartbeat struct {
	prefs    Preferences
	interval time.Duration
	logger   *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeat(p Preferences, interval time.Duration, logger *logging.Logger) *Heartbeat {
	return &Heartbeat{prefs: p, interval: interval, logger: logger.Component("heartbeat")}
}

// Start writes a beat immediately and then once per interval.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	h.beat()
	go h.run(ctx, h.done)
}

// Stop cancels the loop and returns after it has exited.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *Heartbeat) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	now := time.Now()
	err := h.prefs.Update(map[string]string{
		prefs.KeyLastHeartbeatTS: strconv.FormatInt(now.UnixMilli(), 10),
	}, nil)
	if err != nil {
		h.logger.Errorf("Failed to write heartbeat: %v", err)
		return
	}
	metrics.LastHeartbeat.Set(float64(now.Unix()))
}

// IsAlive reports whether a running monitor has beaten within three intervals.
func IsAlive(p Preferences, interval time.Duration, now time.Time) bool {
	if !p.Bool(prefs.KeyServiceRunning) {
		return false
	}
	last, ok := p.Int64(prefs.KeyLastHeartbeatTS)
	if !ok {
		return false
	}
	return now.Sub(time.UnixMilli(last)) < 3*interval
}
