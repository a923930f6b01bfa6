package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"power-watchdog/internal/db"
	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
	"power-watchdog/internal/prefs"
	"power-watchdog/internal/signals"
)

const shutdownTimeout = 10 * time.Second

// Monitor runs one monitoring lifecycle: recovery, bootstrap, heartbeat and
// signal consumption, then a clean shutdown.
type Monitor struct {
	manager   *SessionManager
	recoverer *Recoverer
	heartbeat *Heartbeat
	prefs     Preferences
	sources   []signals.Source
	logger    *logrus.Entry
}

func New(store db.Store, manager *SessionManager, p Preferences, sources []signals.Source, heartbeatInterval time.Duration, logger *logging.Logger) *Monitor {
	return &Monitor{
		manager:   manager,
		recoverer: NewRecoverer(store, p, logger),
		heartbeat: NewHeartbeat(p, heartbeatInterval, logger),
		prefs:     p,
		sources:   sources,
		logger:    logger.Component("monitor"),
	}
}

// Run blocks until ctx is cancelled or a source fails.
func (m *Monitor) Run(ctx context.Context) error {
	report, err := m.recoverer.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if report.Unclean {
		m.logger.Warnf("Recovered from unclean shutdown, closed %d session(s)", len(report.ClosedSessions))
	}

	if err := m.manager.Start(ctx); err != nil {
		return fmt.Errorf("starting session manager: %w", err)
	}
	defer m.manager.Stop()

	m.bootstrap(ctx)
	m.heartbeat.Start(ctx)
	m.logger.Infof("Monitor running with %d signal source(s)", len(m.sources))

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range m.sources {
		g.Go(func() error {
			err := src.Run(gctx, func(sig models.Signal) {
				if sig.Source == "" {
					sig.Source = src.Name()
				}
				if _, err := m.manager.HandleSignal(gctx, sig); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Errorf("Signal %s from %s not recorded: %v", sig.Kind, sig.Source, err)
				}
			})
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		// Sources ended on their own; keep serving direct signals.
		<-ctx.Done()
	}

	m.stop()
	if ctx.Err() != nil {
		return nil
	}
	return runErr
}

func (m *Monitor) bootstrap(ctx context.Context) {
	if len(m.sources) == 0 {
		return
	}
	primary := m.sources[0]
	kind, ok, err := primary.Initial(ctx)
	if err != nil {
		m.logger.Warnf("Initial state from %s unavailable: %v", primary.Name(), err)
		return
	}
	if !ok {
		return
	}
	if _, err := m.manager.Bootstrap(ctx, kind == models.KindConnected); err != nil {
		m.logger.Errorf("Bootstrap failed: %v", err)
	}
}

func (m *Monitor) stop() {
	m.heartbeat.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := m.manager.Shutdown(ctx); err != nil {
		m.logger.Errorf("Failed to close session at shutdown: %v", err)
	}
	if err := m.prefs.Update(map[string]string{prefs.KeyServiceRunning: "false"}, []string{prefs.KeyServiceStartTS}); err != nil {
		m.logger.Errorf("Failed to clear running flag: %v", err)
	}
	m.logger.Info("Monitor stopped")
}

// Manager exposes the session manager for direct signal submission.
func (m *Monitor) Manager() *SessionManager {
	return m.manager
}
