package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/metrics"
	"power-watchdog/internal/prefs"
)

// Runner is a restartable unit of work.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor restarts a failed Runner while auto-restart is enabled.
type Supervisor struct {
	runner Runner
	prefs  Preferences
	delay  time.Duration
	logger *logrus.Entry
}

func NewSupervisor(runner Runner, p Preferences, delay time.Duration, logger *logging.Logger) *Supervisor {
	return &Supervisor{runner: runner, prefs: p, delay: delay, logger: logger.Component("supervisor")}
}

// Run blocks until ctx is cancelled, or until the runner fails with
// auto-restart disabled, in which case the failure is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runner.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !s.prefs.Bool(prefs.KeyAutoRestart) {
			s.logger.Errorf("Monitor failed, auto-restart disabled: %v", err)
			return err
		}
		s.logger.Warnf("Monitor failed, restarting in %s: %v", s.delay, err)
		metrics.MonitorRestarts.Inc()

		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
