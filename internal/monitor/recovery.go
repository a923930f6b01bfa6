package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"power-watchdog/internal/db"
	"power-watchdog/internal/logging"
	"power-watchdog/internal/models"
	"power-watchdog/internal/prefs"
)

// RecoveryReport summarizes what Recover found.
type RecoveryReport struct {
	ClosedSessions []models.PowerSession
	Unclean        bool
	LastHeartbeat  int64
}

// Recoverer repairs state left behind by a previous run. It must run
// before any signal is processed.
type Recoverer struct {
	store  db.Store
	prefs  Preferences
	logger *logrus.Entry
	now    func() time.Time
}

func NewRecoverer(store db.Store, p Preferences, logger *logging.Logger) *Recoverer {
	return &Recoverer{store: store, prefs: p, logger: logger.Component("recovery"), now: time.Now}
}

// Recover closes every open session at the current time, records an
// unclean shutdown when the running flag survived, and marks this run
// as started.
func (r *Recoverer) Recover(ctx context.Context) (RecoveryReport, error) {
	now := r.now().UnixMilli()
	var report RecoveryReport

	open, err := r.store.OpenSessions(ctx)
	if err != nil {
		return report, fmt.Errorf("listing open sessions: %w", err)
	}
	latest, err := r.store.ListEvents(ctx, 1)
	if err != nil {
		return report, fmt.Errorf("loading last event: %w", err)
	}
	var floor int64
	if len(latest) > 0 {
		floor = latest[0].Timestamp
	}
	for _, s := range open {
		floor = max(floor, s.StartTimestamp)
	}
	if now < floor {
		// New events never precede recorded ones.
		anomaly := models.PowerEvent{
			Kind:      models.KindError,
			Timestamp: floor,
			Detail:    fmt.Sprintf("clock anomaly: recovery time %d precedes last recorded activity at %d, timestamp raised", now, floor),
		}
		r.logger.Warn(anomaly.Detail)
		if _, err := r.store.Apply(ctx, db.Mutation{Events: []models.PowerEvent{anomaly}}); err != nil {
			return report, fmt.Errorf("recording clock anomaly: %w", err)
		}
		now = floor
	}

	for _, s := range open {
		mut, closed := closeSessionMutation(s, now)
		if _, err := r.store.Apply(ctx, mut); err != nil {
			return report, fmt.Errorf("closing session %d: %w", s.ID, err)
		}
		report.ClosedSessions = append(report.ClosedSessions, *closed)
		r.logger.Infof("Closed session %d left open by previous run (duration %ds)", s.ID, *closed.DurationSeconds)
	}

	report.Unclean = r.prefs.Bool(prefs.KeyServiceRunning)
	report.LastHeartbeat, _ = r.prefs.Int64(prefs.KeyLastHeartbeatTS)
	if report.Unclean {
		detail := fmt.Sprintf("previous run ended without a clean shutdown, closed %d session(s)", len(open))
		if report.LastHeartbeat > 0 {
			detail += fmt.Sprintf(", last heartbeat %s", time.UnixMilli(report.LastHeartbeat).Format(time.RFC3339))
		}
		r.logger.Warn(detail)
		if _, err := r.store.Apply(ctx, db.Mutation{Events: []models.PowerEvent{info(now, detail)}}); err != nil {
			return report, fmt.Errorf("recording unclean shutdown: %w", err)
		}
	}

	err = r.prefs.Update(map[string]string{
		prefs.KeyServiceRunning: "true",
		prefs.KeyServiceStartTS: strconv.FormatInt(now, 10),
	}, nil)
	if err != nil {
		return report, fmt.Errorf("marking service running: %w", err)
	}
	return report, nil
}
