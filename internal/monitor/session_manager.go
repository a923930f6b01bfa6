package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"power-watchdog/internal/db"
	"power-watchdog/internal/logging"
	"power-watchdog/internal/metrics"
	"power-watchdog/internal/models"
	"power-watchdog/internal/prefs"
	"power-watchdog/internal/providers"
)

// ErrNotRunning is returned when the session manager loop is not running.
var ErrNotRunning = errors.New("session manager is not running")

// Notifier accepts committed transitions for delivery. It must not block.
type Notifier interface {
	Enqueue(tr models.Transition) int
}

// EventObserver is told about every committed event.
type EventObserver interface {
	Publish(e models.PowerEvent)
}

// Preferences is the subset of the preference store the monitor uses.
type Preferences interface {
	Bool(key string) bool
	Int64(key string) (int64, bool)
	Update(set map[string]string, del []string) error
}

// Result describes what one request committed.
type Result struct {
	Events     []models.PowerEvent  `json:"events"`
	Session    *models.PowerSession `json:"session,omitempty"`
	Transition *models.Transition   `json:"transition,omitempty"`
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context) (Result, error)
	reply chan response
}

type response struct {
	res Result
	err error
}

// SessionManager is the single writer of power events and sessions. All
// mutations run on its loop goroutine, one at a time, in arrival order.
type SessionManager struct {
	store    db.Store
	notifier Notifier
	observer EventObserver
	alerter  providers.LocalAlerter
	prefs    Preferences
	logger   *logrus.Entry
	now      func() time.Time

	lifeMu   sync.Mutex
	requests chan request
	quit     chan struct{}
	loopDone chan struct{}
	alerts   sync.WaitGroup

	// open and lastTS are owned by the loop goroutine.
	open   *models.PowerSession
	lastTS int64

	snapMu   sync.RWMutex
	snapshot *models.PowerSession
}

// NewSessionManager builds a manager. notifier, observer and alerter may be nil.
func NewSessionManager(store db.Store, notifier Notifier, observer EventObserver, alerter providers.LocalAlerter, p Preferences, logger *logging.Logger) *SessionManager {
	return &SessionManager{
		store:    store,
		notifier: notifier,
		observer: observer,
		alerter:  alerter,
		prefs:    p,
		logger:   logger.Component("session"),
		now:      time.Now,
	}
}

// Start loads the open session from the store and starts the loop.
func (m *SessionManager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.requests != nil {
		return errors.New("session manager already running")
	}

	open, err := m.store.OpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading open session: %w", err)
	}
	latest, err := m.store.ListEvents(ctx, 1)
	if err != nil {
		return fmt.Errorf("loading last event: %w", err)
	}
	m.open = nil
	m.lastTS = 0
	if len(latest) > 0 {
		m.lastTS = latest[0].Timestamp
	}
	if len(open) > 0 {
		if len(open) > 1 {
			m.logger.Errorf("Found %d open sessions, tracking the newest", len(open))
		}
		s := open[len(open)-1]
		m.open = &s
		m.lastTS = max(m.lastTS, s.StartTimestamp)
	}
	m.publishSnapshot()

	m.requests = make(chan request)
	m.quit = make(chan struct{})
	m.loopDone = make(chan struct{})
	go m.loop(m.requests, m.quit, m.loopDone)
	return nil
}

// Stop ends the loop after the request in progress, if any.
func (m *SessionManager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.requests == nil {
		return
	}
	close(m.quit)
	<-m.loopDone
	m.requests = nil
	m.alerts.Wait()
}

func (m *SessionManager) loop(requests <-chan request, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case req := <-requests:
			res, err := req.fn(req.ctx)
			req.reply <- response{res: res, err: err}
		}
	}
}

func (m *SessionManager) submit(ctx context.Context, fn func(ctx context.Context) (Result, error)) (Result, error) {
	m.lifeMu.Lock()
	requests, quit := m.requests, m.quit
	m.lifeMu.Unlock()
	if requests == nil {
		return Result{}, ErrNotRunning
	}

	req := request{ctx: ctx, fn: fn, reply: make(chan response, 1)}
	select {
	case requests <- req:
	case <-quit:
		return Result{}, ErrNotRunning
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	resp := <-req.reply
	return resp.res, resp.err
}

// HandleSignal records a CONNECTED or DISCONNECTED observation.
func (m *SessionManager) HandleSignal(ctx context.Context, sig models.Signal) (Result, error) {
	if !sig.Kind.IsTransition() {
		return Result{}, fmt.Errorf("unsupported signal kind %q", sig.Kind)
	}
	source := sig.Source
	if source == "" {
		source = "unknown"
	}
	metrics.SignalsReceived.WithLabelValues(source, string(sig.Kind)).Inc()

	return m.submit(ctx, func(ctx context.Context) (Result, error) {
		ts := sig.Timestamp
		if ts == 0 {
			ts = m.now().UnixMilli()
		}
		ts, anomaly := m.stamp(ts, fmt.Sprintf("%s signal from %s", sig.Kind, source))
		if sig.Kind == models.KindConnected {
			return m.connected(ctx, ts, anomaly)
		}
		return m.disconnected(ctx, ts, anomaly)
	})
}

// Bootstrap records the state observed at startup. When power is present
// and no session is open, a session is opened.
func (m *SessionManager) Bootstrap(ctx context.Context, connected bool) (Result, error) {
	return m.submit(ctx, func(ctx context.Context) (Result, error) {
		ts, anomaly := m.stamp(m.now().UnixMilli(), "startup")
		if !connected {
			return m.commit(ctx, db.Mutation{Events: append([]models.PowerEvent{info(ts, "monitor started without power")}, anomaly...)}, nil)
		}
		if m.open != nil {
			return m.commit(ctx, db.Mutation{Events: append([]models.PowerEvent{
				info(ts, fmt.Sprintf("monitor started with power connected, session %d already open", m.open.ID)),
			}, anomaly...)}, nil)
		}
		next := &models.PowerSession{StartTimestamp: ts}
		return m.commit(ctx, db.Mutation{
			Events: append([]models.PowerEvent{info(ts, "monitor started with power connected")}, anomaly...),
			Open:   next,
		}, func(res *Result, applied db.Applied) {
			next.ID = applied.OpenedID
			m.open = next
			res.Session = cloneSession(next)
		})
	})
}

// Shutdown closes the open session, if any, and records the stop.
func (m *SessionManager) Shutdown(ctx context.Context) (Result, error) {
	return m.submit(ctx, func(ctx context.Context) (Result, error) {
		ts, anomaly := m.stamp(m.now().UnixMilli(), "shutdown")
		if m.open == nil {
			return m.commit(ctx, db.Mutation{Events: append([]models.PowerEvent{info(ts, "monitor stopped")}, anomaly...)}, nil)
		}
		mut, closed := closeSessionMutation(*m.open, ts)
		mut.Events = append(mut.Events, anomaly...)
		mut.Events = append(mut.Events, info(ts, "monitor stopped"))
		return m.commit(ctx, mut, func(res *Result, _ db.Applied) {
			m.open = nil
			res.Session = closed
		})
	})
}

// Current returns a copy of the open session, or nil.
func (m *SessionManager) Current() *models.PowerSession {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return cloneSession(m.snapshot)
}

func (m *SessionManager) connected(ctx context.Context, ts int64, anomaly []models.PowerEvent) (Result, error) {
	if m.open != nil {
		detail := fmt.Sprintf("duplicate CONNECTED signal, session %d already open", m.open.ID)
		m.logger.Warn(detail)
		return m.commit(ctx, db.Mutation{Events: append([]models.PowerEvent{info(ts, detail)}, anomaly...)}, nil)
	}

	next := &models.PowerSession{StartTimestamp: ts}
	return m.commit(ctx, db.Mutation{
		Events: append([]models.PowerEvent{{Kind: models.KindConnected, Timestamp: ts}}, anomaly...),
		Open:   next,
	}, func(res *Result, applied db.Applied) {
		next.ID = applied.OpenedID
		m.open = next
		res.Session = cloneSession(next)
		res.Transition = &models.Transition{Kind: models.KindConnected, Timestamp: ts, SessionID: next.ID}
	})
}

func (m *SessionManager) disconnected(ctx context.Context, ts int64, anomaly []models.PowerEvent) (Result, error) {
	events := append([]models.PowerEvent{{Kind: models.KindDisconnected, Timestamp: ts}}, anomaly...)
	if m.open == nil {
		res, err := m.commit(ctx, db.Mutation{Events: events}, func(res *Result, _ db.Applied) {
			res.Transition = &models.Transition{Kind: models.KindDisconnected, Timestamp: ts}
		})
		if err == nil {
			m.localAlert()
		}
		return res, err
	}

	closeMut, closed := closeSessionMutation(*m.open, ts)
	mut := db.Mutation{
		Events: append(events, closeMut.Events...),
		Close:  closeMut.Close,
	}
	res, err := m.commit(ctx, mut, func(res *Result, _ db.Applied) {
		m.open = nil
		res.Session = closed
		res.Transition = &models.Transition{
			Kind:            models.KindDisconnected,
			Timestamp:       ts,
			SessionID:       closed.ID,
			DurationSeconds: closed.DurationSeconds,
		}
	})
	if err == nil {
		m.localAlert()
	}
	return res, err
}

// stamp keeps event timestamps non-decreasing in insertion order. A ts
// older than the last recorded event is raised to it, and the returned
// ERROR event records the correction.
func (m *SessionManager) stamp(ts int64, what string) (int64, []models.PowerEvent) {
	if ts >= m.lastTS {
		return ts, nil
	}
	m.logger.Warnf("Timestamp %d of %s precedes last recorded event at %d", ts, what, m.lastTS)
	return m.lastTS, []models.PowerEvent{{
		Kind:      models.KindError,
		Timestamp: m.lastTS,
		Detail:    fmt.Sprintf("clock anomaly: %s at %d precedes last recorded event at %d, timestamp raised", what, ts, m.lastTS),
	}}
}

// closeSessionMutation builds the mutation closing s at ts and the
// resulting closed session.
func closeSessionMutation(s models.PowerSession, ts int64) (db.Mutation, *models.PowerSession) {
	dur, skewed := models.SessionDuration(s.StartTimestamp, ts)
	var mut db.Mutation
	if skewed {
		mut.Events = append(mut.Events, models.PowerEvent{
			Kind:      models.KindError,
			Timestamp: ts,
			Detail: fmt.Sprintf("clock anomaly: session %d ends at %d before its start %d, duration clamped to 0",
				s.ID, ts, s.StartTimestamp),
		})
	}
	mut.Close = &db.SessionClose{ID: s.ID, EndTimestamp: ts, DurationSeconds: dur}

	end := ts
	closed := &models.PowerSession{ID: s.ID, StartTimestamp: s.StartTimestamp, EndTimestamp: &end, DurationSeconds: &dur}
	return mut, closed
}

// commit applies mut and, only when it succeeds, runs onCommit to advance
// the loop state, then publishes events and hands off the transition.
func (m *SessionManager) commit(ctx context.Context, mut db.Mutation, onCommit func(res *Result, applied db.Applied)) (Result, error) {
	applied, err := m.store.Apply(ctx, mut)
	if err != nil {
		metrics.StoreErrors.Inc()
		m.logger.Errorf("Failed to record %s: %v", describeMutation(mut), err)
		return Result{}, fmt.Errorf("recording %s: %w", describeMutation(mut), err)
	}

	var res Result
	for i, e := range mut.Events {
		if i < len(applied.EventIDs) {
			e.ID = applied.EventIDs[i]
		}
		res.Events = append(res.Events, e)
	}
	for _, e := range res.Events {
		m.lastTS = max(m.lastTS, e.Timestamp)
	}
	if onCommit != nil {
		onCommit(&res, applied)
	}
	m.publishSnapshot()

	for _, e := range res.Events {
		metrics.EventsRecorded.WithLabelValues(string(e.Kind)).Inc()
		m.logger.WithFields(logrus.Fields{"event_id": e.ID, "kind": e.Kind, "ts": e.Timestamp}).Infof("Recorded %s", e)
		if m.observer != nil {
			m.observer.Publish(e)
		}
	}
	if res.Transition != nil && m.notifier != nil {
		m.notifier.Enqueue(*res.Transition)
	}
	return res, nil
}

func (m *SessionManager) publishSnapshot() {
	m.snapMu.Lock()
	m.snapshot = cloneSession(m.open)
	m.snapMu.Unlock()
	if m.open != nil {
		metrics.PowerConnected.Set(1)
	} else {
		metrics.PowerConnected.Set(0)
	}
}

// localAlert raises the sound/vibrate alert asynchronously when enabled.
func (m *SessionManager) localAlert() {
	if m.alerter == nil || m.prefs == nil {
		return
	}
	sound, vibrate := m.prefs.Bool(prefs.KeySound), m.prefs.Bool(prefs.KeyVibrate)
	if !sound && !vibrate {
		return
	}
	m.alerts.Add(1)
	go func() {
		defer m.alerts.Done()
		m.alerter.Alert(context.Background(), sound, vibrate)
	}()
}

func info(ts int64, detail string) models.PowerEvent {
	return models.PowerEvent{Kind: models.KindInfo, Timestamp: ts, Detail: detail}
}

func describeMutation(mut db.Mutation) string {
	if len(mut.Events) > 0 {
		return fmt.Sprintf("%s event", mut.Events[0].Kind)
	}
	return "session change"
}

func cloneSession(s *models.PowerSession) *models.PowerSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTimestamp != nil {
		v := *s.EndTimestamp
		c.EndTimestamp = &v
	}
	if s.DurationSeconds != nil {
		v := *s.DurationSeconds
		c.DurationSeconds = &v
	}
	return &c
}
