package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"power-watchdog/internal/logging"
	"power-watchdog/internal/metrics"
	"power-watchdog/internal/models"
	"power-watchdog/internal/providers"
	"power-watchdog/internal/utils"
	"power-watchdog/pkg/telegram"
)

const recentLimit = 50

// SettingsSource supplies the current Telegram configuration.
type SettingsSource interface {
	TelegramSettings() models.TelegramSettings
}

// FailureReporter receives the reason of every fatal delivery failure.
type FailureReporter interface {
	ReportFailure(reason string)
}

// Options tunes the dispatcher.
type Options struct {
	QueueSize        int
	MaxWorkers       int
	MaxAttempts      int
	BackoffUnit      time.Duration
	ReachabilityPoll time.Duration
	DeviceName       string
	Location         *time.Location
}

// Dispatcher turns power transitions into per-destination delivery tasks
// and drives them to a terminal outcome.
type Dispatcher struct {
	sender   providers.Sender
	settings SettingsSource
	reporter FailureReporter
	online   utils.Reachability
	logger   *logrus.Entry
	opts     Options

	tasks  chan *models.NotificationTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*models.NotificationTask
	recent  []models.NotificationTask
}

// New constructs a Dispatcher. reporter and online may be nil.
func New(sender providers.Sender, settings SettingsSource, reporter FailureReporter, online utils.Reachability, logger *logging.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.ReachabilityPoll <= 0 {
		opts.ReachabilityPoll = 15 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if online == nil {
		online = utils.AlwaysOnline{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:   sender,
		settings: settings,
		reporter: reporter,
		online:   online,
		logger:   logger.Component("dispatcher"),
		opts:     opts,
		tasks:    make(chan *models.NotificationTask, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]*models.NotificationTask{},
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.MaxWorkers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop cancels workers and retry timers, waits for them, and retires
// every unfinished task as exhausted.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	abandoned := make([]*models.NotificationTask, 0, len(d.pending))
	for _, t := range d.pending {
		abandoned = append(abandoned, t)
	}
	d.mu.Unlock()

	for _, t := range abandoned {
		d.finish(t, models.OutcomeExhausted, "abandoned at shutdown")
	}
	if len(abandoned) > 0 {
		d.logger.Warnf("Abandoned %d pending notification(s) at shutdown", len(abandoned))
	}
}

// Enqueue creates one task per configured destination and queues it
// without blocking. It returns the number of tasks queued.
func (d *Dispatcher) Enqueue(tr models.Transition) int {
	settings := d.settings.TelegramSettings()
	destinations := telegram.ParseChatIDs(settings.RawChatIDs)
	if !settings.Enabled || settings.BotToken == "" || len(destinations) == 0 {
		d.logger.Debugf("Telegram dispatch disabled or unconfigured, skipping %s", tr.Kind)
		return 0
	}
	if d.ctx.Err() != nil {
		d.logger.Warnf("Dispatcher stopped, dropping %s alert", tr.Kind)
		return 0
	}

	message := telegram.PowerMessage(tr.Kind == models.KindConnected, tr.Timestamp, d.opts.Location, d.opts.DeviceName)
	queued := 0
	for _, dest := range destinations {
		task := d.newTask(dest, message, settings.BotToken)
		if !d.track(task) {
			d.logger.Warnf("Dispatcher stopped, dropping %s alert", tr.Kind)
			return queued
		}
		select {
		case d.tasks <- task:
			queued++
			d.logger.Infof("Queued task: id=%s destination=%s", task.ID, dest)
		default:
			d.untrack(task)
			metrics.NotificationsDropped.Inc()
			d.logger.Errorf("Queue full, dropping task: id=%s destination=%s", task.ID, dest)
		}
	}
	return queued
}

// WatchSettings logs Telegram configuration changes announced on changes
// until ctx is cancelled or changes is closed.
func (d *Dispatcher) WatchSettings(ctx context.Context, changes <-chan struct{}) {
	last := describeSettings(d.settings.TelegramSettings())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			cur := describeSettings(d.settings.TelegramSettings())
			if cur == last {
				continue
			}
			d.logger.Infof("Telegram settings changed: %s", cur)
			last = cur
		}
	}
}

func describeSettings(s models.TelegramSettings) string {
	return fmt.Sprintf("enabled=%t token=%s destinations=%d",
		s.Enabled, telegram.MaskToken(s.BotToken), len(telegram.ParseChatIDs(s.RawChatIDs)))
}

// SendTest sends a test message to every destination, retrying the same
// way background tasks do, and aggregates the outcome.
func (d *Dispatcher) SendTest(ctx context.Context) models.TestResult {
	settings := d.settings.TelegramSettings()
	if settings.BotToken == "" {
		return models.TestResult{Message: "Bot token is not set"}
	}
	destinations := telegram.ParseChatIDs(settings.RawChatIDs)
	if len(destinations) == 0 {
		return models.TestResult{Message: "No chat IDs configured"}
	}

	message := telegram.TestMessage(d.opts.DeviceName, time.Now().In(d.opts.Location))
	errs := make([]error, len(destinations))
	g, gctx := errgroup.WithContext(ctx)
	for i, dest := range destinations {
		g.Go(func() error {
			errs[i] = d.deliverInline(gctx, d.newTask(dest, message, settings.BotToken))
			return nil
		})
	}
	g.Wait()

	return aggregate(errs)
}

// aggregate reports success only when every destination got the message.
func aggregate(errs []error) models.TestResult {
	res := models.TestResult{Total: len(errs)}
	var firstErr error
	for _, err := range errs {
		if err == nil {
			res.Delivered++
		} else if firstErr == nil {
			firstErr = err
		}
	}
	switch {
	case res.Total > 0 && res.Delivered == res.Total:
		res.Success = true
		res.Message = fmt.Sprintf("Test message delivered (%d/%d)", res.Delivered, res.Total)
	case res.Delivered > 0:
		res.Partial = true
		res.Error = providers.UserText(firstErr)
		res.Message = fmt.Sprintf("Partially delivered %d/%d: %s", res.Delivered, res.Total, res.Error)
	default:
		if firstErr != nil {
			res.Error = providers.UserText(firstErr)
		}
		res.Message = "Test message failed: " + res.Error
	}
	return res
}

// deliverInline runs a task to completion in the calling goroutine.
func (d *Dispatcher) deliverInline(ctx context.Context, task *models.NotificationTask) error {
	for {
		wait, done, err := d.step(ctx, task)
		if done {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.finish(task, models.OutcomeExhausted, ctx.Err().Error())
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) newTask(dest, message, token string) *models.NotificationTask {
	now := time.Now()
	return &models.NotificationTask{
		ID:             uuid.NewString(),
		Destination:    dest,
		Message:        message,
		Token:          token,
		NextEligibleAt: now,
		Outcome:        models.OutcomePending,
		CreatedAt:      now,
	}
}

// worker processes tasks until the context is cancelled.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debugf("Worker %d stopped", id)
			return
		case task := <-d.tasks:
			wait, done, _ := d.step(d.ctx, task)
			if !done {
				d.schedule(task, wait)
			}
		}
	}
}

// schedule requeues task after wait unless the dispatcher stops first.
func (d *Dispatcher) schedule(task *models.NotificationTask, wait time.Duration) {
	d.mu.Lock()
	task.NextEligibleAt = time.Now().Add(wait)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case d.tasks <- task:
		case <-d.ctx.Done():
		}
	}()
}

// step makes at most one delivery attempt. When done is false the task
// must be retried after wait.
func (d *Dispatcher) step(ctx context.Context, task *models.NotificationTask) (wait time.Duration, done bool, err error) {
	log := d.logger.WithFields(logrus.Fields{"task_id": task.ID, "destination": task.Destination})

	if !d.online.Online(ctx) {
		log.Debug("Network unreachable, delivery deferred")
		return d.opts.ReachabilityPoll, false, nil
	}

	d.mu.Lock()
	task.Attempts++
	attempt := task.Attempts
	d.mu.Unlock()

	err = d.sender.Send(ctx, task.Token, task.Destination, task.Message)
	status := http.StatusOK
	var de *providers.DeliveryError
	if errors.As(err, &de) {
		status = de.Status
	} else if err != nil {
		status = 0
	}

	d.mu.Lock()
	task.LastStatus = status
	if err != nil {
		task.LastError = providers.UserText(err)
	}
	d.mu.Unlock()

	switch {
	case err == nil:
		metrics.DeliveryAttempts.WithLabelValues("success").Inc()
		log.Infof("Delivered on attempt %d", attempt)
		d.finish(task, models.OutcomeSuccess, "")
		return 0, true, nil
	case providers.IsFatal(err):
		metrics.DeliveryAttempts.WithLabelValues("fatal").Inc()
		log.Errorf("Fatal delivery failure: %v", err)
		d.finish(task, models.OutcomeFatal, providers.UserText(err))
		if d.reporter != nil {
			d.reporter.ReportFailure(fmt.Sprintf("chat %s: %s", task.Destination, providers.UserText(err)))
		}
		return 0, true, err
	case attempt >= d.opts.MaxAttempts:
		metrics.DeliveryAttempts.WithLabelValues("retryable").Inc()
		log.Errorf("Giving up after %d attempts: %v", attempt, err)
		d.finish(task, models.OutcomeExhausted, providers.UserText(err))
		return 0, true, err
	default:
		metrics.DeliveryAttempts.WithLabelValues("retryable").Inc()
		wait = utils.RetryDelay(attempt, d.opts.BackoffUnit)
		log.Warnf("Attempt %d/%d failed, retrying in %s: %v", attempt, d.opts.MaxAttempts, wait, err)
		return wait, false, err
	}
}

// track registers task as pending. It refuses once Stop has cancelled the
// dispatcher, since Stop retires only the tasks it finds under d.mu.
func (d *Dispatcher) track(task *models.NotificationTask) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return false
	}
	d.pending[task.ID] = task
	metrics.NotificationsPending.Set(float64(len(d.pending)))
	return true
}

func (d *Dispatcher) untrack(task *models.NotificationTask) {
	d.mu.Lock()
	delete(d.pending, task.ID)
	metrics.NotificationsPending.Set(float64(len(d.pending)))
	d.mu.Unlock()
}

// finish retires a task and moves it to the recent list.
func (d *Dispatcher) finish(task *models.NotificationTask, outcome models.Outcome, reason string) {
	d.mu.Lock()
	if task.Done() {
		d.mu.Unlock()
		return
	}
	task.Outcome = outcome
	task.FinishedAt = time.Now()
	if reason != "" {
		task.LastError = reason
	}
	delete(d.pending, task.ID)
	metrics.NotificationsPending.Set(float64(len(d.pending)))
	d.recent = append(d.recent, *task)
	if len(d.recent) > recentLimit {
		d.recent = d.recent[len(d.recent)-recentLimit:]
	}
	d.mu.Unlock()

	metrics.NotificationsFinished.WithLabelValues(string(outcome)).Inc()
}

// Pending returns unfinished tasks, oldest first.
func (d *Dispatcher) Pending() []models.NotificationTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.NotificationTask, 0, len(d.pending))
	for _, t := range d.pending {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recent returns recently retired tasks, newest first.
func (d *Dispatcher) Recent() []models.NotificationTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.NotificationTask, len(d.recent))
	for i, t := range d.recent {
		out[len(d.recent)-1-i] = t
	}
	return out
}
