// Package scheduler fires due reminders through the notifier and writes the
// next due time back to the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/metrics"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
	"github.com/zy0x1337/aquaguide-sub003/internal/reminder"
	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

// ErrDeliveryTimeout means the notifier did not return within DeliveryTimeout.
var ErrDeliveryTimeout = errors.New("notification delivery timed out")

// Outcome is the result of processing one due reminder.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDegraded  Outcome = "degraded" // Unsupported or permission not granted
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeSkipped   Outcome = "skipped" // Already fired today
)

// Store is the part of the reminder store the scheduler needs.
type Store interface {
	Refresh(ctx context.Context) error
	List() []reminder.Reminder
	Get(id string) (reminder.Reminder, bool)
	Update(ctx context.Context, id string, patch store.Patch) error
}

// Notifier shows a notification.
type Notifier interface {
	Show(ctx context.Context, opts notify.Options) error
}

// FiredGuard claims a reminder for a local day across replicas.
type FiredGuard interface {
	Claim(ctx context.Context, reminderID, day string) (bool, error)
}

// Config controls the scheduler.
type Config struct {
	PollInterval    time.Duration // Defaults to 60s
	DeliveryTimeout time.Duration // Defaults to 10s
	Location        *time.Location
	Now             func() time.Time
	Icon            string
	Guard           FiredGuard // Optional
}

// Result records what happened to one due reminder in a tick.
type Result struct {
	ReminderID string  `json:"reminder_id"`
	TankID     string  `json:"tank_id"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// TickReport summarizes one pass over the store.
type TickReport struct {
	StartedAt time.Time `json:"started_at"`
	Checked   int       `json:"checked"`
	Due       int       `json:"due"`
	Delivered int       `json:"delivered"`
	Degraded  int       `json:"degraded"`
	Failed    int       `json:"failed"`
	TimedOut  int       `json:"timed_out"`
	Skipped   int       `json:"skipped"`
	Results   []Result  `json:"results"`
}

func (r *TickReport) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeDegraded:
		r.Degraded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeTimeout:
		r.TimedOut++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Scheduler polls the store and fires due reminders at most once per local
// calendar day.
type Scheduler struct {
	store    Store
	notifier Notifier
	config   Config
	logger   *zap.Logger

	tickMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a scheduler. It does nothing until Start or Tick is called.
func New(s Store, n Notifier, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		store:    s,
		notifier: n,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs one tick immediately, then one every PollInterval, until Stop
// or ctx is cancelled. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)

	s.logger.Info("reminder scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Duration("delivery_timeout", s.config.DeliveryTimeout),
		zap.String("timezone", s.config.Location.String()),
	)
}

// Stop cancels future ticks and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every enabled reminder once. Ticks never overlap; one
// reminder's failure never stops the others.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	now := s.config.Now()
	report := TickReport{StartedAt: now, Results: []Result{}}

	s.refresh(ctx)

	for _, r := range s.store.List() {
		if ctx.Err() != nil {
			break
		}

		report.Checked++
		if !r.Enabled || r.NextDueAt.After(now) {
			continue
		}

		report.Due++
		report.add(s.fire(ctx, r, now))
	}

	metrics.RecordTick(time.Since(start))
	if report.Due > 0 {
		s.logger.Info("scheduler tick complete",
			zap.Int("due", report.Due),
			zap.Int("delivered", report.Delivered),
			zap.Int("degraded", report.Degraded),
			zap.Int("failed", report.Failed),
			zap.Int("timed_out", report.TimedOut),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report
}

// refresh pulls in writes other gateways saved to a shared backend. Failures
// leave the cached reminders in use.
func (s *Scheduler) refresh(ctx context.Context) {
	if err := s.store.Refresh(ctx); err != nil {
		s.logger.Warn("reminder refresh failed, using cached reminders", zap.Error(err))
	}
}

func (s *Scheduler) fire(ctx context.Context, r reminder.Reminder, now time.Time) Result {
	res := Result{ReminderID: r.ID, TankID: r.TankID}

	if r.LastFiredAt != nil && reminder.SameDay(*r.LastFiredAt, now, s.config.Location) {
		res.Outcome = OutcomeSkipped
		metrics.RecordDelivery(string(res.Outcome), string(r.Kind), 0)
		return res
	}

	if s.config.Guard != nil {
		day := now.In(s.config.Location).Format(time.DateOnly)
		claimed, err := s.config.Guard.Claim(ctx, r.ID, day)
		if err != nil {
			s.logger.Warn("fired guard unavailable, relying on local state",
				zap.String("reminder_id", r.ID),
				zap.Error(err),
			)
		} else if !claimed {
			res.Outcome = OutcomeSkipped
			metrics.RecordDelivery(string(res.Outcome), string(r.Kind), 0)
			return res
		}
	}

	start := time.Now()
	err := s.deliver(ctx, Render(r, s.config.Icon))
	latency := time.Since(start)

	switch {
	case err == nil:
		res.Outcome = OutcomeDelivered
	case notify.IsDegraded(err):
		res.Outcome = OutcomeDegraded
	case errors.Is(err, ErrDeliveryTimeout):
		res.Outcome = OutcomeTimeout
	default:
		res.Outcome = OutcomeFailed
	}
	if err != nil {
		res.Error = err.Error()
	}
	metrics.RecordDelivery(string(res.Outcome), string(r.Kind), latency)

	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeTimeout {
		s.logger.Error("reminder delivery failed",
			zap.String("reminder_id", r.ID),
			zap.String("tank_id", r.TankID),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err),
		)
	}

	// Rescheduled whatever the outcome, so a broken platform cannot cause a
	// notification storm. A due time the user moved while the delivery was in
	// flight wins.
	next := reminder.CalculateNextDate(&r, now)
	due := r.NextDueAt
	patch := store.Patch{LastFiredAt: &now, NextDueAt: &next, ExpectNextDueAt: &due}
	if err := s.store.Update(ctx, r.ID, patch); err != nil {
		s.logger.Error("failed to reschedule reminder",
			zap.String("reminder_id", r.ID),
			zap.Error(err),
		)
	}

	s.logger.Debug("reminder processed",
		zap.String("reminder_id", r.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Time("next_due_at", next),
	)
	return res
}

// MarkCompleted reschedules the first enabled reminder of the given kind on
// tankID to now plus its interval. LastFiredAt is left alone. It reports
// whether a reminder matched; no match is not an error.
func (s *Scheduler) MarkCompleted(ctx context.Context, tankID string, kind reminder.Kind) (bool, error) {
	s.refresh(ctx)
	for _, r := range s.store.List() {
		if r.TankID == tankID && r.Kind == kind && r.Enabled {
			return true, s.complete(ctx, r)
		}
	}

	s.logger.Debug("no enabled reminder to complete",
		zap.String("tank_id", tankID),
		zap.String("kind", string(kind)),
	)
	return false, nil
}

// CompleteReminder reschedules one reminder by id as if its task was just done.
func (s *Scheduler) CompleteReminder(ctx context.Context, id string) (bool, error) {
	s.refresh(ctx)
	r, ok := s.store.Get(id)
	if !ok {
		return false, nil
	}
	return true, s.complete(ctx, r)
}

func (s *Scheduler) complete(ctx context.Context, r reminder.Reminder) error {
	next := reminder.CalculateNextDate(&r, s.config.Now())
	if err := s.store.Update(ctx, r.ID, store.Patch{NextDueAt: &next}); err != nil {
		return err
	}

	metrics.RecordCompleted(string(r.Kind))
	s.logger.Info("maintenance completed",
		zap.String("reminder_id", r.ID),
		zap.String("tank_id", r.TankID),
		zap.Time("next_due_at", next),
	)
	return nil
}

// SetNextDueAt moves a reminder's next due time without marking it done.
func (s *Scheduler) SetNextDueAt(ctx context.Context, id string, t time.Time) (bool, error) {
	s.refresh(ctx)
	if _, ok := s.store.Get(id); !ok {
		return false, nil
	}
	return true, s.store.Update(ctx, id, store.Patch{NextDueAt: &t})
}

// HandleAction reacts to a notification button press. "complete" reschedules
// the reminder; "dismiss" and unknown actions are ignored.
func (s *Scheduler) HandleAction(ctx context.Context, ev notify.ActionEvent) error {
	switch ev.Action {
	case notify.ActionComplete:
		if ev.Data.ReminderID == "" {
			s.logger.Warn("complete action without reminder id")
			return nil
		}
		found, err := s.CompleteReminder(ctx, ev.Data.ReminderID)
		if err != nil {
			return err
		}
		if !found {
			s.logger.Debug("complete action for unknown reminder",
				zap.String("reminder_id", ev.Data.ReminderID),
			)
		}
		return nil
	case notify.ActionDismiss:
		return nil
	default:
		s.logger.Debug("ignoring notification action", zap.String("action", ev.Action))
		return nil
	}
}

// deliver bounds one Show call by DeliveryTimeout.
func (s *Scheduler) deliver(ctx context.Context, opts notify.Options) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.notifier.Show(ctx, opts)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrDeliveryTimeout, s.config.DeliveryTimeout)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrDeliveryTimeout, s.config.DeliveryTimeout)
		}
		return ctx.Err()
	}
}

// Render builds the notification for a reminder.
func Render(r reminder.Reminder, icon string) notify.Options {
	title := r.Title
	if r.TankName != "" {
		title = fmt.Sprintf("%s (%s)", r.Title, r.TankName)
	}

	body := r.Message
	if body == "" {
		body = fmt.Sprintf("%s is due.", r.Title)
	}

	return notify.Options{
		Title: title,
		Body:  body,
		Icon:  icon,
		Tag:   r.Tag(),
		Data: &notify.Data{
			Type:       "reminder",
			ReminderID: r.ID,
			TankID:     r.TankID,
		},
		RequireInteraction: true,
		Actions: []notify.Action{
			{Action: notify.ActionComplete, Title: "Mark as done"},
			{Action: notify.ActionDismiss, Title: "Later"},
		},
	}
}
