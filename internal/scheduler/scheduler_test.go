package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
	"github.com/zy0x1337/aquaguide-sub003/internal/reminder"
	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

// mockNotifier records every Show call
type mockNotifier struct {
	mu     sync.Mutex
	shown  []notify.Options
	errs   map[string]error // keyed by tag
	block  bool
	onShow func()
}

func (m *mockNotifier) Show(ctx context.Context, opts notify.Options) error {
	if m.onShow != nil {
		m.onShow()
	}
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.shown = append(m.shown, opts)
	return m.errs[opts.Tag]
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shown)
}

type mockGuard struct {
	claimed map[string]bool
	err     error
}

func (g *mockGuard) Claim(ctx context.Context, reminderID, day string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	key := reminderID + ":" + day
	if g.claimed[key] {
		return false, nil
	}
	g.claimed[key] = true
	return true, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var jan2 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, c *clock) *store.Store {
	t.Helper()
	return store.New(context.Background(), store.NewMemoryBackend(), store.Config{
		Location: time.UTC,
		Now:      c.Now,
	}, zap.NewNop())
}

func addWeekly(t *testing.T, s *store.Store, tankID string, due time.Time) reminder.Reminder {
	t.Helper()
	r, err := s.Add(context.Background(), store.Fields{
		TankID:    tankID,
		TankName:  "Reef",
		Kind:      reminder.KindWaterChange,
		Title:     "Water change",
		Message:   "Change 20% of the water",
		Frequency: reminder.FrequencyWeekly,
		NextDueAt: due,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	return r
}

func newTestScheduler(s *store.Store, n Notifier, c *clock, guard FiredGuard) *Scheduler {
	return New(s, n, Config{
		DeliveryTimeout: 50 * time.Millisecond,
		Location:        time.UTC,
		Now:             c.Now,
		Icon:            "/icons/fish.png",
		Guard:           guard,
	}, zap.NewNop())
}

func TestTick_FiresDueReminderAndReschedules(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2.Add(-time.Hour))
	n := &mockNotifier{}
	sched := newTestScheduler(s, n, c, nil)

	report := sched.Tick(context.Background())
	if report.Due != 1 || report.Delivered != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	opts := n.shown[0]
	if opts.Tag != "reminder-"+r.ID {
		t.Errorf("tag = %s", opts.Tag)
	}
	if opts.Title != "Water change (Reef)" || opts.Body != "Change 20% of the water" {
		t.Errorf("unexpected rendering %q / %q", opts.Title, opts.Body)
	}
	if opts.Data == nil || opts.Data.Type != "reminder" || opts.Data.ReminderID != r.ID || opts.Data.TankID != "tank-A" {
		t.Errorf("unexpected data %+v", opts.Data)
	}
	if !opts.RequireInteraction || len(opts.Actions) != 2 || opts.Icon != "/icons/fish.png" {
		t.Errorf("unexpected options %+v", opts)
	}

	got, _ := s.Get(r.ID)
	if !got.NextDueAt.Equal(time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("next due = %v", got.NextDueAt)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(jan2) {
		t.Errorf("last fired = %v", got.LastFiredAt)
	}

	// Five minutes later nothing is due.
	c.Set(jan2.Add(5 * time.Minute))
	if report := sched.Tick(context.Background()); report.Due != 0 || n.count() != 1 {
		t.Errorf("expected no further notification, got %+v", report)
	}
}

func TestTick_KeepsDueTimeMovedDuringDelivery(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2.Add(-time.Hour))
	n := &mockNotifier{}
	sched := newTestScheduler(s, n, c, nil)

	moved := jan2.Add(72 * time.Hour)
	n.onShow = func() {
		if ok, err := sched.SetNextDueAt(context.Background(), r.ID, moved); !ok || err != nil {
			t.Errorf("SetNextDueAt() = %v, %v", ok, err)
		}
	}

	if report := sched.Tick(context.Background()); report.Delivered != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	got, _ := s.Get(r.ID)
	if !got.NextDueAt.Equal(moved) {
		t.Errorf("user's due time was overwritten: %v", got.NextDueAt)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(jan2) {
		t.Errorf("last fired = %v", got.LastFiredAt)
	}
}

func TestTick_AtMostOncePerDay(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2.Add(-time.Hour))
	n := &mockNotifier{}
	sched := newTestScheduler(s, n, c, nil)

	sched.Tick(context.Background())

	// Pulled back into the past by the user, still the same local day.
	past := jan2.Add(-2 * time.Hour)
	if _, err := sched.SetNextDueAt(context.Background(), r.ID, past); err != nil {
		t.Fatal(err)
	}
	c.Set(jan2.Add(3 * time.Hour))

	report := sched.Tick(context.Background())
	if report.Skipped != 1 || n.count() != 1 {
		t.Fatalf("expected skip, got %+v", report)
	}
	got, _ := s.Get(r.ID)
	if !got.NextDueAt.Equal(past) {
		t.Error("skipped reminder must not be rescheduled")
	}

	// Next day it fires again.
	c.Set(jan2.Add(24 * time.Hour))
	if report := sched.Tick(context.Background()); report.Delivered != 1 {
		t.Errorf("expected delivery next day, got %+v", report)
	}
}

func TestTick_IgnoresDisabledAndFutureReminders(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	disabled := addWeekly(t, s, "tank-A", jan2.Add(-time.Hour))
	if err := s.SetEnabled(context.Background(), disabled.ID, false); err != nil {
		t.Fatal(err)
	}
	addWeekly(t, s, "tank-B", jan2.Add(time.Minute))
	n := &mockNotifier{}

	report := newTestScheduler(s, n, c, nil).Tick(context.Background())
	if report.Checked != 2 || report.Due != 0 || n.count() != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestTick_FailureIsolation(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	addWeekly(t, s, "tank-A", jan2.Add(-3*time.Hour))
	bad := addWeekly(t, s, "tank-B", jan2.Add(-2*time.Hour))
	addWeekly(t, s, "tank-C", jan2.Add(-time.Hour))
	n := &mockNotifier{errs: map[string]error{bad.Tag(): errors.New("dbus gone")}}

	report := newTestScheduler(s, n, c, nil).Tick(context.Background())
	if report.Delivered != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	// The failed reminder is still rescheduled.
	for _, r := range s.List() {
		if r.NextDueAt.Before(jan2) {
			t.Errorf("reminder %s not rescheduled", r.ID)
		}
	}
}

func TestTick_DegradedDelivery(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2)
	n := &mockNotifier{errs: map[string]error{r.Tag(): notify.ErrPermissionNotGranted}}

	report := newTestScheduler(s, n, c, nil).Tick(context.Background())
	if report.Degraded != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	got, _ := s.Get(r.ID)
	if got.LastFiredAt == nil {
		t.Error("degraded delivery still counts as fired")
	}
}

func TestTick_DeliveryTimeout(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2)

	report := newTestScheduler(s, &mockNotifier{block: true}, c, nil).Tick(context.Background())
	if report.TimedOut != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Results[0].ReminderID != r.ID || report.Results[0].Error == "" {
		t.Errorf("unexpected result %+v", report.Results[0])
	}
	got, _ := s.Get(r.ID)
	if !got.NextDueAt.After(jan2) {
		t.Error("timed out reminder must be rescheduled")
	}
}

func TestTick_GuardSkipsClaimedReminder(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2)
	guard := &mockGuard{claimed: map[string]bool{r.ID + ":2024-01-02": true}}
	n := &mockNotifier{}

	report := newTestScheduler(s, n, c, guard).Tick(context.Background())
	if report.Skipped != 1 || n.count() != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestTick_GuardErrorFallsBackToLocalState(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	addWeekly(t, s, "tank-A", jan2)
	n := &mockNotifier{}

	report := newTestScheduler(s, n, c, &mockGuard{err: errors.New("redis down")}).Tick(context.Background())
	if report.Delivered != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestMarkCompleted(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2.Add(48*time.Hour))
	sched := newTestScheduler(s, &mockNotifier{}, c, nil)

	found, err := sched.MarkCompleted(context.Background(), "tank-A", reminder.KindWaterChange)
	if err != nil || !found {
		t.Fatalf("MarkCompleted() = %v, %v", found, err)
	}

	got, _ := s.Get(r.ID)
	if !got.NextDueAt.Equal(jan2.Add(7 * 24 * time.Hour)) {
		t.Errorf("next due = %v", got.NextDueAt)
	}
	if got.LastFiredAt != nil {
		t.Error("completion must not touch last fired")
	}
}

func TestMarkCompleted_NoMatch(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2)
	if err := s.SetEnabled(context.Background(), r.ID, false); err != nil {
		t.Fatal(err)
	}
	sched := newTestScheduler(s, &mockNotifier{}, c, nil)

	for _, tc := range []struct {
		tank string
		kind reminder.Kind
	}{
		{"tank-A", reminder.KindWaterChange},
		{"tank-A", reminder.KindFeeding},
		{"tank-Z", reminder.KindWaterChange},
	} {
		found, err := sched.MarkCompleted(context.Background(), tc.tank, tc.kind)
		if err != nil || found {
			t.Errorf("MarkCompleted(%s, %s) = %v, %v", tc.tank, tc.kind, found, err)
		}
	}
}

func TestHandleAction(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	r := addWeekly(t, s, "tank-A", jan2)
	sched := newTestScheduler(s, &mockNotifier{}, c, nil)
	ctx := context.Background()

	if err := sched.HandleAction(ctx, notify.ActionEvent{Action: notify.ActionDismiss, Data: notify.Data{ReminderID: r.ID}}); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(r.ID); !got.NextDueAt.Equal(jan2) {
		t.Error("dismiss must not reschedule")
	}

	if err := sched.HandleAction(ctx, notify.ActionEvent{Action: notify.ActionComplete, Data: notify.Data{ReminderID: r.ID}}); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(r.ID); !got.NextDueAt.Equal(jan2.Add(7 * 24 * time.Hour)) {
		t.Errorf("complete should reschedule, next due = %v", got.NextDueAt)
	}

	if err := sched.HandleAction(ctx, notify.ActionEvent{Action: notify.ActionComplete, Data: notify.Data{ReminderID: "missing"}}); err != nil {
		t.Errorf("unknown reminder should be ignored, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	c := &clock{now: jan2}
	s := newTestStore(t, c)
	addWeekly(t, s, "tank-A", jan2)
	n := &mockNotifier{}
	sched := New(s, n, Config{PollInterval: time.Hour, Location: time.UTC, Now: c.Now}, zap.NewNop())

	sched.Start(context.Background())
	sched.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for n.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()
	sched.Stop()

	if n.count() != 1 {
		t.Errorf("expected the immediate tick to fire once, got %d", n.count())
	}
}

func TestRender_EmptyMessage(t *testing.T) {
	opts := Render(reminder.Reminder{ID: "r1", Title: "Feeding"}, "")
	if opts.Title != "Feeding" || opts.Body != "Feeding is due." || opts.Tag != "reminder-r1" {
		t.Errorf("unexpected options %+v", opts)
	}
}
