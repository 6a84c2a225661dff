package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/circuitbreaker"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
	"github.com/zy0x1337/aquaguide-sub003/internal/reminder"
	"github.com/zy0x1337/aquaguide-sub003/internal/scheduler"
	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

var testNow = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

// MockPlatform is a fake notification host
type MockPlatform struct {
	mu         sync.Mutex
	supported  bool
	permission notify.Permission
	answer     notify.Permission
	shown      []notify.Options
	displayErr error
}

func (m *MockPlatform) Supported() bool { return m.supported }

func (m *MockPlatform) Permission() notify.Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

func (m *MockPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permission = m.answer
	return m.answer, nil
}

func (m *MockPlatform) Display(ctx context.Context, opts notify.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.displayErr != nil {
		return m.displayErr
	}
	m.shown = append(m.shown, opts)
	return nil
}

func (m *MockPlatform) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shown)
}

// FailingBackend accepts loads but refuses every save
type FailingBackend struct{}

func (FailingBackend) Load(ctx context.Context) ([]byte, error) { return nil, store.ErrNotFound }
func (FailingBackend) Save(ctx context.Context, data []byte) error {
	return errors.New("disk full")
}

type testEnv struct {
	router   http.Handler
	store    *store.Store
	platform *MockPlatform
	notifier *notify.Notifier
}

func setupTestEnv(t *testing.T, platform *MockPlatform, backend store.Backend) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	clock := func() time.Time { return testNow }

	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	s := store.New(context.Background(), backend, store.Config{Location: time.UTC, Now: clock}, logger)
	n := notify.New(platform, logger)
	t.Cleanup(n.Stop)
	sched := scheduler.New(s, n, scheduler.Config{Location: time.UTC, Now: clock}, logger)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("desktop"), logger)
	h := NewHandler(logger, s, sched, n, Options{
		Breakers: []*circuitbreaker.CircuitBreaker{breaker},
		Location: time.UTC,
	})

	return &testEnv{
		router:   NewRouter(h, RouterConfig{}, logger),
		store:    s,
		platform: platform,
		notifier: n,
	}
}

func grantedPlatform() *MockPlatform {
	return &MockPlatform{supported: true, permission: notify.PermissionGranted, answer: notify.PermissionGranted}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func (e *testEnv) addReminder(t *testing.T, tankID string) reminder.Reminder {
	t.Helper()
	r, err := e.store.Add(context.Background(), store.Fields{
		TankID:    tankID,
		TankName:  "Reef",
		Kind:      reminder.KindWaterChange,
		Title:     "Water change",
		Frequency: reminder.FrequencyWeekly,
		NextDueAt: testNow.Add(-time.Hour),
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCreateReminder(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
	}{
		{
			name: "valid weekly reminder",
			body: CreateReminderRequest{
				TankName:  "Reef",
				Type:      reminder.KindWaterChange,
				Title:     "Water change",
				Frequency: reminder.FrequencyWeekly,
				NextDueAt: "2024-01-09T09:00:00Z",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "custom frequency with days",
			body: map[string]interface{}{
				"type": "feeding", "title": "Feed", "frequency": "custom",
				"custom_days": 5, "next_due_at": "2024-01-03T08:00",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "custom frequency without days",
			body: map[string]interface{}{
				"type": "feeding", "title": "Feed", "frequency": "custom",
				"next_due_at": "2024-01-03T08:00:00Z",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown type",
			body: map[string]interface{}{
				"type": "vacuum", "title": "x", "frequency": "daily",
				"next_due_at": "2024-01-03T08:00:00Z",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "bad timestamp",
			body: map[string]interface{}{
				"type": "feeding", "title": "x", "frequency": "daily",
				"next_due_at": "tomorrow",
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, grantedPlatform(), nil)
			rec := env.do(t, http.MethodPost, "/v1/tanks/tank-A/reminders", tt.body)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus == http.StatusCreated {
				got := decode[reminder.Reminder](t, rec)
				if got.ID == "" || got.TankID != "tank-A" || !got.Enabled {
					t.Errorf("unexpected reminder %+v", got)
				}
			} else if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %s", ct)
			}
		})
	}
}

func TestListAndSeedReminders(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/tanks/tank-A/reminders/seed", SeedRequest{TankName: "Reef"})
		if rec.Code != http.StatusOK {
			t.Fatalf("seed failed: %d", rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/v1/tanks/tank-A/reminders", nil)
	resp := decode[struct {
		Reminders []reminder.Reminder `json:"reminders"`
		Count     int                 `json:"count"`
	}](t, rec)
	if resp.Count != 3 || len(resp.Reminders) != 3 {
		t.Fatalf("expected 3 seeded reminders, got %d", resp.Count)
	}
	for _, r := range resp.Reminders {
		if r.Enabled {
			t.Errorf("seeded reminder %s should be disabled", r.ID)
		}
	}

	rec = env.do(t, http.MethodGet, "/v1/tanks/tank-B/reminders", nil)
	if resp := decode[map[string]interface{}](t, rec); resp["count"].(float64) != 0 {
		t.Errorf("other tank should be empty, got %v", resp["count"])
	}
}

func TestGetUpdateDeleteReminder(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)
	r := env.addReminder(t, "tank-A")

	if rec := env.do(t, http.MethodGet, "/v1/reminders/"+r.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("get failed: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/reminders/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPatch, "/v1/reminders/"+r.ID, map[string]interface{}{
		"title": "Big water change", "enabled": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch failed: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[reminder.Reminder](t, rec)
	if got.Title != "Big water change" || got.Enabled {
		t.Errorf("patch not applied: %+v", got)
	}

	rec = env.do(t, http.MethodPatch, "/v1/reminders/"+r.ID, map[string]interface{}{"frequency": "custom"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("custom without days should be rejected, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/reminders/"+r.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	if _, ok := env.store.Get(r.ID); ok {
		t.Error("reminder should be gone")
	}
	if rec := env.do(t, http.MethodDelete, "/v1/reminders/"+r.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestSetNextDue(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)
	r := env.addReminder(t, "tank-A")

	rec := env.do(t, http.MethodPut, "/v1/reminders/"+r.ID+"/next-due", NextDueRequest{NextDueAt: "2024-02-01T10:00:00Z"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got, _ := env.store.Get(r.ID)
	if !got.NextDueAt.Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("next due = %v", got.NextDueAt)
	}

	if rec := env.do(t, http.MethodPut, "/v1/reminders/missing/next-due", NextDueRequest{NextDueAt: "2024-02-01T10:00:00Z"}); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCompleteMaintenance(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)
	r := env.addReminder(t, "tank-A")

	rec := env.do(t, http.MethodPost, "/v1/tanks/tank-A/complete", CompleteRequest{Type: reminder.KindWaterChange})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[map[string]interface{}](t, rec); resp["rescheduled"] != true {
		t.Errorf("expected rescheduled, got %v", resp)
	}
	got, _ := env.store.Get(r.ID)
	if !got.NextDueAt.Equal(testNow.Add(7 * 24 * time.Hour)) {
		t.Errorf("next due = %v", got.NextDueAt)
	}

	rec = env.do(t, http.MethodPost, "/v1/tanks/tank-A/complete", CompleteRequest{Type: reminder.KindFeeding})
	if resp := decode[map[string]interface{}](t, rec); resp["rescheduled"] != false {
		t.Errorf("no feeding reminder exists, got %v", resp)
	}

	if rec := env.do(t, http.MethodPost, "/v1/tanks/tank-A/complete", map[string]string{"type": "bogus"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPermissionEndpoints(t *testing.T) {
	platform := &MockPlatform{supported: true, permission: notify.PermissionDefault, answer: notify.PermissionGranted}
	env := setupTestEnv(t, platform, nil)

	resp := decode[PermissionResponse](t, env.do(t, http.MethodGet, "/v1/notifications/permission", nil))
	if !resp.Supported || resp.Permission != notify.PermissionDefault {
		t.Fatalf("unexpected state %+v", resp)
	}

	rec := env.do(t, http.MethodPost, "/v1/notifications/permission", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[PermissionResponse](t, rec); resp.Permission != notify.PermissionGranted {
		t.Errorf("expected granted, got %s", resp.Permission)
	}
}

func TestRequestPermission_Unsupported(t *testing.T) {
	env := setupTestEnv(t, &MockPlatform{}, nil)

	rec := env.do(t, http.MethodPost, "/v1/notifications/permission", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decode[ErrorResponse](t, rec); resp.Type != "unsupported" {
		t.Errorf("unexpected problem %+v", resp)
	}
}

func TestTestNotification(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)

	if rec := env.do(t, http.MethodPost, "/v1/notifications/test", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.platform.count() != 1 {
		t.Fatal("test notification not shown")
	}

	denied := setupTestEnv(t, &MockPlatform{supported: true, permission: notify.PermissionDenied}, nil)
	if rec := denied.do(t, http.MethodPost, "/v1/notifications/test", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 without permission, got %d", rec.Code)
	}

	broken := grantedPlatform()
	broken.displayErr = errors.New("bus closed")
	failing := setupTestEnv(t, broken, nil)
	if rec := failing.do(t, http.MethodPost, "/v1/notifications/test", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on delivery failure, got %d", rec.Code)
	}
}

func TestDelayedNotificationCancel(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)

	rec := env.do(t, http.MethodPost, "/v1/notifications/test", TestNotificationRequest{DelaySeconds: 3600})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	resp := decode[map[string]interface{}](t, rec)
	handle := int(resp["handle"].(float64))

	path := "/v1/notifications/scheduled/" + jsonNumber(handle)
	if rec := env.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second cancel, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/notifications/scheduled/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if env.notifier.Pending() != 0 {
		t.Error("no notification should be pending")
	}
}

func jsonNumber(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRunTick(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)
	env.addReminder(t, "tank-A")

	rec := env.do(t, http.MethodPost, "/v1/scheduler/tick", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	report := decode[scheduler.TickReport](t, rec)
	if report.Due != 1 || report.Delivered != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if env.platform.count() != 1 {
		t.Error("reminder was not shown")
	}
}

func TestListPlatforms(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)

	resp := decode[struct {
		Platforms []circuitbreaker.Stats `json:"platforms"`
	}](t, env.do(t, http.MethodGet, "/v1/notifications/platforms", nil))
	if len(resp.Platforms) != 1 || resp.Platforms[0].Name != "desktop" || resp.Platforms[0].State != "closed" {
		t.Errorf("unexpected platforms %+v", resp.Platforms)
	}
}

func TestResetPlatform(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)

	rec := env.do(t, http.MethodPost, "/v1/notifications/platforms/desktop/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stats := decode[circuitbreaker.Stats](t, rec); stats.State != "closed" {
		t.Errorf("expected closed breaker, got %s", stats.State)
	}

	if rec := env.do(t, http.MethodPost, "/v1/notifications/platforms/pager/reset", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown platform, got %d", rec.Code)
	}
}

func TestPersistFailureIsFlagged(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), FailingBackend{})

	rec := env.do(t, http.MethodPost, "/v1/tanks/tank-A/reminders/seed", SeedRequest{TankName: "Reef"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-AquaGuide-Persisted") != "false" {
		t.Error("expected persistence failure header")
	}
	if len(env.store.ListByTank("tank-A")) != 3 {
		t.Error("in-memory change should be kept")
	}
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, grantedPlatform(), nil)
	if rec := env.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	logger := zap.NewNop()
	h := NewHandler(logger, env.store, nil, env.notifier, Options{})
	unhealthy := NewRouter(h, RouterConfig{Health: func(ctx context.Context) error {
		return errors.New("redis down")
	}}, logger)
	rec := httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
