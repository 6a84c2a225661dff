package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/circuitbreaker"
	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
	"github.com/zy0x1337/aquaguide-sub003/internal/reminder"
	"github.com/zy0x1337/aquaguide-sub003/internal/scheduler"
	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

// ReminderStore is the part of the reminder store the API drives.
type ReminderStore interface {
	Refresh(ctx context.Context) error
	ListByTank(tankID string) []reminder.Reminder
	Get(id string) (reminder.Reminder, bool)
	Add(ctx context.Context, f store.Fields) (reminder.Reminder, error)
	Update(ctx context.Context, id string, patch store.Patch) error
	Remove(ctx context.Context, id string) error
	SeedDefaults(ctx context.Context, tankID, tankName string) (int, error)
}

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	Tick(ctx context.Context) scheduler.TickReport
	MarkCompleted(ctx context.Context, tankID string, kind reminder.Kind) (bool, error)
	SetNextDueAt(ctx context.Context, id string, t time.Time) (bool, error)
}

// Notifier is the part of the notifier the API drives.
type Notifier interface {
	IsSupported() bool
	Permission() notify.Permission
	RequestPermission(ctx context.Context) (notify.Permission, error)
	Show(ctx context.Context, opts notify.Options) error
	ScheduleDelayed(opts notify.Options, delay time.Duration) notify.TimerHandle
	Cancel(handle notify.TimerHandle) bool
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CreateReminderRequest is the body of POST /v1/tanks/{tankID}/reminders.
type CreateReminderRequest struct {
	TankName   string             `json:"tank_name"`
	Type       reminder.Kind      `json:"type"`
	Title      string             `json:"title"`
	Message    string             `json:"message"`
	Frequency  reminder.Frequency `json:"frequency"`
	CustomDays *int               `json:"custom_days,omitempty"`
	NextDueAt  string             `json:"next_due_at"`
	Enabled    *bool              `json:"enabled,omitempty"`
}

// UpdateReminderRequest is the body of PATCH /v1/reminders/{id}.
type UpdateReminderRequest struct {
	Title      *string             `json:"title,omitempty"`
	Message    *string             `json:"message,omitempty"`
	Frequency  *reminder.Frequency `json:"frequency,omitempty"`
	CustomDays *int                `json:"custom_days,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
}

// NextDueRequest is the body of PUT /v1/reminders/{id}/next-due.
type NextDueRequest struct {
	NextDueAt string `json:"next_due_at"`
}

// CompleteRequest is the body of POST /v1/tanks/{tankID}/complete.
type CompleteRequest struct {
	Type reminder.Kind `json:"type"`
}

// SeedRequest is the body of POST /v1/tanks/{tankID}/reminders/seed.
type SeedRequest struct {
	TankName string `json:"tank_name"`
}

// TestNotificationRequest is the body of POST /v1/notifications/test.
type TestNotificationRequest struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	DelaySeconds int    `json:"delay_seconds"`
}

// PermissionResponse reports notification capability and permission.
type PermissionResponse struct {
	Supported  bool              `json:"supported"`
	Permission notify.Permission `json:"permission"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	store     ReminderStore
	scheduler Scheduler
	notifier  Notifier
	breakers  []*circuitbreaker.CircuitBreaker
	location  *time.Location
	icon      string
}

// Options carries the optional handler settings.
type Options struct {
	Breakers []*circuitbreaker.CircuitBreaker
	Location *time.Location
	Icon     string
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, s ReminderStore, sched Scheduler, n Notifier, opts Options) *Handler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Handler{
		logger:    logger,
		store:     s,
		scheduler: sched,
		notifier:  n,
		breakers:  opts.Breakers,
		location:  opts.Location,
		icon:      opts.Icon,
	}
}

// ListReminders handles GET /v1/tanks/{tankID}/reminders
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankID")
	h.refresh(r)
	reminders := h.store.ListByTank(tankID)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reminders": reminders,
		"count":     len(reminders),
	})
}

// CreateReminder handles POST /v1/tanks/{tankID}/reminders
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankID")

	var req CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	due, err := reminder.ParseTimestamp(req.NextDueAt, h.location)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid next_due_at", err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	candidate := reminder.Reminder{
		TankID:     tankID,
		TankName:   req.TankName,
		Kind:       req.Type,
		Title:      req.Title,
		Message:    req.Message,
		Frequency:  req.Frequency,
		CustomDays: req.CustomDays,
		NextDueAt:  due,
		Enabled:    enabled,
	}
	if err := candidate.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder", err.Error())
		return
	}

	created, err := h.store.Add(r.Context(), store.Fields{
		TankID:     candidate.TankID,
		TankName:   candidate.TankName,
		Kind:       candidate.Kind,
		Title:      candidate.Title,
		Message:    candidate.Message,
		Frequency:  candidate.Frequency,
		CustomDays: candidate.CustomDays,
		NextDueAt:  candidate.NextDueAt,
		Enabled:    candidate.Enabled,
	})
	h.markPersisted(w, err)

	h.writeJSON(w, http.StatusCreated, created)
}

// SeedReminders handles POST /v1/tanks/{tankID}/reminders/seed
func (h *Handler) SeedReminders(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankID")

	var req SeedRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	inserted, err := h.store.SeedDefaults(r.Context(), tankID, req.TankName)
	h.markPersisted(w, err)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tank_id":  tankID,
		"inserted": inserted,
	})
}

// CompleteMaintenance handles POST /v1/tanks/{tankID}/complete
func (h *Handler) CompleteMaintenance(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankID")

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !req.Type.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "type must be a known reminder type")
		return
	}

	found, err := h.scheduler.MarkCompleted(r.Context(), tankID, req.Type)
	h.markPersisted(w, err)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tank_id":     tankID,
		"type":        req.Type,
		"rescheduled": found,
	})
}

// GetReminder handles GET /v1/reminders/{id}
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	h.refresh(r)
	rem, ok := h.store.Get(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, rem)
}

// UpdateReminder handles PATCH /v1/reminders/{id}
func (h *Handler) UpdateReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.refresh(r)
	current, ok := h.store.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}

	var req UpdateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	// Validate the merged result before touching the store.
	merged := current.Clone()
	if req.Title != nil {
		merged.Title = *req.Title
	}
	if req.Message != nil {
		merged.Message = *req.Message
	}
	if req.Frequency != nil {
		merged.Frequency = *req.Frequency
	}
	if req.CustomDays != nil {
		merged.CustomDays = req.CustomDays
	}
	if err := merged.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder", err.Error())
		return
	}

	err := h.store.Update(r.Context(), id, store.Patch{
		Title:      req.Title,
		Message:    req.Message,
		Frequency:  req.Frequency,
		CustomDays: req.CustomDays,
		Enabled:    req.Enabled,
	})
	h.markPersisted(w, err)

	updated, _ := h.store.Get(id)
	h.writeJSON(w, http.StatusOK, updated)
}

// SetNextDue handles PUT /v1/reminders/{id}/next-due
func (h *Handler) SetNextDue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req NextDueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	due, err := reminder.ParseTimestamp(req.NextDueAt, h.location)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid next_due_at", err.Error())
		return
	}

	found, err := h.scheduler.SetNextDueAt(r.Context(), id, due)
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	h.markPersisted(w, err)

	updated, _ := h.store.Get(id)
	h.writeJSON(w, http.StatusOK, updated)
}

// DeleteReminder handles DELETE /v1/reminders/{id}
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.refresh(r)
	if _, ok := h.store.Get(id); !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}

	h.markPersisted(w, h.store.Remove(r.Context(), id))
	w.WriteHeader(http.StatusNoContent)
}

// GetPermission handles GET /v1/notifications/permission
func (h *Handler) GetPermission(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, PermissionResponse{
		Supported:  h.notifier.IsSupported(),
		Permission: h.notifier.Permission(),
	})
}

// RequestPermission handles POST /v1/notifications/permission
func (h *Handler) RequestPermission(w http.ResponseWriter, r *http.Request) {
	p, err := h.notifier.RequestPermission(r.Context())
	if errors.Is(err, notify.ErrUnsupported) {
		h.writeError(w, http.StatusConflict, "unsupported", "Notifications not supported", err.Error())
		return
	}
	if err != nil {
		h.logger.Warn("permission request failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "permission_error", "Permission request failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, PermissionResponse{Supported: true, Permission: p})
}

// TestNotification handles POST /v1/notifications/test
func (h *Handler) TestNotification(w http.ResponseWriter, r *http.Request) {
	var req TestNotificationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	if req.DelaySeconds < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delay_seconds", "delay_seconds must not be negative")
		return
	}
	if req.Title == "" {
		req.Title = "AquaGuide"
	}
	if req.Body == "" {
		req.Body = "Notifications are working."
	}

	opts := notify.Options{
		Title: req.Title,
		Body:  req.Body,
		Icon:  h.icon,
		Tag:   "aquaguide-test",
		Data:  &notify.Data{Type: "test"},
	}

	if req.DelaySeconds > 0 {
		handle := h.notifier.ScheduleDelayed(opts, time.Duration(req.DelaySeconds)*time.Second)
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"handle":        uint64(handle),
			"delay_seconds": req.DelaySeconds,
		})
		return
	}

	err := h.notifier.Show(r.Context(), opts)
	if notify.IsDegraded(err) {
		h.writeError(w, http.StatusConflict, "notifications_unavailable", "Notification not shown", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("test notification failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "delivery_error", "Notification delivery failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "shown"})
}

// CancelScheduled handles DELETE /v1/notifications/scheduled/{handle}
func (h *Handler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	handle, err := strconv.ParseUint(chi.URLParam(r, "handle"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid handle", "handle must be a positive integer")
		return
	}

	if !h.notifier.Cancel(notify.TimerHandle(handle)) {
		h.writeError(w, http.StatusNotFound, "not_found", "Scheduled notification not found", "it may already have fired")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPlatforms handles GET /v1/notifications/platforms
func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": stats})
}

// ResetPlatform handles POST /v1/notifications/platforms/{name}/reset
func (h *Handler) ResetPlatform(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, b := range h.breakers {
		if b.Name() == name {
			b.Reset()
			h.logger.Info("platform breaker reset", zap.String("platform", name))
			h.writeJSON(w, http.StatusOK, b.Stats())
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", "Platform not found", "no breaker protects platform "+name)
}

// RunTick handles POST /v1/scheduler/tick
func (h *Handler) RunTick(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.Tick(r.Context()))
}

// refresh pulls in writes made by other gateways sharing the backend. A
// failed reload serves the cached reminders.
func (h *Handler) refresh(r *http.Request) {
	if err := h.store.Refresh(r.Context()); err != nil {
		h.logger.Warn("reminder refresh failed, serving cached reminders", zap.Error(err))
	}
}

// markPersisted flags responses whose change was applied in memory but not
// written to the backend. Any other error is logged.
func (h *Handler) markPersisted(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrPersist) {
		w.Header().Set("X-AquaGuide-Persisted", "false")
		return
	}
	h.logger.Error("reminder operation failed", zap.Error(err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
