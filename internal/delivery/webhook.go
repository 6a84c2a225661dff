package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// WebhookPlatform posts notifications to an HTTP push gateway.
type WebhookPlatform struct {
	url     string
	headers map[string]string
	client  *http.Client
	consent *Consent
	logger  *zap.Logger
}

type WebhookConfig struct {
	URL         string
	Headers     map[string]string // Sent with every request
	Timeout     time.Duration     // Defaults to 30s
	Preapproved bool
}

// envelope is the JSON body the push gateway receives.
type envelope struct {
	Type         string          `json:"type"`
	Notification *notify.Options `json:"notification,omitempty"`
}

// permissionReply is the optional body of a permission request response.
type permissionReply struct {
	Permission notify.Permission `json:"permission"`
}

// NewWebhookPlatform creates a webhook platform. It is unsupported when no
// URL is configured.
func NewWebhookPlatform(logger *zap.Logger, cfg WebhookConfig) *WebhookPlatform {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookPlatform{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		consent: NewConsent(cfg.Preapproved),
		logger:  logger,
	}
}

func (w *WebhookPlatform) Name() string                  { return "webhook" }
func (w *WebhookPlatform) Supported() bool               { return w.url != "" }
func (w *WebhookPlatform) Permission() notify.Permission { return w.consent.Get() }

// RequestPermission asks the gateway. A 2xx reply grants unless its body
// names another permission; 401, 403 and 410 deny.
func (w *WebhookPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	status, body, err := w.post(ctx, envelope{Type: "permission_request"}, "")
	if err != nil {
		return w.consent.Get(), err
	}

	switch {
	case isRefusal(status):
		w.consent.Set(notify.PermissionDenied)
	case status >= 200 && status < 300:
		perm := notify.PermissionGranted
		var reply permissionReply
		if json.Unmarshal(body, &reply) == nil && reply.Permission.Valid() {
			perm = reply.Permission
		}
		w.consent.Set(perm)
	default:
		return w.consent.Get(), fmt.Errorf("push gateway returned status %d", status)
	}

	return w.consent.Get(), nil
}

// Display posts the notification. A refusal from the gateway revokes
// permission so later deliveries are skipped.
func (w *WebhookPlatform) Display(ctx context.Context, opts notify.Options) error {
	status, body, err := w.post(ctx, envelope{Type: "notification", Notification: &opts}, opts.Tag)
	if err != nil {
		return err
	}

	if isRefusal(status) {
		w.consent.Set(notify.PermissionDenied)
		return fmt.Errorf("push gateway refused notification: status %d", status)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", status, string(body))
	}

	w.logger.Info("webhook notification delivered",
		zap.String("tag", opts.Tag),
		zap.Int("status_code", status),
	)
	return nil
}

func (w *WebhookPlatform) post(ctx context.Context, payload envelope, tag string) (int, []byte, error) {
	if w.url == "" {
		return 0, nil, errors.New("webhook url not configured")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AquaGuide/1.0")
	if tag != "" {
		req.Header.Set("X-AquaGuide-Tag", tag)
	}
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, body, nil
}

func isRefusal(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusGone
}
