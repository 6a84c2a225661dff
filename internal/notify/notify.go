// Package notify delivers user-visible notifications through a host platform
// once the user has granted permission.
package notify

import (
	"context"
	"errors"
)

// Permission is the notification permission state reported by a platform.
type Permission string

// Permission constants
const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Valid reports whether p is a known permission state.
func (p Permission) Valid() bool {
	return p == PermissionDefault || p == PermissionGranted || p == PermissionDenied
}

var (
	// ErrUnsupported means the host platform has no notification capability.
	ErrUnsupported = errors.New("notifications are not supported on this platform")

	// ErrPermissionNotGranted means the user has not granted notification permission.
	ErrPermissionNotGranted = errors.New("notification permission not granted")

	// ErrNoAudience means a working platform had nobody to deliver to, such
	// as a websocket hub whose tabs all closed mid-delivery.
	ErrNoAudience = errors.New("no recipient for notification")
)

// IsDegraded reports whether err means delivery was skipped on purpose rather
// than attempted and failed.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrPermissionNotGranted)
}

// Action is a button rendered on the notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data is the structured payload attached to a reminder notification.
type Data struct {
	Type       string `json:"type"`
	ReminderID string `json:"reminderId,omitempty"`
	TankID     string `json:"tankId,omitempty"`
}

// Options is the notification payload handed to the platform.
type Options struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon,omitempty"`
	Tag                string   `json:"tag,omitempty"`
	Data               *Data    `json:"data,omitempty"`
	RequireInteraction bool     `json:"requireInteraction,omitempty"`
	Actions            []Action `json:"actions,omitempty"`
}

// Platform is the host notification capability.
// Display must be usable while no application view has focus.
type Platform interface {
	Supported() bool
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Display(ctx context.Context, opts Options) error
}

// Notification action identifiers rendered on reminder notifications.
const (
	ActionComplete = "complete"
	ActionDismiss  = "dismiss"
)

// ActionEvent reports that the user pressed a notification action.
type ActionEvent struct {
	Action string `json:"action"`
	Data   Data   `json:"data"`
}

// ActionHandler reacts to notification actions reported by a platform.
type ActionHandler func(ctx context.Context, ev ActionEvent) error
