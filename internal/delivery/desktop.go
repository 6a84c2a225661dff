package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"
	appName      = "AquaGuide"

	urgencyNormal   = byte(1)
	urgencyCritical = byte(2)
)

// Caller invokes a D-Bus method. dbus.BusObject satisfies it.
type Caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DesktopPlatform shows notifications through the freedesktop notification
// daemon on the session bus. Notifications with the same tag replace each
// other.
type DesktopPlatform struct {
	obj    Caller
	logger *zap.Logger

	mu       sync.Mutex
	replaces map[string]uint32
}

// NewDesktopPlatform connects to the session bus. Without a bus the platform
// reports itself unsupported instead of failing.
func NewDesktopPlatform(logger *zap.Logger) *DesktopPlatform {
	conn, err := dbus.SessionBus()
	if err != nil {
		logger.Warn("failed to connect to D-Bus session bus", zap.Error(err))
		return NewDesktopPlatformWithCaller(nil, logger)
	}
	return NewDesktopPlatformWithCaller(conn.Object(notifyDest, notifyPath), logger)
}

// NewDesktopPlatformWithCaller builds the platform over an existing object.
func NewDesktopPlatformWithCaller(obj Caller, logger *zap.Logger) *DesktopPlatform {
	return &DesktopPlatform{
		obj:      obj,
		logger:   logger,
		replaces: make(map[string]uint32),
	}
}

func (d *DesktopPlatform) Name() string    { return "desktop" }
func (d *DesktopPlatform) Supported() bool { return d.obj != nil }

// Permission is always granted: the desktop has no per-application prompt.
func (d *DesktopPlatform) Permission() notify.Permission { return notify.PermissionGranted }

func (d *DesktopPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	return notify.PermissionGranted, nil
}

func (d *DesktopPlatform) Display(ctx context.Context, opts notify.Options) error {
	if d.obj == nil {
		return notify.ErrUnsupported
	}

	actions := make([]string, 0, 2*len(opts.Actions))
	for _, a := range opts.Actions {
		actions = append(actions, a.Action, a.Title)
	}

	urgency := urgencyNormal
	timeout := int32(-1)
	if opts.RequireInteraction {
		urgency = urgencyCritical
		timeout = 0
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgency),
	}

	d.mu.Lock()
	replacesID := d.replaces[opts.Tag]
	d.mu.Unlock()

	res := d.obj.CallWithContext(ctx, notifyMethod, 0,
		appName,
		replacesID,
		opts.Icon,
		opts.Title,
		opts.Body,
		actions,
		hints,
		timeout,
	)
	if res.Err != nil {
		return fmt.Errorf("dbus notify: %w", res.Err)
	}

	var id uint32
	if err := res.Store(&id); err != nil {
		return fmt.Errorf("dbus notify reply: %w", err)
	}

	if opts.Tag != "" {
		d.mu.Lock()
		d.replaces[opts.Tag] = id
		d.mu.Unlock()
	}

	d.logger.Debug("desktop notification shown",
		zap.String("tag", opts.Tag),
		zap.Uint32("notification_id", id),
	)
	return nil
}
