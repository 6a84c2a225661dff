package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerHandle identifies a delayed notification.
type TimerHandle uint64

// Notifier shows notifications through a platform, gated by permission.
type Notifier struct {
	platform Platform
	gate     *PermissionGate
	logger   *zap.Logger

	mu     sync.Mutex
	nextID TimerHandle
	timers map[TimerHandle]*time.Timer
}

// New creates a notifier over platform.
func New(platform Platform, logger *zap.Logger) *Notifier {
	return &Notifier{
		platform: platform,
		gate:     NewPermissionGate(platform, logger),
		logger:   logger,
		timers:   make(map[TimerHandle]*time.Timer),
	}
}

// IsSupported reports whether the host exposes the notification capability.
func (n *Notifier) IsSupported() bool {
	return n.gate.Supported()
}

// Permission returns the last known permission state.
func (n *Notifier) Permission() Permission {
	return n.gate.State()
}

// RefreshPermission re-reads the platform's permission after a platform
// reports a change.
func (n *Notifier) RefreshPermission() Permission {
	return n.gate.Refresh()
}

// RequestPermission prompts the user. It fails with ErrUnsupported when the
// capability is missing and returns at once when already granted.
func (n *Notifier) RequestPermission(ctx context.Context) (Permission, error) {
	return n.gate.Request(ctx)
}

// Show displays a notification. When the platform is unsupported or
// permission is not granted it logs a warning and returns a degraded error
// (see IsDegraded) without touching the platform.
func (n *Notifier) Show(ctx context.Context, opts Options) error {
	if !n.gate.Supported() {
		n.logger.Warn("notifications not supported, skipping", zap.String("tag", opts.Tag))
		return ErrUnsupported
	}
	if !n.gate.Granted() {
		n.logger.Warn("notification permission not granted, skipping",
			zap.String("tag", opts.Tag),
			zap.String("permission", string(n.gate.State())),
		)
		return ErrPermissionNotGranted
	}

	if err := n.platform.Display(ctx, opts); err != nil {
		return fmt.Errorf("display notification: %w", err)
	}

	n.logger.Debug("notification shown",
		zap.String("title", opts.Title),
		zap.String("tag", opts.Tag),
	)
	return nil
}

// ScheduleDelayed shows opts after delay and returns a handle for Cancel.
func (n *Notifier) ScheduleDelayed(opts Options, delay time.Duration) TimerHandle {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	handle := n.nextID

	n.timers[handle] = time.AfterFunc(delay, func() {
		n.mu.Lock()
		_, pending := n.timers[handle]
		delete(n.timers, handle)
		n.mu.Unlock()
		if !pending {
			return
		}

		if err := n.Show(context.Background(), opts); err != nil && !IsDegraded(err) {
			n.logger.Error("delayed notification failed",
				zap.Uint64("handle", uint64(handle)),
				zap.Error(err),
			)
		}
	})

	n.logger.Debug("notification scheduled",
		zap.Uint64("handle", uint64(handle)),
		zap.Duration("delay", delay),
	)
	return handle
}

// Cancel stops a delayed notification. It returns false when the handle is
// unknown or the notification already fired.
func (n *Notifier) Cancel(handle TimerHandle) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.timers[handle]
	if !ok {
		return false
	}
	delete(n.timers, handle)
	t.Stop()
	return true
}

// Pending returns the number of delayed notifications not yet fired.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.timers)
}

// Stop cancels every pending delayed notification.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for handle, t := range n.timers {
		t.Stop()
		delete(n.timers, handle)
	}
}
