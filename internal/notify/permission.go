package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/metrics"
)

// PermissionGate is the single source of truth for whether this process may
// show notifications. It reads the platform at construction, on every
// explicit request, and whenever a platform reports a change through Refresh.
// It is never polled.
type PermissionGate struct {
	mu       sync.RWMutex
	platform Platform
	state    Permission
	logger   *zap.Logger
}

// NewPermissionGate snapshots the platform's current permission.
func NewPermissionGate(platform Platform, logger *zap.Logger) *PermissionGate {
	state := PermissionDefault
	if platform.Supported() {
		state = platform.Permission()
	}

	logger.Info("notification permission gate initialized",
		zap.Bool("supported", platform.Supported()),
		zap.String("permission", string(state)),
	)

	return &PermissionGate{
		platform: platform,
		state:    state,
		logger:   logger,
	}
}

// Supported reports whether the host exposes the notification capability.
func (g *PermissionGate) Supported() bool {
	return g.platform.Supported()
}

// State returns the last known permission.
func (g *PermissionGate) State() Permission {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Granted reports whether notifications may be shown.
func (g *PermissionGate) Granted() bool {
	return g.Supported() && g.State() == PermissionGranted
}

// Request prompts the user unless permission is already granted.
func (g *PermissionGate) Request(ctx context.Context) (Permission, error) {
	if !g.platform.Supported() {
		metrics.RecordPermissionRequest("unsupported")
		return PermissionDenied, ErrUnsupported
	}

	if g.State() == PermissionGranted {
		return PermissionGranted, nil
	}

	p, err := g.platform.RequestPermission(ctx)
	if err != nil {
		metrics.RecordPermissionRequest("error")
		return g.State(), fmt.Errorf("request permission: %w", err)
	}

	g.mu.Lock()
	g.state = p
	g.mu.Unlock()

	metrics.RecordPermissionRequest(string(p))
	g.logger.Info("notification permission updated", zap.String("permission", string(p)))
	return p, nil
}

// Refresh re-reads the platform's permission. Platforms whose audience comes
// and goes (browser tabs) call it when a tab reports its permission. An
// unsupported platform leaves the last known state in place.
func (g *PermissionGate) Refresh() Permission {
	if !g.platform.Supported() {
		return g.State()
	}

	p := g.platform.Permission()
	g.mu.Lock()
	prev := g.state
	g.state = p
	g.mu.Unlock()

	if p != prev {
		g.logger.Info("notification permission changed",
			zap.String("from", string(prev)),
			zap.String("to", string(p)),
		)
	}
	return p
}
