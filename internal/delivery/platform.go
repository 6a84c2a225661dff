// Package delivery implements host notification platforms: the fan-out
// router, a development log sink, an HTTP push gateway, SES email and
// freedesktop desktop notifications.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// Named is implemented by platforms that report a name for logs.
type Named interface {
	Name() string
}

func nameOf(p notify.Platform) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

// MultiPlatform fans a notification out to every supported platform that has
// permission. It is supported when any child is, and granted when any child is.
type MultiPlatform struct {
	platforms []notify.Platform
	logger    *zap.Logger
}

// NewMultiPlatform creates a router over platforms.
func NewMultiPlatform(logger *zap.Logger, platforms ...notify.Platform) *MultiPlatform {
	return &MultiPlatform{
		platforms: platforms,
		logger:    logger,
	}
}

func (m *MultiPlatform) Name() string { return "multi" }

// Supported reports whether any child platform is supported.
func (m *MultiPlatform) Supported() bool {
	for _, p := range m.platforms {
		if p.Supported() {
			return true
		}
	}
	return false
}

// Permission aggregates child permissions: granted if any supported child is
// granted, denied if every supported child denied, default otherwise.
func (m *MultiPlatform) Permission() notify.Permission {
	return aggregate(m.supported(), func(p notify.Platform) notify.Permission {
		return p.Permission()
	})
}

// RequestPermission asks every supported child and aggregates the answers.
func (m *MultiPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	supported := m.supported()
	if len(supported) == 0 {
		return notify.PermissionDenied, notify.ErrUnsupported
	}

	answers := make(map[notify.Platform]notify.Permission, len(supported))
	var errs []error
	for _, p := range supported {
		perm, err := p.RequestPermission(ctx)
		if err != nil {
			m.logger.Warn("permission request failed",
				zap.String("platform", nameOf(p)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", nameOf(p), err))
			perm = notify.PermissionDefault
		}
		answers[p] = perm
	}

	result := aggregate(supported, func(p notify.Platform) notify.Permission { return answers[p] })
	if result != notify.PermissionGranted && len(errs) == len(supported) {
		return result, errors.Join(errs...)
	}
	return result, nil
}

// Display delivers to every granted child. It succeeds when at least one
// child accepted the notification.
func (m *MultiPlatform) Display(ctx context.Context, opts notify.Options) error {
	var errs []error
	delivered := 0

	for _, p := range m.supported() {
		if p.Permission() != notify.PermissionGranted {
			continue
		}

		m.logger.Debug("routing notification to platform",
			zap.String("platform", nameOf(p)),
			zap.String("tag", opts.Tag),
		)

		if err := p.Display(ctx, opts); err != nil {
			m.logger.Warn("platform delivery failed",
				zap.String("platform", nameOf(p)),
				zap.String("tag", opts.Tag),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", nameOf(p), err))
			continue
		}
		delivered++
	}

	if delivered > 0 {
		return nil
	}
	if len(errs) == 0 {
		return notify.ErrPermissionNotGranted
	}
	return errors.Join(errs...)
}

func (m *MultiPlatform) supported() []notify.Platform {
	out := make([]notify.Platform, 0, len(m.platforms))
	for _, p := range m.platforms {
		if p.Supported() {
			out = append(out, p)
		}
	}
	return out
}

func aggregate(platforms []notify.Platform, perm func(notify.Platform) notify.Permission) notify.Permission {
	if len(platforms) == 0 {
		return notify.PermissionDefault
	}

	denied := 0
	for _, p := range platforms {
		switch perm(p) {
		case notify.PermissionGranted:
			return notify.PermissionGranted
		case notify.PermissionDenied:
			denied++
		}
	}
	if denied == len(platforms) {
		return notify.PermissionDenied
	}
	return notify.PermissionDefault
}

// LogPlatform writes notifications to the log (for testing/development).
// It is always supported and granted.
type LogPlatform struct {
	logger *zap.Logger
}

func NewLogPlatform(logger *zap.Logger) *LogPlatform {
	return &LogPlatform{logger: logger}
}

func (l *LogPlatform) Name() string                  { return "log" }
func (l *LogPlatform) Supported() bool               { return true }
func (l *LogPlatform) Permission() notify.Permission { return notify.PermissionGranted }

func (l *LogPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	return notify.PermissionGranted, nil
}

func (l *LogPlatform) Display(ctx context.Context, opts notify.Options) error {
	fields := []zap.Field{
		zap.String("title", opts.Title),
		zap.String("body", opts.Body),
		zap.String("tag", opts.Tag),
		zap.Bool("require_interaction", opts.RequireInteraction),
	}
	if opts.Data != nil {
		fields = append(fields,
			zap.String("reminder_id", opts.Data.ReminderID),
			zap.String("tank_id", opts.Data.TankID),
		)
	}
	l.logger.Info("notification (development sink)", fields...)
	return nil
}
