package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// ProtectedPlatform wraps a notification platform with a CircuitBreaker.
// Only Display goes through the breaker; capability and permission queries
// pass straight to the platform.
type ProtectedPlatform struct {
	platform notify.Platform
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

// NewProtectedPlatform wraps platform with breaker.
func NewProtectedPlatform(platform notify.Platform, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPlatform {
	return &ProtectedPlatform{
		platform: platform,
		breaker:  breaker,
		logger:   logger,
	}
}

func (p *ProtectedPlatform) Name() string                  { return p.breaker.Name() }
func (p *ProtectedPlatform) Supported() bool               { return p.platform.Supported() }
func (p *ProtectedPlatform) Permission() notify.Permission { return p.platform.Permission() }

func (p *ProtectedPlatform) RequestPermission(ctx context.Context) (notify.Permission, error) {
	return p.platform.RequestPermission(ctx)
}

// Display fails fast with ErrCircuitOpen while the circuit is open. Only
// errors the breaker classifies as platform failures count against it.
func (p *ProtectedPlatform) Display(ctx context.Context, opts notify.Options) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("tag", opts.Tag),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s platform unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.platform.Display(ctx, opts)
	p.breaker.Record(err)
	if err != nil && p.breaker.config.IsFailure(err) {
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedPlatform) Breaker() *CircuitBreaker {
	return p.breaker
}
