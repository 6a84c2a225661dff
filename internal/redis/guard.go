package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FiredTTL outlives any local calendar day in any zone.
const FiredTTL = 48 * time.Hour

// FiredGuard records which reminders already fired on a given local day.
// Claims use SET NX, so among replicas sharing a store only one delivers.
type FiredGuard struct {
	client *Client
	logger *zap.Logger
}

func NewFiredGuard(client *Client, logger *zap.Logger) *FiredGuard {
	return &FiredGuard{client: client, logger: logger}
}

func (g *FiredGuard) key(reminderID, day string) string {
	return g.client.Key("fired", reminderID, day)
}

// Claim marks reminderID as fired on day (YYYY-MM-DD). It returns false when
// another claim for the same day already exists.
func (g *FiredGuard) Claim(ctx context.Context, reminderID, day string) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.key(reminderID, day), time.Now().Unix(), FiredTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !set {
		g.logger.Debug("reminder already claimed today",
			zap.String("reminder_id", reminderID),
			zap.String("day", day),
		)
	}
	return set, nil
}
