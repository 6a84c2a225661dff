package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

// StateBackend keeps the serialized reminder collection in the
// reminder_state table, one row per storage key.
type StateBackend struct {
	db     *DB
	key    string
	logger *zap.Logger
}

// NewStateBackend stores the collection under storageKey.
func NewStateBackend(db *DB, storageKey string, logger *zap.Logger) *StateBackend {
	return &StateBackend{db: db, key: storageKey, logger: logger}
}

func (b *StateBackend) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.db.Pool().QueryRow(ctx,
		`SELECT value FROM reminder_state WHERE key = $1`,
		b.key,
	).Scan(&data)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder state: %w", err)
	}
	return data, nil
}

func (b *StateBackend) Save(ctx context.Context, data []byte) error {
	_, err := b.db.Pool().Exec(ctx, `
		INSERT INTO reminder_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, b.key, data)
	if err != nil {
		b.logger.Error("failed to save reminder state",
			zap.String("key", b.key),
			zap.Error(err),
		)
		return fmt.Errorf("upsert reminder state: %w", err)
	}
	return nil
}
