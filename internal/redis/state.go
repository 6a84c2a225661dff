package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zy0x1337/aquaguide-sub003/internal/store"
)

// StateBackend keeps the serialized reminder collection under one Redis key,
// so several gateway replicas share it.
type StateBackend struct {
	client *Client
	key    string
}

// NewStateBackend stores the collection under storageKey.
func NewStateBackend(client *Client, storageKey string) *StateBackend {
	return &StateBackend{client: client, key: client.Key(storageKey)}
}

func (b *StateBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.client.rdb.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (b *StateBackend) Save(ctx context.Context, data []byte) error {
	if err := b.client.rdb.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
