package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return NewFromClient(rdb, "", zap.NewNop()), mr
}

func TestClient_Key(t *testing.T) {
	c := NewFromClient(nil, "", zap.NewNop())
	if got := c.Key("fired", "r1", "2024-01-02"); got != "aquaguide:fired:r1:2024-01-02" {
		t.Errorf("Key() = %s", got)
	}

	c = NewFromClient(nil, "staging", zap.NewNop())
	if got := c.Key("aquaguide-reminders"); got != "staging:aquaguide-reminders" {
		t.Errorf("Key() = %s", got)
	}
}
