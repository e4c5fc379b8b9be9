package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"qris-pos/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Entry is the slice of a transaction the POS polling loop asks for.
type Entry struct {
	Status     domain.TransactionStatus `json:"status"`
	Amount     int64                    `json:"amount"`
	ResolvedAt *time.Time               `json:"resolved_at,omitempty"`
}

// StatusCache keeps terminal transaction states close to the POS polling
// loop. Pending is never cached: it has to come from the store so a webhook
// landing between polls is seen immediately.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a nil cache when addr is empty; all methods are nil-safe so
// callers need no branching.
func New(addr string, ttl time.Duration) (*StatusCache, error) {
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &StatusCache{client: client, ttl: ttl}, nil
}

func key(orderID string) string {
	return "trx:status:" + orderID
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (*Entry, bool) {
	if c == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, key(orderID)).Bytes()
	if err != nil {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (c *StatusCache) Set(ctx context.Context, orderID string, trx *domain.Transaction) {
	if c == nil || !trx.Status.Terminal() {
		return
	}
	payload, err := json.Marshal(Entry{Status: trx.Status, Amount: trx.Amount, ResolvedAt: trx.ResolvedAt})
	if err != nil {
		return
	}
	// Best effort: a cache miss just falls back to the store.
	_ = c.client.Set(ctx, key(orderID), payload, c.ttl).Err()
}

func (c *StatusCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
