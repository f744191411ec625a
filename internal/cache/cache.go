package cache

import (
	"context"
	"time"
)

// DeliveryCache remembers gateway notifications that were already processed
// so redeliveries can be answered without touching the store. It is only a
// fast path: a miss or an error falls through to the store, which stays the
// authority on idempotency.
type DeliveryCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
}

type NoopDeliveryCache struct{}

func (NoopDeliveryCache) Seen(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (NoopDeliveryCache) MarkSeen(_ context.Context, _ string, _ time.Duration) error {
	return nil
}
