package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/cache"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/logging"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
)

var (
	// ErrUnauthenticated means the signature or callback token did not verify.
	ErrUnauthenticated = errors.New("notification not authenticated")
	ErrMalformed       = errors.New("malformed notification")
)

// Ledger is the part of the service a notification can change.
type Ledger interface {
	ApplyGatewayOutcome(ctx context.Context, outcome domain.PaymentOutcome) (*domain.OutcomeResult, error)
	RecordGatewayEvent(ctx context.Context, entry domain.AuditEntry) (bool, error)
}

type Options struct {
	Cache       cache.DeliveryCache
	DeliveryTTL time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Cache == nil {
		o.Cache = cache.NoopDeliveryCache{}
	}
	if o.DeliveryTTL <= 0 {
		o.DeliveryTTL = 72 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Result describes what a delivery did. Exactly one of Applied, Duplicate,
// Recorded and Ignored is set for an accepted delivery.
type Result struct {
	EventID   string `json:"event_id,omitempty"`
	Type      string `json:"type,omitempty"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
	Recorded  bool   `json:"recorded"`
	Ignored   bool   `json:"ignored"`
}

type deliveries struct {
	cache  cache.DeliveryCache
	ttl    time.Duration
	logger *slog.Logger
}

func (d deliveries) seen(ctx context.Context, key string) bool {
	seen, err := d.cache.Seen(ctx, key)
	if err != nil {
		d.logger.Warn("delivery cache lookup failed", "key", key, "error", err)
		return false
	}
	return seen
}

func (d deliveries) mark(ctx context.Context, key string) {
	if err := d.cache.MarkSeen(ctx, key, d.ttl); err != nil {
		d.logger.Warn("delivery cache write failed", "key", key, "error", err)
	}
}

// apply runs outcome through the ledger. An unknown gateway reference is
// logged and ignored.
func (d deliveries) apply(ctx context.Context, ledger Ledger, key string, outcome domain.PaymentOutcome, res Result) (Result, error) {
	applied, err := ledger.ApplyGatewayOutcome(ctx, outcome)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("notification for unknown gateway reference", "source", outcome.Source, "reference", outcome.GatewayReference, "event_id", res.EventID)
		res.Ignored = true
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}
	if applied.Applied {
		res.Applied = true
	} else {
		res.Duplicate = true
	}
	d.mark(ctx, key)
	return res, nil
}
