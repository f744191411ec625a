package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
)

const (
	eventIntentSucceeded     = "payment_intent.succeeded"
	eventIntentPaymentFailed = "payment_intent.payment_failed"
	eventCheckoutCompleted   = "checkout.session.completed"
)

// StripeHandler verifies and applies card network events.
type StripeHandler struct {
	ledger Ledger
	secret string
	deliveries
}

func NewStripeHandler(secret string, ledger Ledger, opts Options) *StripeHandler {
	opts = opts.withDefaults()
	return &StripeHandler{
		ledger:     ledger,
		secret:     secret,
		deliveries: deliveries{cache: opts.Cache, ttl: opts.DeliveryTTL, logger: opts.Logger},
	}
}

// Handle verifies signature against the raw payload before anything in it
// is read.
func (h *StripeHandler) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if h.secret == "" || signature == "" {
		return Result{}, ErrUnauthenticated
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, h.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("stripe signature rejected", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	eventType := string(event.Type)
	res := Result{EventID: event.ID, Type: eventType}
	key := "stripe:" + event.ID
	if h.seen(ctx, key) {
		res.Duplicate = true
		return res, nil
	}

	switch {
	case eventType == eventIntentSucceeded || eventType == eventIntentPaymentFailed:
		return h.handleIntent(ctx, key, event, res)
	case strings.HasPrefix(eventType, "customer.subscription.") ||
		strings.HasPrefix(eventType, "invoice.") ||
		eventType == eventCheckoutCompleted:
		return h.record(ctx, key, event, res)
	default:
		h.logger.Info("stripe event ignored", "event_id", event.ID, "type", eventType)
		res.Ignored = true
		return res, nil
	}
}

func (h *StripeHandler) handleIntent(ctx context.Context, key string, event stripe.Event, res Result) (Result, error) {
	if event.Data == nil {
		return Result{}, fmt.Errorf("%w: event has no data", ErrMalformed)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		return Result{}, fmt.Errorf("%w: payment intent object", ErrMalformed)
	}

	outcome := domain.PaymentOutcome{
		GatewayReference: intent.ID,
		Status:           domain.PaymentSucceeded,
		Response:         event.Data.Raw,
		Source:           "stripe",
		Metadata: map[string]any{
			"event_id": event.ID,
			"amount":   decimal.New(intent.Amount, -2).StringFixed(2),
			"currency": strings.ToUpper(string(intent.Currency)),
		},
	}
	if string(event.Type) == eventIntentPaymentFailed {
		outcome.Status = domain.PaymentFailed
		outcome.Reason = "payment_failed"
		if intent.LastPaymentError != nil {
			if intent.LastPaymentError.Code != "" {
				outcome.Reason = string(intent.LastPaymentError.Code)
			}
			outcome.Metadata["error_message"] = intent.LastPaymentError.Msg
		}
	}
	return h.apply(ctx, h.ledger, key, outcome, res)
}

func (h *StripeHandler) record(ctx context.Context, key string, event stripe.Event, res Result) (Result, error) {
	meta := map[string]any{"event_id": event.ID, "type": string(event.Type)}
	var object struct {
		ID       string `json:"id"`
		Customer any    `json:"customer"`
		Status   string `json:"status"`
	}
	if event.Data != nil && json.Unmarshal(event.Data.Raw, &object) == nil {
		if object.ID != "" {
			meta["object_id"] = object.ID
		}
		if customer, ok := object.Customer.(string); ok && customer != "" {
			meta["customer"] = customer
		}
		if object.Status != "" {
			meta["status"] = object.Status
		}
	}

	recorded, err := h.ledger.RecordGatewayEvent(ctx, domain.AuditEntry{
		Action:      domain.ActionGatewayEvent,
		Description: string(event.Type),
		Metadata:    meta,
		DedupeKey:   key,
	})
	if err != nil {
		return Result{}, err
	}
	if recorded {
		res.Recorded = true
	} else {
		res.Duplicate = true
	}
	h.mark(ctx, key)
	return res, nil
}
