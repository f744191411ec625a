// Package stripe wraps the card gateway calls the ledger makes: creating
// payment intents, refunding them and listing settled charges.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
)

const pageSize = 100

var ErrNotConfigured = errors.New("stripe is not configured")

type Client struct {
	api *client.API
}

type IntentRequest struct {
	OrderID     string
	OrderNumber int64
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Description string
}

type Intent struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"client_secret"`
	Status       string          `json:"status"`
	Raw          json.RawMessage `json:"-"`
}

func New(secretKey string) *Client {
	return &Client{api: client.New(secretKey, nil)}
}

// NewWithBackendURL points every API call at baseURL.
func NewWithBackendURL(secretKey string, baseURL string) *Client {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &Client{api: client.New(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})}
}

func (c *Client) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if c == nil || c.api == nil {
		return nil, ErrNotConfigured
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = strings.ToLower(domain.DefaultCurrency)
	}

	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(toMinorUnits(req.Amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("order_number", strconv.FormatInt(req.OrderNumber, 10))

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(map[string]any{
		"id":       pi.ID,
		"status":   pi.Status,
		"amount":   pi.Amount,
		"currency": pi.Currency,
	})
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status), Raw: raw}, nil
}

// RefundPayment refunds amount of the payment intent and returns the refund id.
func (c *Client) RefundPayment(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason string) (string, error) {
	if c == nil || c.api == nil {
		return "", ErrNotConfigured
	}
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(toMinorUnits(amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return "", err
	}
	return refund.ID, nil
}

// ListCharges returns up to limit charges, newest first.
func (c *Client) ListCharges(ctx context.Context, limit int) ([]domain.Charge, error) {
	if c == nil || c.api == nil {
		return nil, ErrNotConfigured
	}
	if limit < 1 {
		return nil, nil
	}

	params := &stripe.ChargeListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
			Limit:   stripe.Int64(int64(min(pageSize, limit))),
		},
	}
	params.AddExpand("data.customer")

	charges := make([]domain.Charge, 0, min(pageSize, limit))
	iter := c.api.Charges.List(params)
	for iter.Next() {
		charges = append(charges, toCharge(iter.Charge()))
		if len(charges) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return charges, nil
}

func toCharge(ch *stripe.Charge) domain.Charge {
	out := domain.Charge{
		ID:        ch.ID,
		Amount:    fromMinorUnits(ch.Amount),
		Currency:  strings.ToUpper(string(ch.Currency)),
		Status:    chargeStatus(ch.Status),
		CreatedAt: time.Unix(ch.Created, 0).UTC(),
		Metadata:  ch.Metadata,
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}

	subset := map[string]any{
		"payment_intent": nullIfEmpty(out.PaymentIntentID),
		"receipt_url":    nullIfEmpty(ch.ReceiptURL),
		"metadata":       ch.Metadata,
	}
	if ch.Customer != nil {
		subset["customer"] = ch.Customer.ID
	}
	if ch.BillingDetails != nil {
		subset["billing_email"] = nullIfEmpty(ch.BillingDetails.Email)
	}
	out.Raw, _ = json.Marshal(subset)
	return out
}

func chargeStatus(status stripe.ChargeStatus) domain.PaymentStatus {
	switch status {
	case stripe.ChargeStatusSucceeded:
		return domain.PaymentSucceeded
	case stripe.ChargeStatusFailed:
		return domain.PaymentFailed
	default:
		return domain.PaymentPending
	}
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
