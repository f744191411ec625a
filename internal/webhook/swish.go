package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
)

const swishCallbackSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "status", "amount", "currency"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "payeePaymentReference": { "type": ["string", "null"] },
    "paymentReference": { "type": ["string", "null"] },
    "callbackUrl": { "type": ["string", "null"] },
    "payerAlias": { "type": ["string", "null"] },
    "payeeAlias": { "type": ["string", "null"] },
    "amount": { "type": "number", "exclusiveMinimum": 0 },
    "currency": { "type": "string", "enum": ["SEK"] },
    "message": { "type": ["string", "null"] },
    "status": { "type": "string", "enum": ["PAID", "DECLINED", "ERROR", "CANCELLED"] },
    "dateCreated": { "type": ["string", "null"] },
    "datePaid": { "type": ["string", "null"] },
    "errorCode": { "type": ["string", "null"] },
    "errorMessage": { "type": ["string", "null"] }
  }
}`

var swishCallbackLoader = gojsonschema.NewStringLoader(swishCallbackSchema)

// SwishCallback is the payment request result posted by the wallet network.
type SwishCallback struct {
	ID                    string          `json:"id"`
	PayeePaymentReference string          `json:"payeePaymentReference"`
	PaymentReference      string          `json:"paymentReference"`
	CallbackURL           string          `json:"callbackUrl"`
	PayerAlias            string          `json:"payerAlias"`
	PayeeAlias            string          `json:"payeeAlias"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Message               string          `json:"message"`
	Status                string          `json:"status"`
	DateCreated           string          `json:"dateCreated"`
	DatePaid              *string         `json:"datePaid"`
	ErrorCode             *string         `json:"errorCode"`
	ErrorMessage          *string         `json:"errorMessage"`
}

func (c SwishCallback) paymentStatus() domain.PaymentStatus {
	if c.Status == "PAID" {
		return domain.PaymentSucceeded
	}
	return domain.PaymentFailed
}

// SwishHandler authenticates and applies wallet callbacks.
type SwishHandler struct {
	ledger Ledger
	token  string
	deliveries
}

func NewSwishHandler(token string, ledger Ledger, opts Options) *SwishHandler {
	opts = opts.withDefaults()
	return &SwishHandler{
		ledger:     ledger,
		token:      token,
		deliveries: deliveries{cache: opts.Cache, ttl: opts.DeliveryTTL, logger: opts.Logger},
	}
}

// Handle checks token in constant time and validates payload against the
// callback schema before decoding it. A callback whose amount differs from
// the recorded payment is rejected and changes nothing.
func (h *SwishHandler) Handle(ctx context.Context, payload []byte, token string) (Result, error) {
	if h.token == "" || !hmac.Equal([]byte(token), []byte(h.token)) {
		return Result{}, ErrUnauthenticated
	}
	if err := validateSchema(swishCallbackLoader, payload); err != nil {
		return Result{}, err
	}
	var cb SwishCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	res := Result{EventID: cb.ID, Type: cb.Status}
	key := "swish:" + cb.ID + ":" + cb.Status
	if h.seen(ctx, key) {
		res.Duplicate = true
		return res, nil
	}

	outcome := domain.PaymentOutcome{
		GatewayReference: cb.ID,
		Status:           cb.paymentStatus(),
		Amount:           decimal.NewNullDecimal(cb.Amount.Round(2)),
		Response:         payload,
		Source:           "swish",
		Metadata:         map[string]any{"swish_status": cb.Status},
	}
	if cb.PaymentReference != "" {
		outcome.Metadata["payment_reference"] = cb.PaymentReference
	}
	if outcome.Status == domain.PaymentFailed {
		outcome.Reason = strings.ToLower(cb.Status)
		if cb.ErrorCode != nil && *cb.ErrorCode != "" {
			outcome.Metadata["error_code"] = *cb.ErrorCode
		}
		if cb.ErrorMessage != nil && *cb.ErrorMessage != "" {
			outcome.Metadata["error_message"] = *cb.ErrorMessage
		}
	}
	return h.apply(ctx, h.ledger, key, outcome, res)
}

func validateSchema(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformed, sb.String())
	}
	return nil
}
