package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Charge is a settled charge as listed by a card gateway.
type Charge struct {
	ID              string
	PaymentIntentID string
	Amount          decimal.Decimal
	Currency        string
	Status          PaymentStatus
	CreatedAt       time.Time
	Metadata        map[string]string
	// Raw is the subset of the gateway payload kept as the payment's
	// gateway response.
	Raw json.RawMessage
}
