package domain

import "github.com/shopspring/decimal"

type CheckoutRequest struct {
	Email      string          `json:"email"`
	CustomerID string          `json:"customer_id,omitempty"`
	Lines      []LineInput     `json:"lines"`
	Discount   decimal.Decimal `json:"discount"`
	Currency   string          `json:"currency,omitempty"`
	PayerAlias string          `json:"payer_alias,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type CheckoutResponse struct {
	Order            Order   `json:"order"`
	Payment          Payment `json:"payment"`
	ClientSecret     string  `json:"client_secret,omitempty"`
	PaymentRequestID string  `json:"payment_request_id,omitempty"`
	QRData           string  `json:"qr_data,omitempty"`
}

type POSSaleRequest struct {
	SessionID    string           `json:"session_id"`
	Lines        []LineInput      `json:"lines"`
	Discount     decimal.Decimal  `json:"discount"`
	Method       PaymentMethod    `json:"method"`
	CashReceived *decimal.Decimal `json:"cash_received,omitempty"`
	CompReason   string           `json:"comp_reason,omitempty"`
	Reference    string           `json:"reference,omitempty"`
}

type POSSaleResponse struct {
	Order       Order           `json:"order"`
	Payment     Payment         `json:"payment"`
	Transaction *POSTransaction `json:"transaction,omitempty"`
	ChangeGiven decimal.Decimal `json:"change_given"`
	Duplicate   bool            `json:"duplicate"`
}

type ManualOrderRequest struct {
	Lines        []LineInput      `json:"lines"`
	Discount     decimal.Decimal  `json:"discount"`
	Method       PaymentMethod    `json:"method"`
	CashReceived *decimal.Decimal `json:"cash_received,omitempty"`
	CompReason   string           `json:"comp_reason,omitempty"`
	Reference    string           `json:"reference,omitempty"`
	Note         string           `json:"note,omitempty"`
}

type SessionOpenRequest struct {
	OpeningFloat decimal.Decimal `json:"opening_float"`
	Notes        string          `json:"notes,omitempty"`
}

type SessionCloseRequest struct {
	CountedCash *decimal.Decimal `json:"counted_cash"`
	Notes       string           `json:"notes,omitempty"`
}
