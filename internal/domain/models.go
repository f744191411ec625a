package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "SEK"

type Channel string

const (
	ChannelOnline      Channel = "online"
	ChannelPOS         Channel = "pos"
	ChannelAdminManual Channel = "admin_manual"
)

type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderConfirmed         OrderStatus = "confirmed"
	OrderFailed            OrderStatus = "failed"
	OrderRefunded          OrderStatus = "refunded"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
	OrderCancelled         OrderStatus = "cancelled"
)

type PaymentMethod string

const (
	MethodCard          PaymentMethod = "card"
	MethodMobileWallet  PaymentMethod = "mobile_wallet"
	MethodCash          PaymentMethod = "cash"
	MethodComplimentary PaymentMethod = "complimentary"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// Audit action codes. Entries are append-only; the codes are part of the
// export format and must stay stable.
const (
	ActionOrderCreated         = "order.created"
	ActionOrderManualCreated   = "order.manual_created"
	ActionOrderCancelled       = "order.cancelled"
	ActionPaymentIntentCreated = "payment.intent_created"
	ActionPaymentSwishCreated  = "payment.swish_created"
	ActionPaymentSucceeded     = "payment.succeeded"
	ActionPaymentFailed        = "payment.failed"
	ActionPaymentReconciled    = "payment.reconciled"
	ActionRefundProcessed      = "refund.processed"
	ActionPOSTransaction       = "pos.transaction"
	ActionPOSSessionOpened     = "pos.session_opened"
	ActionPOSSessionClosed     = "pos.session_closed"
	ActionGatewayEvent         = "gateway.event"
)

type Order struct {
	ID             string          `json:"id"`
	OrderNumber    int64           `json:"order_number"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Channel        Channel         `json:"channel"`
	Status         OrderStatus     `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	Currency       string          `json:"currency"`
	StaffID        string          `json:"staff_id,omitempty"`
	Lines          []OrderLine     `json:"lines,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type OrderLine struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type Payment struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	Method           PaymentMethod   `json:"method"`
	Status           PaymentStatus   `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
	RefundReason     string          `json:"refund_reason,omitempty"`
	RefundedBy       string          `json:"refunded_by,omitempty"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type AuditEntry struct {
	ID          string              `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Action      string              `json:"action"`
	Channel     Channel             `json:"channel,omitempty"`
	CustomerID  string              `json:"customer_id,omitempty"`
	StaffID     string              `json:"staff_id,omitempty"`
	OrderID     string              `json:"order_id,omitempty"`
	PaymentID   string              `json:"payment_id,omitempty"`
	Method      PaymentMethod       `json:"method,omitempty"`
	Amount      decimal.NullDecimal `json:"amount"`
	Currency    string              `json:"currency,omitempty"`
	Description string              `json:"description,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	DedupeKey   string              `json:"-"`
}

type AuditFilter struct {
	From    time.Time
	To      time.Time
	OrderID string
	Action  string
	Limit   int
}

type POSSession struct {
	ID           string              `json:"id"`
	StaffID      string              `json:"staff_id"`
	Status       SessionStatus       `json:"status"`
	OpeningFloat decimal.Decimal     `json:"opening_float"`
	ClosingCash  decimal.NullDecimal `json:"closing_cash"`
	ExpectedCash decimal.NullDecimal `json:"expected_cash"`
	CashVariance decimal.NullDecimal `json:"cash_variance"`
	Notes        string              `json:"notes,omitempty"`
	OpenedAt     time.Time           `json:"opened_at"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
}

type POSTransaction struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	OrderID      string              `json:"order_id"`
	Method       PaymentMethod       `json:"method"`
	Amount       decimal.Decimal     `json:"amount"`
	CashReceived decimal.NullDecimal `json:"cash_received"`
	ChangeGiven  decimal.NullDecimal `json:"change_given"`
	CompReason   string              `json:"comp_reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// CashImpact is the net cash the transaction put into the drawer.
func (t POSTransaction) CashImpact() decimal.Decimal {
	if t.Method != MethodCash || !t.CashReceived.Valid {
		return decimal.Zero
	}
	change := decimal.Zero
	if t.ChangeGiven.Valid {
		change = t.ChangeGiven.Decimal
	}
	return t.CashReceived.Decimal.Sub(change)
}

type MethodTotal struct {
	Method       PaymentMethod   `json:"method"`
	Transactions int             `json:"transactions"`
	Amount       decimal.Decimal `json:"amount"`
}

type SessionSummary struct {
	Session      POSSession      `json:"session"`
	Transactions int             `json:"transactions"`
	Gross        decimal.Decimal `json:"gross"`
	CashInDrawer decimal.Decimal `json:"cash_in_drawer"`
	ByMethod     []MethodTotal   `json:"by_method"`
}

// SaleRecord is everything one channel adapter writes in a single transaction.
// Transaction is set only for point-of-sale sales.
type SaleRecord struct {
	Order       Order           `json:"order"`
	Payment     Payment         `json:"payment"`
	Transaction *POSTransaction `json:"transaction,omitempty"`
}

// PaymentOutcome is a terminal result reported for a payment, either by a
// gateway notification or internally when initiation fails. The payment is
// located by PaymentID when set, otherwise by GatewayReference.
type PaymentOutcome struct {
	PaymentID        string
	GatewayReference string
	Status           PaymentStatus
	Amount           decimal.NullDecimal
	Response         json.RawMessage
	Source           string
	Reason           string
	Metadata         map[string]any
}

type OutcomeResult struct {
	Applied bool    `json:"applied"`
	Order   Order   `json:"order"`
	Payment Payment `json:"payment"`
}

type RefundRequest struct {
	PaymentID  string          `json:"-"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	ManagerPIN string          `json:"manager_pin"`
}

type RefundResult struct {
	Order            Order   `json:"order"`
	Payment          Payment `json:"payment"`
	GatewayRefundRef string  `json:"gateway_refund_reference,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// StaffCreateRequest provisions a login. Role defaults to staff.
type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}
