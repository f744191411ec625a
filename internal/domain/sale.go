package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/xid"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRefundExceeds     = errors.New("refund exceeds remaining payment amount")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type LineInput struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Cart is a validated set of lines with derived totals. Build one with NewCart.
type Cart struct {
	Lines    []OrderLine
	Total    decimal.Decimal
	Discount decimal.Decimal
	Net      decimal.Decimal
	Currency string
}

func NewCart(lines []LineInput, discount decimal.Decimal, currency string) (Cart, error) {
	if len(lines) == 0 {
		return Cart{}, validationf("at least one line is required")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if discount.IsNegative() {
		return Cart{}, validationf("discount must not be negative")
	}

	cart := Cart{Lines: make([]OrderLine, 0, len(lines)), Currency: currency}
	for i, in := range lines {
		desc := strings.TrimSpace(in.Description)
		if desc == "" {
			return Cart{}, validationf("line %d: description is required", i+1)
		}
		if in.Quantity < 1 {
			return Cart{}, validationf("line %d: quantity must be positive", i+1)
		}
		if in.UnitPrice.IsNegative() {
			return Cart{}, validationf("line %d: unit price must not be negative", i+1)
		}
		price := in.UnitPrice.Round(2)
		lineTotal := price.Mul(decimal.NewFromInt(int64(in.Quantity)))
		cart.Lines = append(cart.Lines, OrderLine{
			Description: desc,
			Quantity:    in.Quantity,
			UnitPrice:   price,
			LineTotal:   lineTotal,
		})
		cart.Total = cart.Total.Add(lineTotal)
	}

	cart.Discount = discount.Round(2)
	if cart.Discount.GreaterThan(cart.Total) {
		return Cart{}, validationf("discount exceeds total")
	}
	cart.Net = cart.Total.Sub(cart.Discount)
	if !cart.Net.IsPositive() {
		return Cart{}, validationf("amount must be positive")
	}
	return cart, nil
}

// Tender is the closed set of ways a point-of-sale or manual sale is settled.
type Tender interface {
	Method() PaymentMethod
	isTender()
}

type CardTender struct{ Reference string }

type WalletTender struct{ Reference string }

type CashTender struct{ Received decimal.Decimal }

type CompTender struct{ Reason string }

func (CardTender) Method() PaymentMethod   { return MethodCard }
func (WalletTender) Method() PaymentMethod { return MethodMobileWallet }
func (CashTender) Method() PaymentMethod   { return MethodCash }
func (CompTender) Method() PaymentMethod   { return MethodComplimentary }

func (CardTender) isTender()   {}
func (WalletTender) isTender() {}
func (CashTender) isTender()   {}
func (CompTender) isTender()   {}

// NewTender enforces the method specific fields: cash needs a received
// amount, complimentary needs a reason.
func NewTender(method PaymentMethod, received *decimal.Decimal, reason string, reference string) (Tender, error) {
	switch method {
	case MethodCard:
		return CardTender{Reference: strings.TrimSpace(reference)}, nil
	case MethodMobileWallet:
		return WalletTender{Reference: strings.TrimSpace(reference)}, nil
	case MethodCash:
		if received == nil {
			return nil, validationf("cash received amount is required")
		}
		if !received.IsPositive() {
			return nil, validationf("cash received amount must be positive")
		}
		return CashTender{Received: received.Round(2)}, nil
	case MethodComplimentary:
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return nil, validationf("complimentary reason is required")
		}
		return CompTender{Reason: reason}, nil
	default:
		return nil, validationf("unsupported payment method %q", method)
	}
}

// Sale is the closed set of channel specific sale requests.
type Sale interface {
	Channel() Channel
	Method() PaymentMethod
	isSale()
}

type OnlineCardSale struct {
	Cart       Cart
	Email      string
	CustomerID string
}

type OnlineWalletSale struct {
	Cart       Cart
	Email      string
	CustomerID string
	PayerAlias string
	Message    string
}

type POSSale struct {
	Cart      Cart
	SessionID string
	StaffID   string
	Tender    Tender
}

type ManualSale struct {
	Cart    Cart
	StaffID string
	Tender  Tender
	Note    string
}

func (OnlineCardSale) Channel() Channel   { return ChannelOnline }
func (OnlineWalletSale) Channel() Channel { return ChannelOnline }
func (POSSale) Channel() Channel          { return ChannelPOS }
func (ManualSale) Channel() Channel       { return ChannelAdminManual }

func (OnlineCardSale) Method() PaymentMethod   { return MethodCard }
func (OnlineWalletSale) Method() PaymentMethod { return MethodMobileWallet }
func (s POSSale) Method() PaymentMethod        { return s.Tender.Method() }
func (s ManualSale) Method() PaymentMethod     { return s.Tender.Method() }

func (OnlineCardSale) isSale()   {}
func (OnlineWalletSale) isSale() {}
func (POSSale) isSale()          {}
func (ManualSale) isSale()       {}

func NewOnlineCardSale(cart Cart, email string, customerID string) (OnlineCardSale, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return OnlineCardSale{}, err
	}
	return OnlineCardSale{Cart: cart, Email: email, CustomerID: strings.TrimSpace(customerID)}, nil
}

func NewOnlineWalletSale(cart Cart, email string, customerID string, payerAlias string, message string) (OnlineWalletSale, error) {
	if email != "" {
		normalized, err := normalizeEmail(email)
		if err != nil {
			return OnlineWalletSale{}, err
		}
		email = normalized
	}
	if cart.Currency != DefaultCurrency {
		return OnlineWalletSale{}, validationf("mobile wallet payments must be in %s", DefaultCurrency)
	}
	message = strings.TrimSpace(message)
	if len(message) > 50 {
		return OnlineWalletSale{}, validationf("message must be at most 50 characters")
	}
	return OnlineWalletSale{
		Cart:       cart,
		Email:      email,
		CustomerID: strings.TrimSpace(customerID),
		PayerAlias: strings.TrimSpace(payerAlias),
		Message:    message,
	}, nil
}

func NewPOSSale(cart Cart, sessionID string, staffID string, tender Tender) (POSSale, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return POSSale{}, validationf("session id is required")
	}
	if strings.TrimSpace(staffID) == "" {
		return POSSale{}, validationf("staff actor is required")
	}
	if tender == nil {
		return POSSale{}, validationf("tender is required")
	}
	if err := checkTenderCovers(tender, cart.Net); err != nil {
		return POSSale{}, err
	}
	return POSSale{Cart: cart, SessionID: sessionID, StaffID: staffID, Tender: tender}, nil
}

func NewManualSale(cart Cart, staffID string, tender Tender, note string) (ManualSale, error) {
	if strings.TrimSpace(staffID) == "" {
		return ManualSale{}, validationf("staff actor is required")
	}
	if tender == nil {
		return ManualSale{}, validationf("tender is required")
	}
	if err := checkTenderCovers(tender, cart.Net); err != nil {
		return ManualSale{}, err
	}
	return ManualSale{Cart: cart, StaffID: staffID, Tender: tender, Note: strings.TrimSpace(note)}, nil
}

func checkTenderCovers(tender Tender, net decimal.Decimal) error {
	if cash, ok := tender.(CashTender); ok && cash.Received.LessThan(net) {
		return validationf("cash received %s is less than %s due", cash.Received.StringFixed(2), net.StringFixed(2))
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", validationf("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationf("email is invalid")
	}
	return email, nil
}

// NewSaleRecord lays out the order, lines, payment and, for point-of-sale,
// the drawer transaction for a sale. Online sales start pending; point-of-sale
// and manual sales are already settled.
func NewSaleRecord(sale Sale, now time.Time) SaleRecord {
	var cart Cart
	var email, customerID, staffID string
	switch s := sale.(type) {
	case OnlineCardSale:
		cart, email, customerID = s.Cart, s.Email, s.CustomerID
	case OnlineWalletSale:
		cart, email, customerID = s.Cart, s.Email, s.CustomerID
	case POSSale:
		cart, staffID = s.Cart, s.StaffID
	case ManualSale:
		cart, staffID = s.Cart, s.StaffID
	}

	orderStatus, paymentStatus := OrderPending, PaymentPending
	if sale.Channel() != ChannelOnline {
		orderStatus, paymentStatus = OrderConfirmed, PaymentSucceeded
	}

	orderID := xid.New()
	lines := make([]OrderLine, len(cart.Lines))
	for i, line := range cart.Lines {
		line.ID = xid.New()
		line.OrderID = orderID
		lines[i] = line
	}

	rec := SaleRecord{
		Order: Order{
			ID:             orderID,
			CustomerID:     customerID,
			CustomerEmail:  email,
			Channel:        sale.Channel(),
			Status:         orderStatus,
			TotalAmount:    cart.Total,
			DiscountAmount: cart.Discount,
			NetAmount:      cart.Net,
			Currency:       cart.Currency,
			StaffID:        staffID,
			Lines:          lines,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Payment: Payment{
			ID:        xid.New(),
			OrderID:   orderID,
			Method:    sale.Method(),
			Status:    paymentStatus,
			Amount:    cart.Net,
			Currency:  cart.Currency,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	switch s := sale.(type) {
	case POSSale:
		tx := &POSTransaction{
			ID:        xid.New(),
			SessionID: s.SessionID,
			OrderID:   orderID,
			Method:    s.Tender.Method(),
			Amount:    cart.Net,
			CreatedAt: now,
		}
		applyTender(tx, &rec.Payment, s.Tender, cart.Net)
		rec.Transaction = tx
	case ManualSale:
		applyTender(nil, &rec.Payment, s.Tender, cart.Net)
	}
	return rec
}

func applyTender(tx *POSTransaction, payment *Payment, tender Tender, net decimal.Decimal) {
	switch t := tender.(type) {
	case CashTender:
		if tx != nil {
			tx.CashReceived = decimal.NewNullDecimal(t.Received)
			tx.ChangeGiven = decimal.NewNullDecimal(ChangeDue(t.Received, net))
		}
	case CompTender:
		if tx != nil {
			tx.CompReason = t.Reason
		}
	case CardTender:
		if t.Reference != "" {
			payment.GatewayReference = t.Reference
		}
	case WalletTender:
		if t.Reference != "" {
			payment.GatewayReference = t.Reference
		}
	}
}

// ChangeDue is max(0, received - total).
func ChangeDue(received decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	change := received.Sub(total)
	if change.IsNegative() {
		return decimal.Zero
	}
	return change
}

// SaleMetadata describes the tender of a settled sale for the audit trail.
func SaleMetadata(sale Sale, rec SaleRecord) map[string]any {
	meta := map[string]any{}
	var tender Tender
	switch s := sale.(type) {
	case POSSale:
		tender = s.Tender
		meta["session_id"] = s.SessionID
	case ManualSale:
		tender = s.Tender
		if s.Note != "" {
			meta["note"] = s.Note
		}
	}
	switch t := tender.(type) {
	case CashTender:
		meta["cash_received"] = t.Received.StringFixed(2)
		meta["change_given"] = ChangeDue(t.Received, rec.Order.NetAmount).StringFixed(2)
	case CompTender:
		meta["comp_reason"] = t.Reason
	}
	if rec.Payment.GatewayReference != "" {
		meta["gateway_reference"] = rec.Payment.GatewayReference
	}
	return meta
}
