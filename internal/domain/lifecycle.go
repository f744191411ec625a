package domain

import (
	"fmt"
	"maps"

	"github.com/shopspring/decimal"
)

// NextPaymentStatus decides how a reported terminal outcome changes a payment.
// apply is false when the outcome is a duplicate or stale delivery, which
// callers treat as a successful no-op.
//
// A success may follow a failure, since the payer can retry the same intent.
// A failure never overrides a success that has already been recorded.
func NextPaymentStatus(current PaymentStatus, outcome PaymentStatus) (next PaymentStatus, apply bool, err error) {
	if outcome != PaymentSucceeded && outcome != PaymentFailed {
		return current, false, fmt.Errorf("%w: %s is not a payment outcome", ErrInvalidTransition, outcome)
	}
	switch current {
	case PaymentPending:
		return outcome, true, nil
	case PaymentFailed:
		if outcome == PaymentSucceeded {
			return PaymentSucceeded, true, nil
		}
		return current, false, nil
	case PaymentSucceeded, PaymentRefunded:
		return current, false, nil
	default:
		return current, false, fmt.Errorf("%w: unknown payment status %s", ErrInvalidTransition, current)
	}
}

// OrderAfterPayment returns the order status implied by a payment reaching
// status. changed is false when the order stays where it is.
func OrderAfterPayment(current OrderStatus, status PaymentStatus) (next OrderStatus, changed bool) {
	switch status {
	case PaymentSucceeded:
		if current == OrderPending || current == OrderFailed {
			return OrderConfirmed, true
		}
	case PaymentFailed:
		if current == OrderPending {
			return OrderFailed, true
		}
	}
	return current, false
}

type RefundPlan struct {
	Cumulative    decimal.Decimal
	Full          bool
	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus
}

// PlanRefund validates a refund of amount against the payment and its order.
// Cumulative refunds may never exceed the payment amount.
func PlanRefund(order Order, payment Payment, amount decimal.Decimal) (RefundPlan, error) {
	if !amount.IsPositive() {
		return RefundPlan{}, validationf("refund amount must be positive")
	}
	if payment.Status != PaymentSucceeded {
		return RefundPlan{}, fmt.Errorf("%w: payment is %s", ErrInvalidTransition, payment.Status)
	}
	if order.Status != OrderConfirmed && order.Status != OrderPartiallyRefunded {
		return RefundPlan{}, fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
	}

	cumulative := payment.RefundAmount.Add(amount.Round(2))
	if cumulative.GreaterThan(payment.Amount) {
		return RefundPlan{}, fmt.Errorf("%w: %s refunded of %s", ErrRefundExceeds, payment.RefundAmount.StringFixed(2), payment.Amount.StringFixed(2))
	}

	plan := RefundPlan{
		Cumulative:    cumulative,
		PaymentStatus: PaymentSucceeded,
		OrderStatus:   OrderPartiallyRefunded,
	}
	if cumulative.Equal(payment.Amount) {
		plan.Full = true
		plan.PaymentStatus = PaymentRefunded
		plan.OrderStatus = OrderRefunded
	}
	return plan, nil
}

func CanCancel(status OrderStatus) error {
	if status == OrderPending || status == OrderConfirmed {
		return nil
	}
	return fmt.Errorf("%w: order is %s", ErrInvalidTransition, status)
}

// CheckAmounts enforces net = total - discount.
func CheckAmounts(order Order) error {
	if !order.NetAmount.Equal(order.TotalAmount.Sub(order.DiscountAmount)) {
		return validationf("net amount %s does not equal total %s minus discount %s",
			order.NetAmount.StringFixed(2), order.TotalAmount.StringFixed(2), order.DiscountAmount.StringFixed(2))
	}
	for _, line := range order.Lines {
		if !line.LineTotal.Equal(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))) {
			return validationf("line %q total does not equal quantity times unit price", line.Description)
		}
	}
	return nil
}

// OutcomeAction is the audit action for a payment reaching status.
func OutcomeAction(status PaymentStatus) string {
	if status == PaymentSucceeded {
		return ActionPaymentSucceeded
	}
	return ActionPaymentFailed
}

// StampOrder fills the order references of an audit entry, keeping any
// field the caller already set.
func (e AuditEntry) StampOrder(order Order) AuditEntry {
	e.OrderID = order.ID
	if e.Channel == "" {
		e.Channel = order.Channel
	}
	if e.CustomerID == "" {
		e.CustomerID = order.CustomerID
	}
	if e.StaffID == "" {
		e.StaffID = order.StaffID
	}
	if !e.Amount.Valid {
		e.Amount = decimal.NewNullDecimal(order.NetAmount)
	}
	if e.Currency == "" {
		e.Currency = order.Currency
	}
	return e
}

// Stamp fills the order and payment references of an audit entry.
func (e AuditEntry) Stamp(order Order, payment Payment) AuditEntry {
	e.PaymentID = payment.ID
	if e.Method == "" {
		e.Method = payment.Method
	}
	if !e.Amount.Valid {
		e.Amount = decimal.NewNullDecimal(payment.Amount)
	}
	if e.Currency == "" {
		e.Currency = payment.Currency
	}
	return e.StampOrder(order)
}

// ExpectedCash is the opening float plus the net cash impact of every cash
// transaction in the session.
func ExpectedCash(openingFloat decimal.Decimal, txs []POSTransaction) decimal.Decimal {
	expected := openingFloat
	for _, tx := range txs {
		expected = expected.Add(tx.CashImpact())
	}
	return expected
}

// Summarize totals a session's transactions per method.
func Summarize(session POSSession, txs []POSTransaction) SessionSummary {
	summary := SessionSummary{Session: session, Transactions: len(txs)}
	order := []PaymentMethod{MethodCard, MethodMobileWallet, MethodCash, MethodComplimentary}
	totals := make(map[PaymentMethod]*MethodTotal, len(order))
	for _, method := range order {
		totals[method] = &MethodTotal{Method: method}
	}
	for _, tx := range txs {
		total, ok := totals[tx.Method]
		if !ok {
			continue
		}
		total.Transactions++
		total.Amount = total.Amount.Add(tx.Amount)
		if tx.Method != MethodComplimentary {
			summary.Gross = summary.Gross.Add(tx.Amount)
		}
	}
	for _, method := range order {
		summary.ByMethod = append(summary.ByMethod, *totals[method])
	}
	summary.CashInDrawer = ExpectedCash(session.OpeningFloat, txs)
	return summary
}

// CloseMetadata is the audit metadata recorded when a session closes.
func (s POSSession) CloseMetadata() map[string]any {
	return map[string]any{
		"session_id":    s.ID,
		"opening_float": s.OpeningFloat.StringFixed(2),
		"expected_cash": s.ExpectedCash.Decimal.StringFixed(2),
		"counted_cash":  s.ClosingCash.Decimal.StringFixed(2),
		"cash_variance": s.CashVariance.Decimal.StringFixed(2),
	}
}

func MergeMetadata(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
