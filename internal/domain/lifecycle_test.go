package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNextPaymentStatus(t *testing.T) {
	cases := []struct {
		name    string
		current PaymentStatus
		outcome PaymentStatus
		next    PaymentStatus
		apply   bool
	}{
		{"pending to succeeded", PaymentPending, PaymentSucceeded, PaymentSucceeded, true},
		{"pending to failed", PaymentPending, PaymentFailed, PaymentFailed, true},
		{"duplicate success", PaymentSucceeded, PaymentSucceeded, PaymentSucceeded, false},
		{"duplicate failure", PaymentFailed, PaymentFailed, PaymentFailed, false},
		{"retry succeeds after failure", PaymentFailed, PaymentSucceeded, PaymentSucceeded, true},
		{"stale failure after success", PaymentSucceeded, PaymentFailed, PaymentSucceeded, false},
		{"success after refund", PaymentRefunded, PaymentSucceeded, PaymentRefunded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, apply, err := NextPaymentStatus(tc.current, tc.outcome)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next != tc.next || apply != tc.apply {
				t.Fatalf("expected (%s,%t), got (%s,%t)", tc.next, tc.apply, next, apply)
			}
		})
	}

	if _, _, err := NextPaymentStatus(PaymentPending, PaymentRefunded); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected refunded to be rejected as an outcome, got %v", err)
	}
}

func TestOrderAfterPayment(t *testing.T) {
	if next, changed := OrderAfterPayment(OrderPending, PaymentSucceeded); !changed || next != OrderConfirmed {
		t.Fatalf("pending order should confirm, got %s", next)
	}
	if next, changed := OrderAfterPayment(OrderFailed, PaymentSucceeded); !changed || next != OrderConfirmed {
		t.Fatalf("failed order should reopen on retry success, got %s", next)
	}
	if next, changed := OrderAfterPayment(OrderPending, PaymentFailed); !changed || next != OrderFailed {
		t.Fatalf("pending order should fail, got %s", next)
	}
	if _, changed := OrderAfterPayment(OrderConfirmed, PaymentFailed); changed {
		t.Fatalf("confirmed order must not move on a later failure")
	}
	if _, changed := OrderAfterPayment(OrderCancelled, PaymentSucceeded); changed {
		t.Fatalf("cancelled order must stay cancelled")
	}
	if _, changed := OrderAfterPayment(OrderRefunded, PaymentSucceeded); changed {
		t.Fatalf("refunded order must stay refunded")
	}
}

func TestPlanRefundNeverExceedsPaymentAmount(t *testing.T) {
	order := Order{Status: OrderConfirmed}
	payment := Payment{Status: PaymentSucceeded, Amount: decimal.NewFromInt(350)}

	plan, err := PlanRefund(order, payment, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("first partial refund: %v", err)
	}
	if plan.Full || plan.OrderStatus != OrderPartiallyRefunded || plan.PaymentStatus != PaymentSucceeded {
		t.Fatalf("expected partial refund plan, got %+v", plan)
	}

	payment.RefundAmount = plan.Cumulative
	order.Status = plan.OrderStatus
	if _, err := PlanRefund(order, payment, decimal.NewFromInt(251)); !errors.Is(err, ErrRefundExceeds) {
		t.Fatalf("expected refund cap error, got %v", err)
	}

	plan, err = PlanRefund(order, payment, decimal.NewFromInt(250))
	if err != nil {
		t.Fatalf("final refund: %v", err)
	}
	if !plan.Full || plan.OrderStatus != OrderRefunded || plan.PaymentStatus != PaymentRefunded {
		t.Fatalf("expected full refund plan, got %+v", plan)
	}
	if !plan.Cumulative.Equal(payment.Amount) {
		t.Fatalf("expected cumulative %s, got %s", payment.Amount, plan.Cumulative)
	}
}

func TestPlanRefundRequiresSucceededPayment(t *testing.T) {
	order := Order{Status: OrderPending}
	payment := Payment{Status: PaymentPending, Amount: decimal.NewFromInt(100)}
	if _, err := PlanRefund(order, payment, decimal.NewFromInt(10)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := PlanRefund(Order{Status: OrderConfirmed}, Payment{Status: PaymentSucceeded, Amount: decimal.NewFromInt(100)}, decimal.Zero); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for zero refund, got %v", err)
	}
}

func TestCanCancel(t *testing.T) {
	for _, status := range []OrderStatus{OrderPending, OrderConfirmed} {
		if err := CanCancel(status); err != nil {
			t.Fatalf("expected %s to be cancellable: %v", status, err)
		}
	}
	for _, status := range []OrderStatus{OrderFailed, OrderRefunded, OrderPartiallyRefunded, OrderCancelled} {
		if err := CanCancel(status); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected %s to be terminal for cancel, got %v", status, err)
		}
	}
}

func TestExpectedCashUsesNetCashImpact(t *testing.T) {
	txs := []POSTransaction{
		{
			Method:       MethodCash,
			Amount:       decimal.NewFromInt(450),
			CashReceived: decimal.NewNullDecimal(decimal.NewFromInt(500)),
			ChangeGiven:  decimal.NewNullDecimal(decimal.NewFromInt(50)),
		},
		{Method: MethodCard, Amount: decimal.NewFromInt(200)},
		{Method: MethodComplimentary, Amount: decimal.NewFromInt(130), CompReason: "Teacher"},
	}
	expected := ExpectedCash(decimal.NewFromInt(1000), txs)
	if !expected.Equal(decimal.NewFromInt(1450)) {
		t.Fatalf("expected 1450 in drawer, got %s", expected)
	}
}

func TestSummarizeTotalsPerMethod(t *testing.T) {
	session := POSSession{OpeningFloat: decimal.NewFromInt(500)}
	txs := []POSTransaction{
		{Method: MethodCard, Amount: decimal.NewFromInt(200)},
		{Method: MethodCard, Amount: decimal.NewFromInt(100)},
		{Method: MethodComplimentary, Amount: decimal.NewFromInt(130)},
	}
	summary := Summarize(session, txs)
	if summary.Transactions != 3 {
		t.Fatalf("expected 3 transactions, got %d", summary.Transactions)
	}
	if !summary.Gross.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("complimentary sales must not count toward gross, got %s", summary.Gross)
	}
	if summary.ByMethod[0].Method != MethodCard || summary.ByMethod[0].Transactions != 2 {
		t.Fatalf("unexpected card total: %+v", summary.ByMethod[0])
	}
	if !summary.CashInDrawer.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected drawer to hold only the float, got %s", summary.CashInDrawer)
	}
}
