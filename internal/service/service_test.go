package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	stripegw "github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/stripe"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/swish"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store/memory"
)

type fakeCard struct {
	mu        sync.Mutex
	intentID  string
	createErr error
	refunds   []string
}

func (f *fakeCard) CreatePaymentIntent(_ context.Context, req stripegw.IntentRequest) (*stripegw.Intent, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &stripegw.Intent{
		ID:           f.intentID,
		ClientSecret: f.intentID + "_secret",
		Status:       "requires_payment_method",
		Raw:          json.RawMessage(`{"id":"` + f.intentID + `"}`),
	}, nil
}

func (f *fakeCard) RefundPayment(_ context.Context, intentID string, amount decimal.Decimal, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, intentID+":"+amount.StringFixed(2))
	return "re_1", nil
}

type fakeWallet struct {
	requests []swish.PaymentRequest
	refunds  []swish.RefundRequest
}

func (f *fakeWallet) CreatePaymentRequest(_ context.Context, req swish.PaymentRequest) (*swish.PaymentRequestResult, error) {
	f.requests = append(f.requests, req)
	return &swish.PaymentRequestResult{ID: req.InstructionID, Token: "tok123"}, nil
}

func (f *fakeWallet) Refund(_ context.Context, req swish.RefundRequest) (string, error) {
	f.refunds = append(f.refunds, req)
	return req.InstructionID, nil
}

func newTestService(card CardGateway, wallet WalletGateway) (*Service, *memory.Store) {
	repo := memory.New()
	return New(repo, Options{Card: card, Wallet: wallet}), repo
}

func staffContext(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: "staff"})
}

func dec(val string) decimal.Decimal {
	return decimal.RequireFromString(val)
}

func decPtr(val string) *decimal.Decimal {
	d := dec(val)
	return &d
}

func countActions(t *testing.T, repo *memory.Store, orderID string, action string) int {
	t.Helper()
	entries, err := repo.ListAuditEntries(context.Background(), domain.AuditFilter{OrderID: orderID, Action: action, Limit: 1000})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return len(entries)
}

func TestCardCheckoutConfirmedOnceOnDuplicateDelivery(t *testing.T) {
	svc, repo := newTestService(&fakeCard{intentID: "pi_abc"}, nil)
	ctx := context.Background()

	resp, err := svc.CheckoutCard(ctx, domain.CheckoutRequest{
		Email: "anna@example.se",
		Lines: []domain.LineInput{{Description: "Retreat", Quantity: 1, UnitPrice: dec("350")}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if resp.Payment.GatewayReference != "pi_abc" || resp.ClientSecret == "" {
		t.Fatalf("expected bound intent, got %+v", resp.Payment)
	}
	if resp.Order.Status != domain.OrderPending {
		t.Fatalf("expected pending order, got %s", resp.Order.Status)
	}

	outcome := domain.PaymentOutcome{
		GatewayReference: "pi_abc",
		Status:           domain.PaymentSucceeded,
		Amount:           decimal.NewNullDecimal(dec("350")),
		Source:           "stripe",
	}
	first, err := svc.ApplyGatewayOutcome(ctx, outcome)
	if err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	second, err := svc.ApplyGatewayOutcome(ctx, outcome)
	if err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}
	if !first.Applied || second.Applied {
		t.Fatalf("expected only the first delivery to apply, got %v and %v", first.Applied, second.Applied)
	}

	order, err := repo.GetOrder(ctx, resp.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderConfirmed {
		t.Fatalf("expected confirmed order, got %s", order.Status)
	}
	payments, _ := repo.ListPaymentsByOrder(ctx, order.ID)
	if len(payments) != 1 {
		t.Fatalf("expected a single payment row, got %d", len(payments))
	}
	if got := countActions(t, repo, order.ID, domain.ActionPaymentSucceeded); got != 1 {
		t.Fatalf("expected one payment.succeeded entry, got %d", got)
	}
}

func TestCardCheckoutGatewayFailureMarksOrderFailed(t *testing.T) {
	svc, repo := newTestService(&fakeCard{createErr: errors.New("card network down")}, nil)
	ctx := context.Background()

	_, err := svc.CheckoutCard(ctx, domain.CheckoutRequest{
		Email: "anna@example.se",
		Lines: []domain.LineInput{{Description: "Book", Quantity: 2, UnitPrice: dec("99.50")}},
	})
	if !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected gateway failure, got %v", err)
	}

	entries, err := repo.ListAuditEntries(ctx, domain.AuditFilter{Action: domain.ActionPaymentFailed})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one payment.failed entry, got %d (%v)", len(entries), err)
	}
	if entries[0].Metadata["reason"] != "gateway_error" {
		t.Fatalf("expected gateway_error reason, got %v", entries[0].Metadata["reason"])
	}
	order, err := repo.GetOrder(ctx, entries[0].OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderFailed {
		t.Fatalf("expected failed order, got %s", order.Status)
	}
}

func TestCheckoutWithoutGatewayIsUnavailable(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	_, err := svc.CheckoutSwish(context.Background(), domain.CheckoutRequest{
		Lines: []domain.LineInput{{Description: "Tea", Quantity: 1, UnitPrice: dec("30")}},
	})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable gateway, got %v", err)
	}
}

func TestSwishCheckoutAndRefundUsesPaymentReference(t *testing.T) {
	wallet := &fakeWallet{}
	svc, _ := newTestService(nil, wallet)
	ctx := context.Background()

	resp, err := svc.CheckoutSwish(ctx, domain.CheckoutRequest{
		Lines: []domain.LineInput{{Description: "Course", Quantity: 1, UnitPrice: dec("200")}},
	})
	if err != nil {
		t.Fatalf("swish checkout failed: %v", err)
	}
	if resp.QRData != "Dtok123" {
		t.Fatalf("unexpected qr data %q", resp.QRData)
	}
	if len(wallet.requests) != 1 || wallet.requests[0].Message != "Order 1" || wallet.requests[0].Reference != "1" {
		t.Fatalf("unexpected payment request %+v", wallet.requests)
	}
	if len(resp.PaymentRequestID) != 32 {
		t.Fatalf("expected 32 character instruction id, got %q", resp.PaymentRequestID)
	}

	_, err = svc.ApplyGatewayOutcome(ctx, domain.PaymentOutcome{
		GatewayReference: resp.PaymentRequestID,
		Status:           domain.PaymentSucceeded,
		Amount:           decimal.NewNullDecimal(dec("200")),
		Response:         json.RawMessage(`{"paymentReference":"PR-77","status":"PAID"}`),
		Source:           "swish",
	})
	if err != nil {
		t.Fatalf("apply callback: %v", err)
	}

	refund, err := svc.Refund(staffContext("admin"), domain.RefundRequest{
		PaymentID: resp.Payment.ID,
		Amount:    dec("50"),
		Reason:    "cancelled seat",
	})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.Order.Status != domain.OrderPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", refund.Order.Status)
	}
	if len(wallet.refunds) != 1 || wallet.refunds[0].OriginalPaymentReference != "PR-77" {
		t.Fatalf("expected wallet refund against PR-77, got %+v", wallet.refunds)
	}
}

func TestCardRefundCallsGatewayAndStopsAtPaymentAmount(t *testing.T) {
	card := &fakeCard{intentID: "pi_ref"}
	svc, _ := newTestService(card, nil)
	ctx := context.Background()

	resp, err := svc.CheckoutCard(ctx, domain.CheckoutRequest{
		Email: "erik@example.se",
		Lines: []domain.LineInput{{Description: "Membership", Quantity: 1, UnitPrice: dec("100")}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.ApplyGatewayOutcome(ctx, domain.PaymentOutcome{
		GatewayReference: "pi_ref",
		Status:           domain.PaymentSucceeded,
		Source:           "stripe",
	}); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	admin := staffContext("admin")
	if _, err := svc.Refund(admin, domain.RefundRequest{PaymentID: resp.Payment.ID, Amount: dec("60"), Reason: "partial"}); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	_, err = svc.Refund(admin, domain.RefundRequest{PaymentID: resp.Payment.ID, Amount: dec("50"), Reason: "too much"})
	if !errors.Is(err, domain.ErrRefundExceeds) {
		t.Fatalf("expected refund exceeds, got %v", err)
	}
	full, err := svc.Refund(admin, domain.RefundRequest{PaymentID: resp.Payment.ID, Amount: dec("40"), Reason: "rest"})
	if err != nil {
		t.Fatalf("final refund: %v", err)
	}
	if full.Order.Status != domain.OrderRefunded || full.Payment.Status != domain.PaymentRefunded {
		t.Fatalf("expected fully refunded, got %s/%s", full.Order.Status, full.Payment.Status)
	}
	if len(card.refunds) != 2 || card.refunds[0] != "pi_ref:60.00" {
		t.Fatalf("expected two gateway refunds, got %v", card.refunds)
	}
}

func TestRefundRequiresReason(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	_, err := svc.Refund(staffContext("admin"), domain.RefundRequest{PaymentID: "x", Amount: dec("1")})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestComplimentaryPOSSaleRecordsReasonWithoutCash(t *testing.T) {
	svc, repo := newTestService(nil, nil)
	ctx := staffContext("staff")

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningFloat: dec("0")})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	resp, err := svc.RecordPOSSale(ctx, domain.POSSaleRequest{
		SessionID: session.ID,
		Lines: []domain.LineInput{
			{Description: "Lunch", Quantity: 1, UnitPrice: dec("100")},
			{Description: "Tea", Quantity: 1, UnitPrice: dec("30")},
		},
		Method:     domain.MethodComplimentary,
		CompReason: "Teacher",
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if !resp.Order.NetAmount.Equal(dec("130")) || resp.Order.Status != domain.OrderConfirmed {
		t.Fatalf("unexpected order %+v", resp.Order)
	}

	entries, err := repo.ListAuditEntries(context.Background(), domain.AuditFilter{OrderID: resp.Order.ID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.ActionPOSTransaction {
		t.Fatalf("expected single pos.transaction entry, got %+v", entries)
	}
	if entries[0].Metadata["comp_reason"] != "Teacher" {
		t.Fatalf("expected comp reason in metadata, got %v", entries[0].Metadata)
	}

	summary, err := svc.SessionSummary(ctx, session.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.CashInDrawer.IsZero() || !summary.Gross.IsZero() {
		t.Fatalf("comp sale must not affect cash or gross, got %s/%s", summary.CashInDrawer, summary.Gross)
	}
}

func TestCashSessionClosesWithoutVariance(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := staffContext("staff")

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningFloat: dec("1000")})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	resp, err := svc.RecordPOSSale(ctx, domain.POSSaleRequest{
		SessionID:    session.ID,
		Lines:        []domain.LineInput{{Description: "Cushion", Quantity: 1, UnitPrice: dec("450")}},
		Method:       domain.MethodCash,
		CashReceived: decPtr("500"),
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if !resp.ChangeGiven.Equal(dec("50")) {
		t.Fatalf("expected change 50, got %s", resp.ChangeGiven)
	}

	summary, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{CountedCash: decPtr("1450")})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if !summary.Session.ExpectedCash.Decimal.Equal(dec("1450")) {
		t.Fatalf("expected 1450 in drawer, got %s", summary.Session.ExpectedCash.Decimal)
	}
	if !summary.Session.CashVariance.Decimal.IsZero() {
		t.Fatalf("expected zero variance, got %s", summary.Session.CashVariance.Decimal)
	}

	_, err = svc.RecordPOSSale(ctx, domain.POSSaleRequest{
		SessionID:    session.ID,
		Lines:        []domain.LineInput{{Description: "Cushion", Quantity: 1, UnitPrice: dec("450")}},
		Method:       domain.MethodCash,
		CashReceived: decPtr("450"),
	})
	if !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected closed session error, got %v", err)
	}
}

func TestCloseSessionRequiresCountedCash(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	ctx := staffContext("staff")
	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningFloat: dec("100")})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := svc.CloseSession(ctx, session.ID, domain.SessionCloseRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenSessionRequiresActor(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	if _, err := svc.OpenSession(context.Background(), domain.SessionOpenRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without actor, got %v", err)
	}
}

func TestPOSSaleWithRepeatedTerminalReferenceIsDuplicate(t *testing.T) {
	svc, repo := newTestService(nil, nil)
	ctx := staffContext("staff")

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningFloat: dec("0")})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	req := domain.POSSaleRequest{
		SessionID: session.ID,
		Lines:     []domain.LineInput{{Description: "Incense", Quantity: 3, UnitPrice: dec("25")}},
		Method:    domain.MethodCard,
		Reference: "term-0001",
	}
	first, err := svc.RecordPOSSale(ctx, req)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}
	second, err := svc.RecordPOSSale(ctx, req)
	if err != nil {
		t.Fatalf("second sale: %v", err)
	}
	if !second.Duplicate || second.Order.ID != first.Order.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Order.ID, second)
	}

	txs, _ := repo.ListPOSTransactions(context.Background(), session.ID)
	if len(txs) != 1 {
		t.Fatalf("expected one drawer transaction, got %d", len(txs))
	}
}

func TestManualOrderIsConfirmedWithoutSession(t *testing.T) {
	svc, repo := newTestService(nil, nil)
	resp, err := svc.CreateManualOrder(staffContext("admin"), domain.ManualOrderRequest{
		Lines:        []domain.LineInput{{Description: "Donation", Quantity: 1, UnitPrice: dec("500")}},
		Method:       domain.MethodCash,
		CashReceived: decPtr("500"),
		Note:         "phone booking",
	})
	if err != nil {
		t.Fatalf("manual order: %v", err)
	}
	if resp.Order.Channel != domain.ChannelAdminManual || resp.Order.Status != domain.OrderConfirmed {
		t.Fatalf("unexpected manual order %+v", resp.Order)
	}
	if got := countActions(t, repo, resp.Order.ID, domain.ActionOrderManualCreated); got != 1 {
		t.Fatalf("expected one order.manual_created entry, got %d", got)
	}
}

func TestCancelOnlyFromPendingOrConfirmed(t *testing.T) {
	svc, _ := newTestService(&fakeCard{intentID: "pi_cancel"}, nil)
	ctx := staffContext("admin")

	resp, err := svc.CheckoutCard(context.Background(), domain.CheckoutRequest{
		Email: "a@example.se",
		Lines: []domain.LineInput{{Description: "Book", Quantity: 1, UnitPrice: dec("10")}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	order, err := svc.CancelOrder(ctx, resp.Order.ID, domain.CancelRequest{Reason: "customer asked"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if _, err := svc.CancelOrder(ctx, resp.Order.ID, domain.CancelRequest{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second cancel, got %v", err)
	}
}

func TestRecordGatewayEventSkipsRepeatedDelivery(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	entry := domain.AuditEntry{Description: "invoice.paid", DedupeKey: "stripe:evt_1"}

	first, err := svc.RecordGatewayEvent(context.Background(), entry)
	if err != nil || !first {
		t.Fatalf("expected first event recorded, got %v (%v)", first, err)
	}
	second, err := svc.RecordGatewayEvent(context.Background(), entry)
	if err != nil || second {
		t.Fatalf("expected repeated event skipped, got %v (%v)", second, err)
	}
}

func TestListAuditLogRejectsInvertedRange(t *testing.T) {
	svc, _ := newTestService(nil, nil)
	now := time.Now()
	_, err := svc.ListAuditLog(context.Background(), domain.AuditFilter{From: now, To: now.Add(-time.Hour)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
