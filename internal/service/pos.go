package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
)

func validation(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}

// RecordPOSSale writes a settled counter sale into an open session. A card
// or wallet sale carrying a terminal reference that was already recorded
// returns the earlier sale with Duplicate set.
func (s *Service) RecordPOSSale(ctx context.Context, req domain.POSSaleRequest) (domain.POSSaleResponse, error) {
	staffID, err := staffFromContext(ctx)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	cart, err := domain.NewCart(req.Lines, req.Discount, "")
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	tender, err := domain.NewTender(req.Method, req.CashReceived, req.CompReason, req.Reference)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	sale, err := domain.NewPOSSale(cart, req.SessionID, staffID, tender)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}

	rec := domain.NewSaleRecord(sale, s.now())
	entry := s.entry(ctx, domain.ActionPOSTransaction, "pos sale")
	entry.Metadata = domain.SaleMetadata(sale, rec)

	saved, err := s.repo.CreateSale(ctx, rec, entry)
	if errors.Is(err, store.ErrDuplicateReference) {
		return s.duplicateSale(ctx, rec.Payment.GatewayReference)
	}
	if err != nil {
		return domain.POSSaleResponse{}, err
	}

	resp := domain.POSSaleResponse{
		Order:       saved.Order,
		Payment:     saved.Payment,
		Transaction: saved.Transaction,
	}
	if saved.Transaction != nil && saved.Transaction.ChangeGiven.Valid {
		resp.ChangeGiven = saved.Transaction.ChangeGiven.Decimal
	}

	s.logger.Info("pos sale recorded",
		"order_id", saved.Order.ID,
		"session_id", sale.SessionID,
		"method", saved.Payment.Method,
		"amount", saved.Payment.Amount.StringFixed(2))
	return resp, nil
}

// CreateManualOrder records an order entered by an administrator. It is
// settled at creation and has no drawer transaction.
func (s *Service) CreateManualOrder(ctx context.Context, req domain.ManualOrderRequest) (domain.POSSaleResponse, error) {
	staffID, err := staffFromContext(ctx)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	cart, err := domain.NewCart(req.Lines, req.Discount, "")
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	tender, err := domain.NewTender(req.Method, req.CashReceived, req.CompReason, req.Reference)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	sale, err := domain.NewManualSale(cart, staffID, tender, req.Note)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}

	rec := domain.NewSaleRecord(sale, s.now())
	entry := s.entry(ctx, domain.ActionOrderManualCreated, "manual order")
	entry.Metadata = domain.SaleMetadata(sale, rec)

	saved, err := s.repo.CreateSale(ctx, rec, entry)
	if errors.Is(err, store.ErrDuplicateReference) {
		return s.duplicateSale(ctx, rec.Payment.GatewayReference)
	}
	if err != nil {
		return domain.POSSaleResponse{}, err
	}

	resp := domain.POSSaleResponse{Order: saved.Order, Payment: saved.Payment}
	if cash, ok := tender.(domain.CashTender); ok {
		resp.ChangeGiven = domain.ChangeDue(cash.Received, saved.Order.NetAmount)
	}
	s.logger.Info("manual order created", "order_id", saved.Order.ID, "staff", staffID, "method", saved.Payment.Method)
	return resp, nil
}

func (s *Service) duplicateSale(ctx context.Context, reference string) (domain.POSSaleResponse, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	order, err := s.repo.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return domain.POSSaleResponse{}, err
	}
	s.logger.Info("duplicate sale reference ignored", "reference", reference, "order_id", order.ID)
	return domain.POSSaleResponse{
		Order:       *order,
		Payment:     *payment,
		ChangeGiven: decimal.Zero,
		Duplicate:   true,
	}, nil
}
