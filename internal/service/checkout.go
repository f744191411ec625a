package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	stripegw "github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/stripe"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/swish"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/xid"
)

// CheckoutCard records a pending online card order and obtains a payment
// intent for it. The intent id is bound to the payment before the client
// ever sees it, so the later webhook matches exactly.
func (s *Service) CheckoutCard(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if s.card == nil {
		return domain.CheckoutResponse{}, ErrGatewayUnavailable
	}
	cart, err := domain.NewCart(req.Lines, req.Discount, req.Currency)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	sale, err := domain.NewOnlineCardSale(cart, req.Email, req.CustomerID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	rec, err := s.repo.CreateSale(ctx, domain.NewSaleRecord(sale, s.now()), domain.AuditEntry{
		Action:      domain.ActionOrderCreated,
		Description: "online card checkout",
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	intent, err := s.card.CreatePaymentIntent(ctx, stripegw.IntentRequest{
		OrderID:     rec.Order.ID,
		OrderNumber: rec.Order.OrderNumber,
		Amount:      rec.Payment.Amount,
		Currency:    rec.Payment.Currency,
		Email:       rec.Order.CustomerEmail,
		Description: fmt.Sprintf("Order %d", rec.Order.OrderNumber),
	})
	if err != nil {
		return domain.CheckoutResponse{}, s.failInitiation(ctx, rec, "stripe", err)
	}

	payment, err := s.repo.BindGatewayReference(ctx, rec.Payment.ID, intent.ID, intent.Raw, domain.AuditEntry{
		Action:      domain.ActionPaymentIntentCreated,
		Description: "card payment intent created",
		Metadata:    map[string]any{"gateway_reference": intent.ID},
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logger.Info("card checkout created", "order_id", rec.Order.ID, "order_number", rec.Order.OrderNumber, "payment_intent", intent.ID)
	return domain.CheckoutResponse{
		Order:        rec.Order,
		Payment:      *payment,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// CheckoutSwish records a pending online wallet order and creates the
// payment request under a locally generated instruction id.
func (s *Service) CheckoutSwish(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if s.wallet == nil {
		return domain.CheckoutResponse{}, ErrGatewayUnavailable
	}
	cart, err := domain.NewCart(req.Lines, req.Discount, req.Currency)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	sale, err := domain.NewOnlineWalletSale(cart, req.Email, req.CustomerID, req.PayerAlias, req.Message)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	rec, err := s.repo.CreateSale(ctx, domain.NewSaleRecord(sale, s.now()), domain.AuditEntry{
		Action:      domain.ActionOrderCreated,
		Description: "online wallet checkout",
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	message := sale.Message
	if message == "" {
		message = fmt.Sprintf("Order %d", rec.Order.OrderNumber)
	}
	result, err := s.wallet.CreatePaymentRequest(ctx, swish.PaymentRequest{
		InstructionID: xid.NewInstructionID(),
		Reference:     strconv.FormatInt(rec.Order.OrderNumber, 10),
		Amount:        rec.Payment.Amount,
		Currency:      rec.Payment.Currency,
		Message:       message,
		PayerAlias:    sale.PayerAlias,
	})
	if err != nil {
		return domain.CheckoutResponse{}, s.failInitiation(ctx, rec, "swish", err)
	}

	raw, _ := json.Marshal(result)
	payment, err := s.repo.BindGatewayReference(ctx, rec.Payment.ID, result.ID, raw, domain.AuditEntry{
		Action:      domain.ActionPaymentSwishCreated,
		Description: "swish payment request created",
		Metadata:    map[string]any{"gateway_reference": result.ID},
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logger.Info("swish checkout created", "order_id", rec.Order.ID, "order_number", rec.Order.OrderNumber, "payment_request", result.ID)
	return domain.CheckoutResponse{
		Order:            rec.Order,
		Payment:          *payment,
		PaymentRequestID: result.ID,
		QRData:           result.QRData(),
	}, nil
}

// failInitiation marks the payment and its order failed after the gateway
// refused to create a client handle, and returns the error for the caller.
func (s *Service) failInitiation(ctx context.Context, rec *domain.SaleRecord, source string, cause error) error {
	s.logger.Error("gateway initiation failed", "source", source, "order_id", rec.Order.ID, "error", cause)

	_, err := s.repo.ApplyPaymentOutcome(ctx, domain.PaymentOutcome{
		PaymentID: rec.Payment.ID,
		Status:    domain.PaymentFailed,
		Source:    source,
		Reason:    "gateway_error",
	}, domain.AuditEntry{
		Description: "payment initiation failed",
		Metadata:    map[string]any{"source": source, "reason": "gateway_error", "error": cause.Error()},
	})
	if err != nil {
		s.logger.Error("failed to record initiation failure", "payment_id", rec.Payment.ID, "error", err)
		return errors.Join(fmt.Errorf("%w: %v", ErrGatewayFailed, cause), err)
	}
	return fmt.Errorf("%w: %v", ErrGatewayFailed, cause)
}
