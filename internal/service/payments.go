package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/swish"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/xid"
)

// ApplyGatewayOutcome settles a payment from a gateway notification or a
// reconciled charge. Applied is false for duplicate and stale deliveries.
func (s *Service) ApplyGatewayOutcome(ctx context.Context, outcome domain.PaymentOutcome) (*domain.OutcomeResult, error) {
	meta := map[string]any{"source": outcome.Source}
	if outcome.GatewayReference != "" {
		meta["gateway_reference"] = outcome.GatewayReference
	}
	if outcome.Reason != "" {
		meta["reason"] = outcome.Reason
	}
	entry := domain.AuditEntry{
		Description: fmt.Sprintf("payment %s via %s", outcome.Status, outcome.Source),
		Metadata:    domain.MergeMetadata(meta, outcome.Metadata),
	}

	result, err := s.repo.ApplyPaymentOutcome(ctx, outcome, entry)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		s.logger.Info("payment outcome applied",
			"payment_id", result.Payment.ID,
			"order_id", result.Order.ID,
			"status", result.Payment.Status,
			"order_status", result.Order.Status,
			"source", outcome.Source)
	} else {
		s.logger.Debug("payment outcome already recorded", "payment_id", result.Payment.ID, "status", outcome.Status)
	}
	return result, nil
}

// RecordGatewayEvent appends a notification that has no payment effect.
// recorded is false when the same delivery was already logged.
func (s *Service) RecordGatewayEvent(ctx context.Context, entry domain.AuditEntry) (recorded bool, err error) {
	if entry.Action == "" {
		entry.Action = domain.ActionGatewayEvent
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	return s.repo.AppendAudit(ctx, entry)
}

// Refund returns up to the remaining amount of a settled payment. Card and
// online wallet payments are refunded at the gateway first; the local
// ledger is only updated once the gateway has accepted the refund.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	actor, err := staffFromContext(ctx)
	if err != nil {
		return domain.RefundResult{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.RefundResult{}, validation("refund reason is required")
	}
	amount := req.Amount.Round(2)

	payment, err := s.repo.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	order, err := s.repo.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return domain.RefundResult{}, err
	}
	if _, err := domain.PlanRefund(*order, *payment, amount); err != nil {
		return domain.RefundResult{}, err
	}

	gatewayRef, err := s.refundAtGateway(ctx, *order, *payment, amount, reason)
	if err != nil {
		return domain.RefundResult{}, err
	}

	entry := s.entry(ctx, "", "refund processed")
	entry.Metadata = map[string]any{"reason": reason}
	if gatewayRef != "" {
		entry.Metadata["gateway_refund_reference"] = gatewayRef
	}
	result, err := s.repo.ApplyRefund(ctx, payment.ID, amount, reason, actor, entry)
	if err != nil {
		if gatewayRef != "" {
			s.logger.Error("gateway refund accepted but ledger update failed",
				"payment_id", payment.ID, "gateway_refund_reference", gatewayRef, "error", err)
		}
		return domain.RefundResult{}, err
	}
	result.GatewayRefundRef = gatewayRef

	s.logger.Info("refund processed",
		"payment_id", payment.ID,
		"order_id", order.ID,
		"amount", amount.StringFixed(2),
		"order_status", result.Order.Status,
		"staff", actor)
	return *result, nil
}

func (s *Service) refundAtGateway(ctx context.Context, order domain.Order, payment domain.Payment, amount decimal.Decimal, reason string) (string, error) {
	ref := payment.GatewayReference
	switch {
	case strings.HasPrefix(ref, "pi_") || strings.HasPrefix(ref, "ch_"):
		if s.card == nil {
			return "", ErrGatewayUnavailable
		}
		intentID := ref
		if strings.HasPrefix(ref, "ch_") {
			intentID = responseField(payment.GatewayResponse, "payment_intent")
			if intentID == "" {
				return "", fmt.Errorf("%w: charge %s has no payment intent", domain.ErrValidation, ref)
			}
		}
		refundID, err := s.card.RefundPayment(ctx, intentID, amount, reason)
		if err != nil {
			s.logger.Error("card refund failed", "payment_id", payment.ID, "payment_intent", intentID, "error", err)
			return "", fmt.Errorf("%w: %v", ErrGatewayFailed, err)
		}
		return refundID, nil

	case payment.Method == domain.MethodMobileWallet && order.Channel == domain.ChannelOnline:
		if s.wallet == nil {
			return "", ErrGatewayUnavailable
		}
		original := responseField(payment.GatewayResponse, "paymentReference")
		if original == "" {
			return "", fmt.Errorf("%w: payment has no wallet payment reference", domain.ErrValidation)
		}
		refundID, err := s.wallet.Refund(ctx, swish.RefundRequest{
			InstructionID:            xid.NewInstructionID(),
			OriginalPaymentReference: original,
			Reference:                strconv.FormatInt(order.OrderNumber, 10),
			Amount:                   amount,
			Message:                  fmt.Sprintf("Refund order %d", order.OrderNumber),
		})
		if err != nil {
			s.logger.Error("wallet refund failed", "payment_id", payment.ID, "error", err)
			return "", fmt.Errorf("%w: %v", ErrGatewayFailed, err)
		}
		return refundID, nil
	}
	return "", nil
}

func responseField(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	value, _ := fields[key].(string)
	return value
}
