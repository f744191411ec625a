package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/logging"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
)

const (
	DefaultLimit = 500
	MaxLimit     = 5000
)

// ClampLimit applies the default to a missing limit and caps it at MaxLimit.
func ClampLimit(limit int) int {
	if limit < 1 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// ChargeSource lists settled charges newest first.
type ChargeSource interface {
	ListCharges(ctx context.Context, limit int) ([]domain.Charge, error)
}

// OutcomeApplier replays a lost notification through the normal transition.
type OutcomeApplier interface {
	ApplyGatewayOutcome(ctx context.Context, outcome domain.PaymentOutcome) (*domain.OutcomeResult, error)
}

type Summary struct {
	Processed           int `json:"processed"`
	Skipped             int `json:"skipped"`
	Inserted            int `json:"inserted"`
	MatchedByRef        int `json:"matched_by_ref"`
	MatchedByAmountTime int `json:"matched_by_amount_time"`
	RecoveredIntents    int `json:"recovered_intents"`
	Unmatched           int `json:"unmatched"`
	Ambiguous           int `json:"ambiguous"`
	Duplicates          int `json:"duplicates"`
}

type Job struct {
	charges  ChargeSource
	repo     store.Repository
	outcomes OutcomeApplier
	logger   *slog.Logger
}

func NewJob(charges ChargeSource, repo store.Repository, outcomes OutcomeApplier, logger *slog.Logger) *Job {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Job{charges: charges, repo: repo, outcomes: outcomes, logger: logger}
}

// Run imports up to limit gateway charges that have no local payment. The
// charge listing happens before any ledger write.
func (j *Job) Run(ctx context.Context, limit int) (Summary, error) {
	limit = ClampLimit(limit)
	charges, err := j.charges.ListCharges(ctx, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("list charges: %w", err)
	}

	var summary Summary
	matcher := NewMatcher(j.repo, DefaultWindow)
	for _, ch := range charges {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++
		if err := j.reconcileCharge(ctx, matcher, ch, &summary); err != nil {
			return summary, fmt.Errorf("charge %s: %w", ch.ID, err)
		}
	}

	j.logger.Info("stripe reconciliation finished",
		"processed", summary.Processed,
		"inserted", summary.Inserted,
		"matched_by_ref", summary.MatchedByRef,
		"matched_by_amount_time", summary.MatchedByAmountTime,
		"recovered_intents", summary.RecoveredIntents,
		"unmatched", summary.Unmatched,
		"ambiguous", summary.Ambiguous,
		"duplicates", summary.Duplicates)
	return summary, nil
}

func (j *Job) reconcileCharge(ctx context.Context, matcher *Matcher, ch domain.Charge, summary *Summary) error {
	if ch.Currency != domain.DefaultCurrency {
		summary.Skipped++
		return nil
	}
	known, err := j.hasPayment(ctx, ch.ID)
	if err != nil {
		return err
	}
	if known {
		summary.Skipped++
		return nil
	}

	if ch.PaymentIntentID != "" {
		recovered, handled, err := j.recoverIntent(ctx, ch)
		if err != nil {
			return err
		}
		if handled {
			if recovered {
				summary.RecoveredIntents++
			} else {
				summary.Skipped++
			}
			return nil
		}
	}

	match, err := matcher.Match(ctx, ch)
	if err != nil {
		return err
	}
	if match.Ambiguous {
		summary.Ambiguous++
		j.logger.Warn("charge matches several orders equally", "charge_id", ch.ID, "amount", ch.Amount.StringFixed(2))
		return nil
	}
	if match.Order == nil {
		summary.Unmatched++
		j.logger.Info("charge has no matching order", "charge_id", ch.ID, "amount", ch.Amount.StringFixed(2))
		return nil
	}

	payment := domain.Payment{
		OrderID:          match.Order.ID,
		Method:           domain.MethodCard,
		Status:           ch.Status,
		Amount:           ch.Amount,
		Currency:         ch.Currency,
		GatewayReference: ch.ID,
		GatewayResponse:  ch.Raw,
		CreatedAt:        ch.CreatedAt,
		UpdatedAt:        ch.CreatedAt,
	}
	entry := domain.AuditEntry{
		Action:      domain.ActionPaymentReconciled,
		Description: fmt.Sprintf("charge imported by %s match", match.Tier),
		Metadata: map[string]any{
			"tier":      string(match.Tier),
			"charge_id": ch.ID,
			"source":    "stripe_sync",
		},
	}
	if ch.PaymentIntentID != "" {
		entry.Metadata["payment_intent"] = ch.PaymentIntentID
	}

	_, err = j.repo.InsertReconciledPayment(ctx, payment, entry)
	if errors.Is(err, store.ErrDuplicateReference) {
		summary.Duplicates++
		return nil
	}
	if err != nil {
		return err
	}

	summary.Inserted++
	if match.Tier == TierReference {
		summary.MatchedByRef++
	} else {
		summary.MatchedByAmountTime++
	}
	return nil
}

// recoverIntent applies the charge to a local payment that holds its payment
// intent. handled is false when no local payment has the intent.
func (j *Job) recoverIntent(ctx context.Context, ch domain.Charge) (recovered bool, handled bool, err error) {
	payment, err := j.repo.FindPaymentByReference(ctx, ch.PaymentIntentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if ch.Status != domain.PaymentSucceeded && ch.Status != domain.PaymentFailed {
		return false, true, nil
	}

	result, err := j.outcomes.ApplyGatewayOutcome(ctx, domain.PaymentOutcome{
		PaymentID: payment.ID,
		Status:    ch.Status,
		Source:    "stripe_sync",
		Metadata: map[string]any{
			"tier":      string(TierIntent),
			"charge_id": ch.ID,
		},
	})
	if err != nil {
		return false, true, err
	}
	return result.Applied, true, nil
}

func (j *Job) hasPayment(ctx context.Context, reference string) (bool, error) {
	_, err := j.repo.FindPaymentByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
