package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	stripegw "github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/stripe"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/swish"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/logging"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway not configured")
	ErrGatewayFailed      = errors.New("payment gateway request failed")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// CardGateway is the card network as the checkout and refund flows use it.
type CardGateway interface {
	CreatePaymentIntent(ctx context.Context, req stripegw.IntentRequest) (*stripegw.Intent, error)
	RefundPayment(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason string) (string, error)
}

// WalletGateway is the mobile-wallet network.
type WalletGateway interface {
	CreatePaymentRequest(ctx context.Context, req swish.PaymentRequest) (*swish.PaymentRequestResult, error)
	Refund(ctx context.Context, req swish.RefundRequest) (string, error)
}

type Options struct {
	Card   CardGateway
	Wallet WalletGateway
	Logger *slog.Logger
	Now    func() time.Time
}

type Service struct {
	repo   store.Repository
	card   CardGateway
	wallet WalletGateway
	logger *slog.Logger
	now    func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:   repo,
		card:   opts.Card,
		wallet: opts.Wallet,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.POSSession, error) {
	staffID, err := staffFromContext(ctx)
	if err != nil {
		return domain.POSSession{}, err
	}
	if req.OpeningFloat.IsNegative() {
		return domain.POSSession{}, validation("opening float must not be negative")
	}

	session := domain.POSSession{
		StaffID:      staffID,
		OpeningFloat: req.OpeningFloat.Round(2),
		Notes:        req.Notes,
		OpenedAt:     s.now(),
	}
	saved, err := s.repo.OpenPOSSession(ctx, session, s.entry(ctx, "", "pos session opened"))
	if err != nil {
		return domain.POSSession{}, err
	}

	s.logger.Info("pos session opened", "session_id", saved.ID, "staff", staffID, "opening_float", saved.OpeningFloat.StringFixed(2))
	return *saved, nil
}

// CloseSession records the counted cash and returns the final summary. The
// variance is stored as counted, never corrected.
func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.SessionCloseRequest) (domain.SessionSummary, error) {
	if _, err := staffFromContext(ctx); err != nil {
		return domain.SessionSummary{}, err
	}
	if req.CountedCash == nil {
		return domain.SessionSummary{}, validation("counted cash is required")
	}
	if req.CountedCash.IsNegative() {
		return domain.SessionSummary{}, validation("counted cash must not be negative")
	}

	closed, err := s.repo.ClosePOSSession(ctx, sessionID, req.CountedCash.Round(2), req.Notes, s.now(), s.entry(ctx, "", "pos session closed"))
	if err != nil {
		return domain.SessionSummary{}, err
	}
	txs, err := s.repo.ListPOSTransactions(ctx, closed.ID)
	if err != nil {
		return domain.SessionSummary{}, err
	}

	if !closed.CashVariance.Decimal.IsZero() {
		s.logger.Warn("pos session closed with cash variance",
			"session_id", closed.ID,
			"expected", closed.ExpectedCash.Decimal.StringFixed(2),
			"counted", closed.ClosingCash.Decimal.StringFixed(2),
			"variance", closed.CashVariance.Decimal.StringFixed(2))
	}
	return domain.Summarize(*closed, txs), nil
}

func (s *Service) SessionSummary(ctx context.Context, sessionID string) (domain.SessionSummary, error) {
	session, err := s.repo.GetPOSSession(ctx, sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	txs, err := s.repo.ListPOSTransactions(ctx, sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	return domain.Summarize(*session, txs), nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.CancelRequest) (domain.Order, error) {
	entry := s.entry(ctx, "", "order cancelled")
	if req.Reason != "" {
		entry.Metadata = map[string]any{"reason": req.Reason}
	}
	order, err := s.repo.CancelOrder(ctx, orderID, entry)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListAuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return nil, validation("to must be after from")
	}
	return s.repo.ListAuditEntries(ctx, filter)
}

func (s *Service) entry(ctx context.Context, action string, description string) domain.AuditEntry {
	entry := domain.AuditEntry{Action: action, Description: description}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.StaffID = actor.Username
	}
	return entry
}

func staffFromContext(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "", validation("staff actor is required")
	}
	return actor.Username, nil
}
