package reconcile

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/xid"
)

type Tier string

const (
	TierIntent     Tier = "intent"
	TierReference  Tier = "reference"
	TierAmountTime Tier = "amount_time"
)

// DefaultWindow is how far a charge and an order may be apart in time and
// still match on amount alone.
const DefaultWindow = 2 * time.Hour

// OrderFinder is the read side of the ledger the matcher needs.
type OrderFinder interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	FindOrderByNumber(ctx context.Context, orderNumber int64) (*domain.Order, error)
	ListReconcileCandidates(ctx context.Context, amount decimal.Decimal, currency string, from time.Time, to time.Time) ([]domain.Order, error)
}

type Match struct {
	Order     *domain.Order
	Tier      Tier
	Ambiguous bool
}

// Matcher finds the local order for a gateway charge, first by the order
// reference in the charge metadata and then by amount and time. One Matcher
// serves one run: an order matched by amount is reserved and not offered to
// later charges.
type Matcher struct {
	orders   OrderFinder
	window   time.Duration
	reserved map[string]struct{}
}

func NewMatcher(orders OrderFinder, window time.Duration) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{orders: orders, window: window, reserved: make(map[string]struct{})}
}

// Match returns a zero Match when nothing fits.
func (m *Matcher) Match(ctx context.Context, ch domain.Charge) (Match, error) {
	order, err := m.exact(ctx, ch)
	if err != nil {
		return Match{}, err
	}
	if order != nil {
		m.reserved[order.ID] = struct{}{}
		return Match{Order: order, Tier: TierReference}, nil
	}
	return m.fuzzy(ctx, ch)
}

// exact looks the order up by the metadata order_id, then order_number.
// Orders imported from the old shop carry their numeric order number in
// order_id.
func (m *Matcher) exact(ctx context.Context, ch domain.Charge) (*domain.Order, error) {
	if id := strings.TrimSpace(ch.Metadata["order_id"]); id != "" {
		order, err := m.lookup(ctx, id)
		if order != nil || err != nil {
			return order, err
		}
	}
	if raw := strings.TrimSpace(ch.Metadata["order_number"]); raw != "" {
		return m.lookup(ctx, raw)
	}
	return nil, nil
}

// lookup returns nil without error when ref names no order.
func (m *Matcher) lookup(ctx context.Context, ref string) (*domain.Order, error) {
	var (
		order *domain.Order
		err   error
	)
	if xid.IsUUID(ref) {
		order, err = m.orders.GetOrder(ctx, ref)
	} else {
		number, parseErr := strconv.ParseInt(ref, 10, 64)
		if parseErr != nil || number < 1 {
			return nil, nil
		}
		order, err = m.orders.FindOrderByNumber(ctx, number)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (m *Matcher) fuzzy(ctx context.Context, ch domain.Charge) (Match, error) {
	candidates, err := m.orders.ListReconcileCandidates(ctx, ch.Amount, ch.Currency, ch.CreatedAt.Add(-m.window), ch.CreatedAt.Add(m.window))
	if err != nil {
		return Match{}, err
	}

	var best *domain.Order
	var bestDelta time.Duration
	tied := false
	for i := range candidates {
		candidate := &candidates[i]
		if _, taken := m.reserved[candidate.ID]; taken {
			continue
		}
		delta := absDuration(candidate.CreatedAt.Sub(ch.CreatedAt))
		if delta > m.window {
			continue
		}
		switch {
		case best == nil || delta < bestDelta:
			best, bestDelta, tied = candidate, delta, false
		case delta == bestDelta:
			tied = true
		}
	}
	if best == nil {
		return Match{}, nil
	}
	if tied {
		return Match{Tier: TierAmountTime, Ambiguous: true}, nil
	}
	m.reserved[best.ID] = struct{}{}
	return Match{Order: best, Tier: TierAmountTime}, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
