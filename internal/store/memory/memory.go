package memory

import (
	"context"
	"encoding/json"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/xid"
)

// Store is an in-process ledger. A single mutex stands in for the
// serializable transactions of the postgres store: every write method holds
// it for the whole read-check-write sequence.
type Store struct {
	mu                 sync.RWMutex
	nextOrderNumber    int64
	orders             map[string]*domain.Order
	orderIDByNumber    map[int64]string
	payments           map[string]*domain.Payment
	paymentIDByRef     map[string]string
	paymentIDsByOrder  map[string][]string
	audit              []domain.AuditEntry
	auditKeys          map[string]struct{}
	sessions           map[string]*domain.POSSession
	openSessionByStaff map[string]string
	posTxsBySession    map[string][]domain.POSTransaction
	usersByUsername    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		orders:             make(map[string]*domain.Order),
		orderIDByNumber:    make(map[int64]string),
		payments:           make(map[string]*domain.Payment),
		paymentIDByRef:     make(map[string]string),
		paymentIDsByOrder:  make(map[string][]string),
		audit:              make([]domain.AuditEntry, 0, 128),
		auditKeys:          make(map[string]struct{}),
		sessions:           make(map[string]*domain.POSSession),
		openSessionByStaff: make(map[string]string),
		posTxsBySession:    make(map[string][]domain.POSTransaction),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns an empty ledger with dev staff accounts. Credentials are
// read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; unset values fall
// back to dev defaults with a warning.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateSale(_ context.Context, rec domain.SaleRecord, entry domain.AuditEntry) (*domain.SaleRecord, error) {
	if err := domain.CheckAmounts(rec.Order); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ref := rec.Payment.GatewayReference; ref != "" {
		if _, exists := s.paymentIDByRef[ref]; exists {
			return nil, store.ErrDuplicateReference
		}
	}
	if tx := rec.Transaction; tx != nil {
		session, ok := s.sessions[tx.SessionID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if session.Status != domain.SessionOpen {
			return nil, store.ErrSessionClosed
		}
	}

	s.nextOrderNumber++
	rec.Order.OrderNumber = s.nextOrderNumber
	order := cloneOrder(rec.Order)
	payment := clonePayment(rec.Payment)
	s.orders[order.ID] = &order
	s.orderIDByNumber[order.OrderNumber] = order.ID
	s.putPaymentLocked(&payment)

	if tx := rec.Transaction; tx != nil {
		s.posTxsBySession[tx.SessionID] = append(s.posTxsBySession[tx.SessionID], *tx)
	}

	s.appendAuditLocked(entry.Stamp(order, payment))

	out := domain.SaleRecord{Order: cloneOrder(order), Payment: clonePayment(payment)}
	if rec.Transaction != nil {
		tx := *rec.Transaction
		out.Transaction = &tx
	}
	return &out, nil
}

func (s *Store) BindGatewayReference(_ context.Context, paymentID string, reference string, response json.RawMessage, entry domain.AuditEntry) (*domain.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if payment.GatewayReference == reference {
		out := clonePayment(*payment)
		return &out, nil
	}
	if payment.GatewayReference != "" {
		return nil, store.ErrReferenceImmutable
	}
	if _, exists := s.paymentIDByRef[reference]; exists {
		return nil, store.ErrDuplicateReference
	}

	payment.GatewayReference = reference
	if len(response) > 0 {
		payment.GatewayResponse = slices.Clone(response)
	}
	payment.UpdatedAt = time.Now().UTC()
	s.paymentIDByRef[reference] = payment.ID

	order := s.orders[payment.OrderID]
	s.appendAuditLocked(entry.Stamp(*order, *payment))

	out := clonePayment(*payment)
	return &out, nil
}

func (s *Store) ApplyPaymentOutcome(_ context.Context, outcome domain.PaymentOutcome, entry domain.AuditEntry) (*domain.OutcomeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, err := s.lookupPaymentLocked(outcome.PaymentID, outcome.GatewayReference)
	if err != nil {
		return nil, err
	}
	if outcome.Amount.Valid && !outcome.Amount.Decimal.Equal(payment.Amount) {
		return nil, store.ErrAmountMismatch
	}
	order := s.orders[payment.OrderID]

	next, apply, err := domain.NextPaymentStatus(payment.Status, outcome.Status)
	if err != nil {
		return nil, err
	}
	if !apply {
		return &domain.OutcomeResult{Applied: false, Order: cloneOrder(*order), Payment: clonePayment(*payment)}, nil
	}

	now := time.Now().UTC()
	payment.Status = next
	if len(outcome.Response) > 0 {
		payment.GatewayResponse = slices.Clone(outcome.Response)
	}
	payment.UpdatedAt = now
	if status, changed := domain.OrderAfterPayment(order.Status, next); changed {
		order.Status = status
		order.UpdatedAt = now
	}

	entry.Action = domain.OutcomeAction(next)
	s.appendAuditLocked(entry.Stamp(*order, *payment))

	return &domain.OutcomeResult{Applied: true, Order: cloneOrder(*order), Payment: clonePayment(*payment)}, nil
}

func (s *Store) ApplyRefund(_ context.Context, paymentID string, amount decimal.Decimal, reason string, actor string, entry domain.AuditEntry) (*domain.RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	order := s.orders[payment.OrderID]

	plan, err := domain.PlanRefund(*order, *payment, amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payment.RefundAmount = plan.Cumulative
	payment.RefundReason = reason
	payment.RefundedBy = actor
	payment.RefundedAt = &now
	payment.Status = plan.PaymentStatus
	payment.UpdatedAt = now
	order.Status = plan.OrderStatus
	order.UpdatedAt = now

	entry.Action = domain.ActionRefundProcessed
	entry.Amount = decimal.NewNullDecimal(amount.Round(2))
	s.appendAuditLocked(entry.Stamp(*order, *payment))

	return &domain.RefundResult{Order: cloneOrder(*order), Payment: clonePayment(*payment)}, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, entry domain.AuditEntry) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := domain.CanCancel(order.Status); err != nil {
		return nil, err
	}
	order.Status = domain.OrderCancelled
	order.UpdatedAt = time.Now().UTC()

	entry.Action = domain.ActionOrderCancelled
	s.appendAuditLocked(entry.StampOrder(*order))

	out := cloneOrder(*order)
	return &out, nil
}

func (s *Store) InsertReconciledPayment(_ context.Context, payment domain.Payment, entry domain.AuditEntry) (*domain.OutcomeResult, error) {
	if strings.TrimSpace(payment.GatewayReference) == "" {
		return nil, domain.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.paymentIDByRef[payment.GatewayReference]; exists {
		return nil, store.ErrDuplicateReference
	}
	order, ok := s.orders[payment.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	if payment.ID == "" {
		payment.ID = xid.New()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	saved := clonePayment(payment)
	s.putPaymentLocked(&saved)

	if status, changed := domain.OrderAfterPayment(order.Status, saved.Status); changed {
		order.Status = status
		order.UpdatedAt = now
	}

	if entry.Action == "" {
		entry.Action = domain.ActionPaymentReconciled
	}
	s.appendAuditLocked(entry.Stamp(*order, saved))

	return &domain.OutcomeResult{Applied: true, Order: cloneOrder(*order), Payment: clonePayment(saved)}, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(*order)
	return &out, nil
}

func (s *Store) FindOrderByNumber(ctx context.Context, orderNumber int64) (*domain.Order, error) {
	s.mu.RLock()
	orderID, ok := s.orderIDByNumber[orderNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) GetPayment(_ context.Context, paymentID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clonePayment(*payment)
	return &out, nil
}

func (s *Store) FindPaymentByReference(_ context.Context, reference string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, err := s.lookupPaymentLocked("", reference)
	if err != nil {
		return nil, err
	}
	out := clonePayment(*payment)
	return &out, nil
}

func (s *Store) ListPaymentsByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.paymentIDsByOrder[orderID]
	out := make([]domain.Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, clonePayment(*s.payments[id]))
	}
	return out, nil
}

func (s *Store) ListReconcileCandidates(_ context.Context, amount decimal.Decimal, currency string, from time.Time, to time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, 4)
	for _, order := range s.orders {
		if order.Channel != domain.ChannelOnline || !order.NetAmount.Equal(amount) || order.Currency != currency {
			continue
		}
		if order.Status == domain.OrderCancelled {
			continue
		}
		if order.CreatedAt.Before(from) || order.CreatedAt.After(to) {
			continue
		}
		if s.hasSettledPaymentLocked(order.ID) {
			continue
		}
		out = append(out, cloneOrder(*order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, entry domain.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.DedupeKey != "" {
		if _, exists := s.auditKeys[entry.DedupeKey]; exists {
			return false, nil
		}
	}
	s.appendAuditLocked(entry)
	return true, nil
}

func (s *Store) ListAuditEntries(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0, min(filter.Limit, len(s.audit)))
	for _, entry := range s.audit {
		if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.Timestamp.Before(filter.To) {
			continue
		}
		if filter.OrderID != "" && entry.OrderID != filter.OrderID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		out = append(out, cloneAudit(entry))
		if len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) OpenPOSSession(_ context.Context, session domain.POSSession, entry domain.AuditEntry) (*domain.POSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, open := s.openSessionByStaff[session.StaffID]; open {
		return nil, store.ErrSessionAlreadyOpen
	}
	if session.ID == "" {
		session.ID = xid.New()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionOpen
	saved := session
	s.sessions[saved.ID] = &saved
	s.openSessionByStaff[saved.StaffID] = saved.ID

	entry.Action = domain.ActionPOSSessionOpened
	entry.Channel = domain.ChannelPOS
	entry.StaffID = saved.StaffID
	entry.Amount = decimal.NewNullDecimal(saved.OpeningFloat)
	entry.Metadata = domain.MergeMetadata(entry.Metadata, map[string]any{"session_id": saved.ID})
	s.appendAuditLocked(entry)

	out := saved
	return &out, nil
}

func (s *Store) ClosePOSSession(_ context.Context, sessionID string, counted decimal.Decimal, notes string, closedAt time.Time, entry domain.AuditEntry) (*domain.POSSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return nil, store.ErrSessionClosed
	}

	expected := domain.ExpectedCash(session.OpeningFloat, s.posTxsBySession[sessionID])
	variance := counted.Sub(expected)
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	session.Status = domain.SessionClosed
	session.ClosingCash = decimal.NewNullDecimal(counted)
	session.ExpectedCash = decimal.NewNullDecimal(expected)
	session.CashVariance = decimal.NewNullDecimal(variance)
	session.Notes = notes
	session.ClosedAt = &closedAt
	delete(s.openSessionByStaff, session.StaffID)

	entry.Action = domain.ActionPOSSessionClosed
	entry.Channel = domain.ChannelPOS
	entry.StaffID = session.StaffID
	entry.Amount = decimal.NewNullDecimal(counted)
	entry.Metadata = domain.MergeMetadata(entry.Metadata, session.CloseMetadata())
	s.appendAuditLocked(entry)

	out := *session
	return &out, nil
}

func (s *Store) GetPOSSession(_ context.Context, sessionID string) (*domain.POSSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (s *Store) ListPOSTransactions(_ context.Context, sessionID string) ([]domain.POSTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.posTxsBySession[sessionID]), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" || user.Role == "" {
		return domain.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrUserExists
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) lookupPaymentLocked(paymentID string, reference string) (*domain.Payment, error) {
	if paymentID == "" {
		id, ok := s.paymentIDByRef[reference]
		if !ok {
			return nil, store.ErrNotFound
		}
		paymentID = id
	}
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return payment, nil
}

func (s *Store) putPaymentLocked(payment *domain.Payment) {
	s.payments[payment.ID] = payment
	s.paymentIDsByOrder[payment.OrderID] = append(s.paymentIDsByOrder[payment.OrderID], payment.ID)
	if payment.GatewayReference != "" {
		s.paymentIDByRef[payment.GatewayReference] = payment.ID
	}
}

func (s *Store) hasSettledPaymentLocked(orderID string) bool {
	for _, id := range s.paymentIDsByOrder[orderID] {
		status := s.payments[id].Status
		if status == domain.PaymentSucceeded || status == domain.PaymentRefunded {
			return true
		}
	}
	return false
}

func (s *Store) appendAuditLocked(entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.DedupeKey != "" {
		s.auditKeys[entry.DedupeKey] = struct{}{}
	}
	s.audit = append(s.audit, cloneAudit(entry))
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = slices.Clone(order.Lines)
	return order
}

func clonePayment(payment domain.Payment) domain.Payment {
	payment.GatewayResponse = slices.Clone(payment.GatewayResponse)
	if payment.RefundedAt != nil {
		at := *payment.RefundedAt
		payment.RefundedAt = &at
	}
	return payment
}

func cloneAudit(entry domain.AuditEntry) domain.AuditEntry {
	entry.Metadata = maps.Clone(entry.Metadata)
	return entry
}
