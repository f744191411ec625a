package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateReference means another payment already holds the gateway
	// reference. Callers treat it as an idempotent no-op.
	ErrDuplicateReference = errors.New("duplicate gateway reference")
	ErrReferenceImmutable = errors.New("gateway reference already set")
	ErrAmountMismatch     = errors.New("amount does not match payment")
	ErrSessionClosed      = errors.New("pos session is closed")
	ErrSessionAlreadyOpen = errors.New("pos session already open for staff")
	ErrUserExists         = errors.New("username already taken")
)

// Repository is the ledger store. Every method that changes state runs in a
// single serializable transaction together with the audit entry it is given;
// the store fills the entry's order and payment references.
type Repository interface {
	CreateSale(ctx context.Context, rec domain.SaleRecord, entry domain.AuditEntry) (*domain.SaleRecord, error)
	BindGatewayReference(ctx context.Context, paymentID string, reference string, response json.RawMessage, entry domain.AuditEntry) (*domain.Payment, error)
	ApplyPaymentOutcome(ctx context.Context, outcome domain.PaymentOutcome, entry domain.AuditEntry) (*domain.OutcomeResult, error)
	ApplyRefund(ctx context.Context, paymentID string, amount decimal.Decimal, reason string, actor string, entry domain.AuditEntry) (*domain.RefundResult, error)
	CancelOrder(ctx context.Context, orderID string, entry domain.AuditEntry) (*domain.Order, error)
	InsertReconciledPayment(ctx context.Context, payment domain.Payment, entry domain.AuditEntry) (*domain.OutcomeResult, error)

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	FindOrderByNumber(ctx context.Context, orderNumber int64) (*domain.Order, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	// ListReconcileCandidates returns online orders without a settled payment
	// whose net amount equals amount and that were created in [from, to].
	ListReconcileCandidates(ctx context.Context, amount decimal.Decimal, currency string, from time.Time, to time.Time) ([]domain.Order, error)

	// AppendAudit writes a standalone entry. With a DedupeKey a second entry
	// for the same key is skipped and inserted is false.
	AppendAudit(ctx context.Context, entry domain.AuditEntry) (inserted bool, err error)
	ListAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)

	OpenPOSSession(ctx context.Context, session domain.POSSession, entry domain.AuditEntry) (*domain.POSSession, error)
	ClosePOSSession(ctx context.Context, sessionID string, counted decimal.Decimal, notes string, closedAt time.Time, entry domain.AuditEntry) (*domain.POSSession, error)
	GetPOSSession(ctx context.Context, sessionID string) (*domain.POSSession, error)
	ListPOSTransactions(ctx context.Context, sessionID string) ([]domain.POSTransaction, error)

	// CreateUser stores user as given; the password must already be hashed.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
