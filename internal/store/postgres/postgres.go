package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const maxSerializationRetries = 3

type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn in a serializable transaction, retrying when postgres aborts
// it with a serialization failure.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(pgTx); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) CreateSale(ctx context.Context, rec domain.SaleRecord, entry domain.AuditEntry) (*domain.SaleRecord, error) {
	if err := domain.CheckAmounts(rec.Order); err != nil {
		return nil, err
	}

	var out domain.SaleRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if pos := rec.Transaction; pos != nil {
			var status domain.SessionStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM pos_sessions WHERE id = $1 FOR UPDATE`, pos.SessionID).Scan(&status)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return store.ErrNotFound
				}
				return err
			}
			if status != domain.SessionOpen {
				return store.ErrSessionClosed
			}
		}

		order := rec.Order
		err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (
				id, customer_id, customer_email, channel, status,
				total_amount, discount_amount, net_amount, currency, staff_id,
				created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			RETURNING order_number
		`, order.ID, nullIfEmpty(order.CustomerID), nullIfEmpty(order.CustomerEmail), order.Channel, order.Status,
			order.TotalAmount, order.DiscountAmount, order.NetAmount, order.Currency, nullIfEmpty(order.StaffID),
			order.CreatedAt, order.UpdatedAt).Scan(&order.OrderNumber)
		if err != nil {
			return err
		}

		for _, line := range order.Lines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_lines (id, order_id, description, quantity, unit_price, line_total)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, line.ID, order.ID, line.Description, line.Quantity, line.UnitPrice, line.LineTotal); err != nil {
				return err
			}
		}

		if err := insertPayment(ctx, tx, rec.Payment); err != nil {
			return err
		}

		if pos := rec.Transaction; pos != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pos_transactions (
					id, session_id, order_id, payment_method, amount,
					cash_received, change_given, comp_reason, created_at
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, pos.ID, pos.SessionID, pos.OrderID, pos.Method, pos.Amount,
				pos.CashReceived, pos.ChangeGiven, nullIfEmpty(pos.CompReason), pos.CreatedAt); err != nil {
				return err
			}
			saved := *pos
			out.Transaction = &saved
		}

		if _, err := insertAudit(ctx, tx, entry.Stamp(order, rec.Payment)); err != nil {
			return err
		}
		out.Order = order
		out.Payment = rec.Payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) BindGatewayReference(ctx context.Context, paymentID string, reference string, response json.RawMessage, entry domain.AuditEntry) (*domain.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.ErrValidation
	}

	var out *domain.Payment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		payment, err := getPaymentForUpdate(ctx, tx, "id", paymentID)
		if err != nil {
			return err
		}
		if payment.GatewayReference == reference {
			out = payment
			return nil
		}
		if payment.GatewayReference != "" {
			return store.ErrReferenceImmutable
		}

		payment.GatewayReference = reference
		if len(response) > 0 {
			payment.GatewayResponse = response
		}
		payment.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments
			SET gateway_reference = $2, gateway_response = $3, updated_at = $4
			WHERE id = $1
		`, payment.ID, payment.GatewayReference, nullJSON(payment.GatewayResponse), payment.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateReference
			}
			return err
		}

		order, err := getOrder(ctx, tx, payment.OrderID, false)
		if err != nil {
			return err
		}
		if _, err := insertAudit(ctx, tx, entry.Stamp(*order, *payment)); err != nil {
			return err
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ApplyPaymentOutcome(ctx context.Context, outcome domain.PaymentOutcome, entry domain.AuditEntry) (*domain.OutcomeResult, error) {
	var out *domain.OutcomeResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		column, value := "id", outcome.PaymentID
		if value == "" {
			column, value = "gateway_reference", outcome.GatewayReference
		}
		payment, err := getPaymentForUpdate(ctx, tx, column, value)
		if err != nil {
			return err
		}
		if outcome.Amount.Valid && !outcome.Amount.Decimal.Equal(payment.Amount) {
			return store.ErrAmountMismatch
		}
		order, err := getOrder(ctx, tx, payment.OrderID, true)
		if err != nil {
			return err
		}

		next, apply, err := domain.NextPaymentStatus(payment.Status, outcome.Status)
		if err != nil {
			return err
		}
		if !apply {
			out = &domain.OutcomeResult{Applied: false, Order: *order, Payment: *payment}
			return nil
		}

		now := time.Now().UTC()
		payment.Status = next
		if len(outcome.Response) > 0 {
			payment.GatewayResponse = outcome.Response
		}
		payment.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = $2, gateway_response = $3, updated_at = $4 WHERE id = $1
		`, payment.ID, payment.Status, nullJSON(payment.GatewayResponse), now); err != nil {
			return err
		}
		if err := cascadeOrder(ctx, tx, order, next, now); err != nil {
			return err
		}

		entry.Action = domain.OutcomeAction(next)
		if _, err := insertAudit(ctx, tx, entry.Stamp(*order, *payment)); err != nil {
			return err
		}
		out = &domain.OutcomeResult{Applied: true, Order: *order, Payment: *payment}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ApplyRefund(ctx context.Context, paymentID string, amount decimal.Decimal, reason string, actor string, entry domain.AuditEntry) (*domain.RefundResult, error) {
	var out *domain.RefundResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		payment, err := getPaymentForUpdate(ctx, tx, "id", paymentID)
		if err != nil {
			return err
		}
		order, err := getOrder(ctx, tx, payment.OrderID, true)
		if err != nil {
			return err
		}

		plan, err := domain.PlanRefund(*order, *payment, amount)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		payment.RefundAmount = plan.Cumulative
		payment.RefundReason = reason
		payment.RefundedBy = actor
		payment.RefundedAt = &now
		payment.Status = plan.PaymentStatus
		payment.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments
			SET refund_amount = $2, refund_reason = $3, refunded_by = $4, refunded_at = $5, status = $6, updated_at = $5
			WHERE id = $1
		`, payment.ID, payment.RefundAmount, nullIfEmpty(reason), nullIfEmpty(actor), now, payment.Status); err != nil {
			return err
		}
		order.Status = plan.OrderStatus
		order.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, order.ID, order.Status, now); err != nil {
			return err
		}

		entry.Action = domain.ActionRefundProcessed
		entry.Amount = decimal.NewNullDecimal(amount.Round(2))
		if _, err := insertAudit(ctx, tx, entry.Stamp(*order, *payment)); err != nil {
			return err
		}
		out = &domain.RefundResult{Order: *order, Payment: *payment}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, entry domain.AuditEntry) (*domain.Order, error) {
	var out *domain.Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		order, err := getOrder(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if err := domain.CanCancel(order.Status); err != nil {
			return err
		}
		now := time.Now().UTC()
		order.Status = domain.OrderCancelled
		order.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, order.ID, order.Status, now); err != nil {
			return err
		}

		entry.Action = domain.ActionOrderCancelled
		if _, err := insertAudit(ctx, tx, entry.StampOrder(*order)); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InsertReconciledPayment(ctx context.Context, payment domain.Payment, entry domain.AuditEntry) (*domain.OutcomeResult, error) {
	if strings.TrimSpace(payment.GatewayReference) == "" {
		return nil, domain.ErrValidation
	}

	now := time.Now().UTC()
	if payment.ID == "" {
		payment.ID = xid.New()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	var out *domain.OutcomeResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		order, err := getOrder(ctx, tx, payment.OrderID, true)
		if err != nil {
			return err
		}
		if err := insertPayment(ctx, tx, payment); err != nil {
			return err
		}
		if err := cascadeOrder(ctx, tx, order, payment.Status, now); err != nil {
			return err
		}

		if entry.Action == "" {
			entry.Action = domain.ActionPaymentReconciled
		}
		if _, err := insertAudit(ctx, tx, entry.Stamp(*order, payment)); err != nil {
			return err
		}
		out = &domain.OutcomeResult{Applied: true, Order: *order, Payment: payment}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return getOrder(ctx, s.db, orderID, false)
}

func (s *Store) FindOrderByNumber(ctx context.Context, orderNumber int64) (*domain.Order, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE order_number = $1`, orderNumber).Scan(&orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return getOrder(ctx, s.db, orderID, false)
}

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return getPayment(ctx, s.db, "id", paymentID, false)
}

func (s *Store) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return getPayment(ctx, s.db, "gateway_reference", reference, false)
}

func (s *Store) ListPaymentsByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 2)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

// ListReconcileCandidates returns orders without their lines.
func (s *Store) ListReconcileCandidates(ctx context.Context, amount decimal.Decimal, currency string, from time.Time, to time.Time) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.channel = 'online'
			AND o.status <> 'cancelled'
			AND o.net_amount = $1
			AND o.currency = $2
			AND o.created_at BETWEEN $3 AND $4
			AND NOT EXISTS (
				SELECT 1 FROM payments p
				WHERE p.order_id = o.id AND p.status IN ('succeeded', 'refunded')
			)
		ORDER BY o.created_at ASC
	`, amount, currency, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 4)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) (bool, error) {
	return insertAudit(ctx, s.db, entry)
}

func (s *Store) ListAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !filter.From.IsZero() {
		add("timestamp >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("timestamp < $%d", filter.To)
	}
	if filter.OrderID != "" {
		add("order_id = $%d", filter.OrderID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}

	query := `
		SELECT id, timestamp, action, channel, customer_id, staff_id, order_id, payment_id,
			payment_method, amount, currency, description, metadata
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY timestamp ASC, id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, filter.Limit)
	for rows.Next() {
		var (
			entry                                    domain.AuditEntry
			channel, customerID, staffID, orderID    sql.NullString
			paymentID, method, currency, description sql.NullString
			metadata                                 []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Action, &channel, &customerID, &staffID, &orderID, &paymentID,
			&method, &entry.Amount, &currency, &description, &metadata); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entry.Channel = domain.Channel(channel.String)
		entry.CustomerID = customerID.String
		entry.StaffID = staffID.String
		entry.OrderID = orderID.String
		entry.PaymentID = paymentID.String
		entry.Method = domain.PaymentMethod(method.String)
		entry.Currency = currency.String
		entry.Description = description.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) OpenPOSSession(ctx context.Context, session domain.POSSession, entry domain.AuditEntry) (*domain.POSSession, error) {
	if session.ID == "" {
		session.ID = xid.New()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionOpen

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pos_sessions (id, staff_id, status, opening_float, notes, opened_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, session.ID, session.StaffID, session.Status, session.OpeningFloat, nullIfEmpty(session.Notes), session.OpenedAt); err != nil {
			if isUniqueViolation(err) {
				return store.ErrSessionAlreadyOpen
			}
			return err
		}

		entry.Action = domain.ActionPOSSessionOpened
		entry.Channel = domain.ChannelPOS
		entry.StaffID = session.StaffID
		entry.Amount = decimal.NewNullDecimal(session.OpeningFloat)
		entry.Metadata = domain.MergeMetadata(entry.Metadata, map[string]any{"session_id": session.ID})
		_, err := insertAudit(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ClosePOSSession(ctx context.Context, sessionID string, counted decimal.Decimal, notes string, closedAt time.Time, entry domain.AuditEntry) (*domain.POSSession, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var out *domain.POSSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		session, err := getSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if session.Status != domain.SessionOpen {
			return store.ErrSessionClosed
		}
		txs, err := listPOSTransactions(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		expected := domain.ExpectedCash(session.OpeningFloat, txs)
		session.Status = domain.SessionClosed
		session.ClosingCash = decimal.NewNullDecimal(counted)
		session.ExpectedCash = decimal.NewNullDecimal(expected)
		session.CashVariance = decimal.NewNullDecimal(counted.Sub(expected))
		session.Notes = notes
		session.ClosedAt = &closedAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE pos_sessions
			SET status = $2, closing_cash = $3, expected_cash = $4, cash_variance = $5, notes = $6, closed_at = $7
			WHERE id = $1
		`, session.ID, session.Status, session.ClosingCash, session.ExpectedCash, session.CashVariance, nullIfEmpty(notes), closedAt); err != nil {
			return err
		}

		entry.Action = domain.ActionPOSSessionClosed
		entry.Channel = domain.ChannelPOS
		entry.StaffID = session.StaffID
		entry.Amount = decimal.NewNullDecimal(counted)
		entry.Metadata = domain.MergeMetadata(entry.Metadata, session.CloseMetadata())
		if _, err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetPOSSession(ctx context.Context, sessionID string) (*domain.POSSession, error) {
	return getSession(ctx, s.db, sessionID, false)
}

func (s *Store) ListPOSTransactions(ctx context.Context, sessionID string) ([]domain.POSTransaction, error) {
	if _, err := getSession(ctx, s.db, sessionID, false); err != nil {
		return nil, err
	}
	return listPOSTransactions(ctx, s.db, sessionID)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.Role == "" {
		return domain.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_users (username, password, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrUserExists
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM staff_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE staff_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const orderColumns = `o.id, o.order_number, o.customer_id, o.customer_email, o.channel, o.status,
	o.total_amount, o.discount_amount, o.net_amount, o.currency, o.staff_id, o.created_at, o.updated_at`

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		order                      domain.Order
		customerID, email, staffID sql.NullString
	)
	if err := row.Scan(&order.ID, &order.OrderNumber, &customerID, &email, &order.Channel, &order.Status,
		&order.TotalAmount, &order.DiscountAmount, &order.NetAmount, &order.Currency, &staffID,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}
	order.CustomerID = customerID.String
	order.CustomerEmail = email.String
	order.StaffID = staffID.String
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func getOrder(ctx context.Context, q queryer, orderID string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, description, quantity, unit_price, line_total
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.Description, &line.Quantity, &line.UnitPrice, &line.LineTotal); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return order, nil
}

// cascadeOrder moves the order to the status implied by a payment reaching
// status, updating order in place.
func cascadeOrder(ctx context.Context, tx *sql.Tx, order *domain.Order, status domain.PaymentStatus, now time.Time) error {
	next, changed := domain.OrderAfterPayment(order.Status, status)
	if !changed {
		return nil
	}
	order.Status = next
	order.UpdatedAt = now
	_, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, order.ID, order.Status, now)
	return err
}

const paymentColumns = `id, order_id, method, status, amount, currency, gateway_reference, gateway_response,
	refund_amount, refund_reason, refunded_by, refunded_at, created_at, updated_at`

func scanPayment(row scanner) (*domain.Payment, error) {
	var (
		payment                       domain.Payment
		reference, reason, refundedBy sql.NullString
		response                      []byte
		refundedAt                    sql.NullTime
	)
	if err := row.Scan(&payment.ID, &payment.OrderID, &payment.Method, &payment.Status, &payment.Amount, &payment.Currency,
		&reference, &response, &payment.RefundAmount, &reason, &refundedBy, &refundedAt,
		&payment.CreatedAt, &payment.UpdatedAt); err != nil {
		return nil, err
	}
	payment.GatewayReference = reference.String
	if len(response) > 0 {
		payment.GatewayResponse = json.RawMessage(response)
	}
	payment.RefundReason = reason.String
	payment.RefundedBy = refundedBy.String
	if refundedAt.Valid {
		at := refundedAt.Time.UTC()
		payment.RefundedAt = &at
	}
	payment.CreatedAt = payment.CreatedAt.UTC()
	payment.UpdatedAt = payment.UpdatedAt.UTC()
	return &payment, nil
}

func getPayment(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Payment, error) {
	if value == "" {
		return nil, store.ErrNotFound
	}
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	payment, err := scanPayment(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return payment, nil
}

func getPaymentForUpdate(ctx context.Context, tx *sql.Tx, column string, value string) (*domain.Payment, error) {
	return getPayment(ctx, tx, column, value, true)
}

func insertPayment(ctx context.Context, tx *sql.Tx, payment domain.Payment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (
			id, order_id, method, status, amount, currency, gateway_reference, gateway_response,
			refund_amount, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, payment.ID, payment.OrderID, payment.Method, payment.Status, payment.Amount, payment.Currency,
		nullIfEmpty(payment.GatewayReference), nullJSON(payment.GatewayResponse),
		payment.RefundAmount, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateReference
		}
		return err
	}
	return nil
}

// insertAudit writes entry unless another entry already holds its dedupe key.
func insertAudit(ctx context.Context, q queryer, entry domain.AuditEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = xid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(raw)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, timestamp, action, channel, customer_id, staff_id, order_id, payment_id,
			payment_method, amount, currency, description, metadata, dedupe_key
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, entry.ID, entry.Timestamp, entry.Action, nullIfEmpty(string(entry.Channel)), nullIfEmpty(entry.CustomerID),
		nullIfEmpty(entry.StaffID), nullIfEmpty(entry.OrderID), nullIfEmpty(entry.PaymentID),
		nullIfEmpty(string(entry.Method)), entry.Amount, nullIfEmpty(entry.Currency), nullIfEmpty(entry.Description),
		metadata, nullIfEmpty(entry.DedupeKey))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func getSession(ctx context.Context, q queryer, sessionID string, forUpdate bool) (*domain.POSSession, error) {
	query := `
		SELECT id, staff_id, status, opening_float, closing_cash, expected_cash, cash_variance, notes, opened_at, closed_at
		FROM pos_sessions
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		session  domain.POSSession
		notes    sql.NullString
		closedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, sessionID).Scan(&session.ID, &session.StaffID, &session.Status, &session.OpeningFloat,
		&session.ClosingCash, &session.ExpectedCash, &session.CashVariance, &notes, &session.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.Notes = notes.String
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func listPOSTransactions(ctx context.Context, q queryer, sessionID string) ([]domain.POSTransaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, order_id, payment_method, amount, cash_received, change_given, comp_reason, created_at
		FROM pos_transactions
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.POSTransaction, 0, 32)
	for rows.Next() {
		var (
			tx     domain.POSTransaction
			reason sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.SessionID, &tx.OrderID, &tx.Method, &tx.Amount, &tx.CashReceived, &tx.ChangeGiven, &reason, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.CompReason = reason.String
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
