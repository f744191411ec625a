package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/logging"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/reconcile"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/service"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/webhook"
)

const maxWebhookBody = 64 << 10

type StripeWebhook interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

type SwishWebhook interface {
	Handle(ctx context.Context, payload []byte, token string) (webhook.Result, error)
}

type Reconciler interface {
	Run(ctx context.Context, limit int) (reconcile.Summary, error)
}

type Options struct {
	AllowedOrigin string
	SyncAPIKey    string
	StripeWebhook StripeWebhook
	SwishWebhook  SwishWebhook
	Reconciler    Reconciler
	Logger        *slog.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	stripeHook    StripeWebhook
	swishHook     SwishWebhook
	reconciler    Reconciler
	syncAPIKey    string
	allowedOrigin string
	logger        *slog.Logger
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &API{
		service:       svc,
		auth:          auth,
		stripeHook:    opts.StripeWebhook,
		swishHook:     opts.SwishWebhook,
		reconciler:    opts.Reconciler,
		syncAPIKey:    opts.SyncAPIKey,
		allowedOrigin: opts.AllowedOrigin,
		logger:        opts.Logger,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

// attemptLimiter allows max attempts per key within window, refilling
// gradually.
type attemptLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	limiters map[string]*keyLimiter
}

type keyLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{
		every:    rate.Every(window / time.Duration(max)),
		burst:    max,
		limiters: make(map[string]*keyLimiter),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		entry = &keyLimiter{limiter: rate.NewLimiter(l.every, l.burst)}
		l.limiters[key] = entry
	}
	entry.last = now
	if len(l.limiters) > 4096 {
		l.pruneLocked(now)
	}
	return entry.limiter.AllowN(now, 1)
}

func (l *attemptLimiter) pruneLocked(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.last) > 30*time.Minute {
			delete(l.limiters, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Post("/checkout/card", a.handleCheckoutCard)
		r.Post("/checkout/swish", a.handleCheckoutSwish)

		r.Post("/webhooks/stripe", a.handleStripeWebhook)
		r.Post("/webhooks/swish", a.handleSwishWebhook)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleStaff, RoleAdmin))
			r.Post("/pos/sessions", a.handleSessionOpen)
			r.Post("/pos/sessions/{id}/close", a.handleSessionClose)
			r.Get("/pos/sessions/{id}/summary", a.handleSessionSummary)
			r.Post("/pos/transactions", a.handlePOSTransaction)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleAdmin))
			r.Post("/admin/orders/manual", a.handleManualOrder)
			r.Post("/admin/orders/{id}/cancel", a.handleCancelOrder)
			r.Post("/admin/payments/{id}/refund", a.handleRefund)
			r.Get("/admin/audit-log", a.handleAuditLog)
			r.Post("/admin/users", a.handleCreateStaff)
		})

		r.With(a.requireSyncKey).Post("/admin/reconcile/stripe", a.handleReconcileStripe)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { writeMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func (a *API) requireSyncKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Sync-Api-Key"))
		if a.syncAPIKey == "" || !hmac.Equal([]byte(key), []byte(a.syncAPIKey)) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid sync api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckoutCard(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CheckoutCard(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleCheckoutSwish(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CheckoutSwish(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if a.stripeHook == nil {
		writeError(w, http.StatusServiceUnavailable, service.ErrGatewayUnavailable)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.stripeHook.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSwishWebhook(w http.ResponseWriter, r *http.Request) {
	if a.swishHook == nil {
		writeError(w, http.StatusServiceUnavailable, service.ErrGatewayUnavailable)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Callback-Token")
	}
	res, err := a.swishHook.Handle(r.Context(), payload, token)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.OpenSession(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	summary, err := a.service.CloseSession(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.SessionSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handlePOSTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.POSSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.RecordPOSSale(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleManualOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CreateManualOrder(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := a.service.CancelOrder(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:refund:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	req.PaymentID = chi.URLParam(r, "id")
	resp, err := a.service.Refund(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.AuditFilter{
		OrderID: strings.TrimSpace(query.Get("order_id")),
		Action:  strings.TrimSpace(query.Get("action")),
		Limit:   parsePositiveLimit(query.Get("limit"), 100, 1000),
	}
	var err error
	if filter.From, err = parseTime(query.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("from must be RFC3339"))
		return
	}
	if filter.To, err = parseTime(query.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("to must be RFC3339"))
		return
	}

	entries, err := a.service.ListAuditLog(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if strings.EqualFold(query.Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-log.csv"`)
		w.WriteHeader(http.StatusOK)
		if err := writeAuditCSV(w, entries); err != nil {
			a.logger.Error("audit csv export failed", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateStaff(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleReconcileStripe(w http.ResponseWriter, r *http.Request) {
	if a.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, service.ErrGatewayUnavailable)
		return
	}
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Limit == 0 {
		req.Limit = parsePositiveLimit(r.URL.Query().Get("limit"), reconcile.DefaultLimit, reconcile.MaxLimit)
	}

	summary, err := a.reconciler.Run(r.Context(), reconcile.ClampLimit(req.Limit))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Sync-Api-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(startedAt),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// statusFor maps ledger errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, webhook.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRefundExceeds),
		errors.Is(err, store.ErrSessionClosed),
		errors.Is(err, store.ErrSessionAlreadyOpen),
		errors.Is(err, store.ErrReferenceImmutable),
		errors.Is(err, store.ErrAmountMismatch),
		errors.Is(err, store.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrGatewayFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAuditCSV(w io.Writer, entries []domain.AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "action", "channel", "order_id", "payment_id", "staff_id", "method", "amount", "currency", "description", "metadata"}); err != nil {
		return err
	}
	for _, entry := range entries {
		amount := ""
		if entry.Amount.Valid {
			amount = entry.Amount.Decimal.StringFixed(2)
		}
		meta := ""
		if len(entry.Metadata) > 0 {
			raw, err := json.Marshal(entry.Metadata)
			if err != nil {
				return err
			}
			meta = string(raw)
		}
		if err := cw.Write([]string{
			entry.ID,
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			entry.Action,
			string(entry.Channel),
			entry.OrderID,
			entry.PaymentID,
			entry.StaffID,
			string(entry.Method),
			amount,
			entry.Currency,
			entry.Description,
			meta,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log.
	msg := err.Error()
	if status >= 500 {
		slog.Error("internal error", "status", status, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
