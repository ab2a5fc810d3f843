// Package handler содержит HTTP-обработчики API сервиса сертификатов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/middleware"
	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Scan(ctx context.Context, identifier string) (*service.ScanResult, error)
	Resolve(ctx context.Context, identifier string) (*model.Instrument, error)
	RedeemWithRetry(ctx context.Context, actor model.Actor, id string, amount decimal.Decimal, attempts int, check func(*model.Instrument) error) (*model.Instrument, error)
	SellInStore(ctx context.Context, actor model.Actor, id string, buyerEmail string) (*model.Instrument, error)
	Ledger(ctx context.Context, id string) ([]model.LedgerEntry, error)

	CreateInstrument(ctx context.Context, actor model.Actor, p service.CreateParams) (*model.Instrument, error)
	Activate(ctx context.Context, actor model.Actor, id string, details service.ActivationDetails) (*model.Instrument, error)
	TransferOwnership(ctx context.Context, actor model.Actor, id string, details service.ActivationDetails) (*model.Instrument, error)
	AdjustBalance(ctx context.Context, actor model.Actor, id string, balance decimal.Decimal) (*model.Instrument, error)

	FulfillPayment(ctx context.Context, n service.PaymentNotification) (*service.FulfillmentResult, error)

	RunBilling(ctx context.Context, merchantID int64) (*model.Invoice, error)
	RunBillingForAll(ctx context.Context) ([]model.Invoice, error)
	ListInvoices(ctx context.Context, merchantID int64) ([]model.Invoice, error)
}

// Options задаёт параметры обработчиков.
type Options struct {
	// RedeemRetries задаёт число попыток списания при конфликте версий.
	RedeemRetries int
	// Limiter ограничивает частоту проверок и списаний; nil отключает ограничение.
	Limiter middleware.Limiter
	// ScanRateLimit ограничивает число обращений за окно, отдельно для проверок и для списаний.
	ScanRateLimit int
}

// Handler реализует HTTP-обработчики API сервиса сертификатов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	if opts.RedeemRetries <= 0 {
		opts.RedeemRetries = 3
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrNotRedeemable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidPayment):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrCodeGenerationExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Available string `json:"available,omitempty"`
}

// writeError отвечает кодом, соответствующим ошибке движка. Неожиданные ошибки
// пишутся в журнал, а клиенту уходит только текст статуса.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(code), code)
		return
	}

	resp := errorResponse{Error: err.Error()}
	var ibe *model.InsufficientBalanceError
	if errors.As(err, &ibe) {
		resp.Available = ibe.Available.StringFixed(2)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func actorFrom(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Actor{}, false
	}
	return actor, true
}

// checkOwnership запрещает продавцу работать с чужими сертификатами.
func checkOwnership(actor model.Actor, inst *model.Instrument) error {
	if actor.Role == model.RoleMerchant && inst.MerchantID != actor.MerchantID {
		return model.ErrForbidden
	}
	return nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
