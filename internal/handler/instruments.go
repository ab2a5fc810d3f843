package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/service"
)

type instrumentResponse struct {
	ID               string  `json:"id"`
	Code             string  `json:"code"`
	OfferID          int64   `json:"offerId"`
	MerchantID       int64   `json:"merchantId"`
	Status           string  `json:"status"`
	OriginalValue    string  `json:"originalValue"`
	RemainingBalance string  `json:"remainingBalance"`
	RecipientName    string  `json:"recipientName,omitempty"`
	Message          string  `json:"message,omitempty"`
	ActivatedAt      *string `json:"activatedAt,omitempty"`
	ExpiresAt        *string `json:"expiresAt,omitempty"`
	Action           string  `json:"action,omitempty"`
	Version          int64   `json:"version"`
}

// issuedResponse дополнительно раскрывает токены; отдаётся только администратору.
type issuedResponse struct {
	instrumentResponse
	HolderToken    string `json:"holderToken"`
	RecipientToken string `json:"recipientToken"`
}

func toInstrumentResponse(inst *model.Instrument, status model.InstrumentStatus) instrumentResponse {
	return instrumentResponse{
		ID:               inst.ID,
		Code:             inst.Code,
		OfferID:          inst.OfferID,
		MerchantID:       inst.MerchantID,
		Status:           string(status),
		OriginalValue:    money(inst.OriginalValue),
		RemainingBalance: money(inst.RemainingBalance),
		RecipientName:    inst.RecipientName,
		Message:          inst.Message,
		ActivatedAt:      formatTime(inst.ActivatedAt),
		ExpiresAt:        formatTime(inst.ExpiresAt),
		Version:          inst.Version,
	}
}

func toIssuedResponse(inst *model.Instrument) issuedResponse {
	return issuedResponse{
		instrumentResponse: toInstrumentResponse(inst, inst.Status),
		HolderToken:        inst.HolderToken,
		RecipientToken:     inst.RecipientToken,
	}
}

// resolveOwned находит сертификат по идентификатору из пути и проверяет права продавца.
func (h *Handler) resolveOwned(w http.ResponseWriter, r *http.Request, actor model.Actor) (*model.Instrument, bool) {
	inst, err := h.service.Resolve(r.Context(), chi.URLParam(r, "identifier"))
	if err == nil {
		err = checkOwnership(actor, inst)
	}
	if err != nil {
		h.writeError(w, err, "resolve instrument error")
		return nil, false
	}
	return inst, true
}

// Scan возвращает состояние сертификата для кассы.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	res, err := h.service.Scan(r.Context(), chi.URLParam(r, "identifier"))
	if err == nil {
		err = checkOwnership(actor, res.Instrument)
	}
	if err != nil {
		h.writeError(w, err, "scan instrument error")
		return
	}

	resp := toInstrumentResponse(res.Instrument, res.Status)
	resp.Action = string(res.Action)
	writeJSON(w, http.StatusOK, resp)
}

type redeemRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type redeemResponse struct {
	InstrumentID     string `json:"instrumentId"`
	RemainingBalance string `json:"remainingBalance"`
	Status           string `json:"status"`
}

// Redeem списывает сумму с сертификата, повторяя попытку при конфликте версий.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inst, ok := h.resolveOwned(w, r, actor)
	if !ok {
		return
	}

	after, err := h.service.RedeemWithRetry(r.Context(), actor, inst.ID, req.Amount, h.opts.RedeemRetries,
		func(current *model.Instrument) error { return checkOwnership(actor, current) })
	if err != nil {
		h.writeError(w, err, "redeem error", zap.String("instrument_id", inst.ID))
		return
	}

	writeJSON(w, http.StatusOK, redeemResponse{
		InstrumentID:     after.ID,
		RemainingBalance: money(after.RemainingBalance),
		Status:           string(after.Status),
	})
}

type sellRequest struct {
	BuyerEmail string `json:"buyerEmail"`
}

// Sell активирует напечатанный сертификат, проданный на кассе.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req sellRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	inst, ok := h.resolveOwned(w, r, actor)
	if !ok {
		return
	}

	after, err := h.service.SellInStore(r.Context(), actor, inst.ID, req.BuyerEmail)
	if err != nil {
		h.writeError(w, err, "sell in store error", zap.String("instrument_id", inst.ID))
		return
	}

	writeJSON(w, http.StatusOK, toInstrumentResponse(after, after.Status))
}

type ledgerEntryResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balanceAfter"`
	Actor        string `json:"actor"`
	CreatedAt    string `json:"createdAt"`
}

// GetLedger возвращает журнал движения средств сертификата.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	inst, ok := h.resolveOwned(w, r, actor)
	if !ok {
		return
	}

	entries, err := h.service.Ledger(r.Context(), inst.ID)
	if err != nil {
		h.writeError(w, err, "get ledger error", zap.String("instrument_id", inst.ID))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:           e.ID,
			Type:         string(e.Type),
			Amount:       money(e.Amount),
			BalanceAfter: money(e.BalanceAfter),
			Actor:        e.Actor,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createInstrumentRequest struct {
	OfferID    int64           `json:"offerId"`
	Paid       bool            `json:"paid"`
	Value      decimal.Decimal `json:"value"`
	BuyerEmail string          `json:"buyerEmail"`
}

// CreateInstrument выпускает сертификат (печать или ручной выпуск оплаченного).
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req createInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OfferID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inst, err := h.service.CreateInstrument(r.Context(), actor, service.CreateParams{
		OfferID:    req.OfferID,
		Paid:       req.Paid,
		Value:      req.Value,
		BuyerEmail: req.BuyerEmail,
	})
	if err != nil {
		h.writeError(w, err, "create instrument error", zap.Int64("offer_id", req.OfferID))
		return
	}

	writeJSON(w, http.StatusCreated, toIssuedResponse(inst))
}

type activateRequest struct {
	BuyerEmail     string `json:"buyerEmail"`
	RecipientName  string `json:"recipientName"`
	RecipientEmail string `json:"recipientEmail"`
	Message        string `json:"message"`
}

func (req activateRequest) details() service.ActivationDetails {
	return service.ActivationDetails{
		BuyerEmail:     req.BuyerEmail,
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		Message:        req.Message,
	}
}

// Activate активирует неактивный сертификат.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req activateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	id := chi.URLParam(r, "id")
	inst, err := h.service.Activate(r.Context(), actor, id, req.details())
	if err != nil {
		h.writeError(w, err, "activate error", zap.String("instrument_id", id))
		return
	}

	writeJSON(w, http.StatusOK, toInstrumentResponse(inst, inst.Status))
}

// Transfer выдаёт сертификату новый токен получателя и код. Тело запроса
// необязательно и содержит данные получателя.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req activateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	id := chi.URLParam(r, "id")
	inst, err := h.service.TransferOwnership(r.Context(), actor, id, req.details())
	if err != nil {
		h.writeError(w, err, "transfer error", zap.String("instrument_id", id))
		return
	}

	writeJSON(w, http.StatusOK, toIssuedResponse(inst))
}

type adjustRequest struct {
	Balance *decimal.Decimal `json:"balance"`
}

// Adjust устанавливает остаток сертификата вручную.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Balance == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	inst, err := h.service.AdjustBalance(r.Context(), actor, id, *req.Balance)
	if err != nil {
		h.writeError(w, err, "adjust balance error", zap.String("instrument_id", id))
		return
	}

	writeJSON(w, http.StatusOK, toInstrumentResponse(inst, inst.Status))
}
