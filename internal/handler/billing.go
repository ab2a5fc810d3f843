package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

type invoiceResponse struct {
	ID           string   `json:"id"`
	Number       string   `json:"number"`
	MerchantID   int64    `json:"merchantId"`
	TotalAmount  string   `json:"totalAmount"`
	Status       string   `json:"status"`
	FeeRecordIDs []string `json:"feeRecordIds"`
	PeriodStart  string   `json:"periodStart"`
	PeriodEnd    string   `json:"periodEnd"`
	CreatedAt    string   `json:"createdAt"`
}

func toInvoiceResponse(inv *model.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:           inv.ID,
		Number:       inv.Number,
		MerchantID:   inv.MerchantID,
		TotalAmount:  money(inv.TotalAmount),
		Status:       string(inv.Status),
		FeeRecordIDs: inv.FeeRecordIDs,
		PeriodStart:  inv.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:    inv.PeriodEnd.UTC().Format(time.RFC3339),
		CreatedAt:    inv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// merchantParam читает merchantId из строки запроса; 0 означает, что параметр не задан.
func merchantParam(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("merchantId")
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type billingRequest struct {
	MerchantID int64 `json:"merchantId"`
	All        bool  `json:"all"`
}

// billingTarget читает цель выставления счетов из тела запроса, а при пустом теле
// из строки запроса. Нужно указать ровно одно: merchantId или all.
func billingTarget(r *http.Request) (billingRequest, bool) {
	var req billingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, false
		}
	}
	if req.MerchantID == 0 && !req.All {
		id, ok := merchantParam(r)
		if !ok {
			return req, false
		}
		req.MerchantID = id
		req.All = r.URL.Query().Get("all") == "true"
	}
	if req.MerchantID < 0 || (req.MerchantID > 0) == req.All {
		return req, false
	}
	return req, true
}

// RunBilling выставляет счёт одному продавцу или, при all=true, всем продавцам
// с открытыми комиссиями.
func (h *Handler) RunBilling(w http.ResponseWriter, r *http.Request) {
	target, ok := billingTarget(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if target.All {
		invoices, err := h.service.RunBillingForAll(r.Context())
		if err != nil {
			h.logger.Error("billing run finished with errors", zap.Int("invoices", len(invoices)), zap.Error(err))
		}
		if len(invoices) == 0 {
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		resp := make([]invoiceResponse, 0, len(invoices))
		for i := range invoices {
			resp = append(resp, toInvoiceResponse(&invoices[i]))
		}
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	merchantID := target.MerchantID
	inv, err := h.service.RunBilling(r.Context(), merchantID)
	if err != nil {
		h.writeError(w, err, "billing run error", zap.Int64("merchant_id", merchantID))
		return
	}
	if inv == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

// ListInvoices возвращает счета продавца. Продавец видит только свои счета.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	merchantID, ok := merchantParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if actor.Role == model.RoleMerchant {
		if merchantID != 0 && merchantID != actor.MerchantID {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		merchantID = actor.MerchantID
	}
	if merchantID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	invoices, err := h.service.ListInvoices(r.Context(), merchantID)
	if err != nil {
		h.writeError(w, err, "list invoices error", zap.Int64("merchant_id", merchantID))
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toInvoiceResponse(&invoices[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}
