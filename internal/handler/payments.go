package handler

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/service"
)

type paymentMetadata struct {
	RecipientName  string `json:"recipientName"`
	RecipientEmail string `json:"recipientEmail"`
	Message        string `json:"message"`
	ExistingToken  string `json:"existingToken"`
}

type paymentWebhookRequest struct {
	SessionID     string          `json:"sessionId"`
	PaymentStatus string          `json:"paymentStatus"`
	OfferID       int64           `json:"offerId"`
	BuyerEmail    string          `json:"buyerEmail"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	FeeAmount     decimal.Decimal `json:"feeAmount"`
	Metadata      paymentMetadata `json:"metadata"`
}

type paymentWebhookResponse struct {
	Received     bool   `json:"received"`
	InstrumentID string `json:"instrumentId,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// PaymentWebhook принимает подтверждение оплаты от провайдера. Подпись
// проверяется middleware до вызова обработчика.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// незавершённые платежи подтверждаем, чтобы провайдер не слал их повторно
	if req.PaymentStatus != "" && model.PaymentStatus(req.PaymentStatus) != model.PaymentStatusSucceeded {
		h.logger.Info("ignoring unpaid session",
			zap.String("session_id", req.SessionID),
			zap.String("payment_status", req.PaymentStatus))
		writeJSON(w, http.StatusOK, paymentWebhookResponse{Received: true})
		return
	}

	res, err := h.service.FulfillPayment(r.Context(), service.PaymentNotification{
		SessionID:  req.SessionID,
		OfferID:    req.OfferID,
		BuyerEmail: req.BuyerEmail,
		AmountPaid: req.AmountPaid,
		FeeAmount:  req.FeeAmount,
		Gift: service.ActivationDetails{
			RecipientName:  req.Metadata.RecipientName,
			RecipientEmail: req.Metadata.RecipientEmail,
			Message:        req.Metadata.Message,
		},
		ExistingToken: req.Metadata.ExistingToken,
	})
	if err != nil {
		h.writeError(w, err, "fulfill payment error", zap.String("session_id", req.SessionID))
		return
	}

	writeJSON(w, http.StatusOK, paymentWebhookResponse{
		Received:     true,
		InstrumentID: res.Instrument.ID,
		Duplicate:    res.Duplicate,
	})
}
