package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/lifecycle"
	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/repository"
	"github.com/mmeshcher/giftcard-ledger/internal/validation"
)

// PaymentNotification описывает подтверждение успешной оплаты от платёжного провайдера.
type PaymentNotification struct {
	SessionID  string
	OfferID    int64
	BuyerEmail string
	AmountPaid decimal.Decimal
	// FeeAmount хранит комиссию платформы, уже удержанную провайдером.
	FeeAmount decimal.Decimal
	Gift      ActivationDetails
	// ExistingToken указывает на ранее напечатанный сертификат, который нужно
	// активировать вместо выпуска нового.
	ExistingToken string
}

// FulfillmentResult содержит сертификат, связанный с сессией оплаты.
type FulfillmentResult struct {
	Instrument *model.Instrument
	// Duplicate означает, что сессия уже была обработана раньше.
	Duplicate bool
}

const webhookActor = "payment-webhook"

func (n PaymentNotification) validate() error {
	switch {
	case strings.TrimSpace(n.SessionID) == "":
		return fmt.Errorf("%w: session id is required", model.ErrInvalidPayment)
	case n.OfferID <= 0:
		return fmt.Errorf("%w: offer id is required", model.ErrInvalidPayment)
	case n.AmountPaid.IsNegative() || n.FeeAmount.IsNegative():
		return fmt.Errorf("%w: negative amount", model.ErrInvalidPayment)
	}
	return nil
}

// FulfillPayment выпускает (или активирует) сертификат по оплаченной сессии.
// Повторная доставка той же сессии не создаёт второй сертификат: возвращается
// уже связанный с ней. Сертификат, запись журнала и запись о платеже пишутся
// одной транзакцией.
func (s *Service) FulfillPayment(ctx context.Context, n PaymentNotification) (*FulfillmentResult, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	if res, err := s.existingFulfillment(ctx, n.SessionID); err == nil {
		s.logger.Info("payment session already fulfilled", zap.String("session_id", n.SessionID))
		return res, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	offer, err := s.offers.GetOffer(ctx, n.OfferID)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}

	actor := model.SystemActor(webhookActor)
	fee := &model.FeeRecord{
		ID:            uuid.NewString(),
		SessionID:     n.SessionID,
		MerchantID:    offer.MerchantID,
		Kind:          model.PaymentKindOnline,
		PaymentStatus: model.PaymentStatusSucceeded,
		Amount:        n.AmountPaid,
		PlatformFee:   n.FeeAmount,
		NetAmount:     n.AmountPaid.Sub(n.FeeAmount),
		FeeStatus:     model.FeeStatusPaidViaProvider,
	}

	var inst *model.Instrument
	if n.ExistingToken != "" {
		inst, err = s.fulfillExisting(ctx, n, offer, actor, fee)
	} else {
		inst, err = s.fulfillNew(ctx, n, offer, actor, fee)
	}
	if lostFulfillmentRace(err) {
		res, lookupErr := s.existingFulfillment(ctx, n.SessionID)
		switch {
		case lookupErr == nil:
			s.logger.Info("payment session fulfilled concurrently", zap.String("session_id", n.SessionID))
			return res, nil
		case errors.Is(err, repository.ErrDuplicateSession) || !errors.Is(lookupErr, model.ErrNotFound):
			return nil, fmt.Errorf("load fulfilled session: %w", lookupErr)
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment fulfilled",
		zap.String("session_id", n.SessionID),
		zap.String("instrument_id", inst.ID),
		zap.Int64("merchant_id", inst.MerchantID))

	s.notify(ctx, model.Event{Type: model.EventReceipt, InstrumentID: inst.ID, Recipient: inst.BuyerEmail})
	s.notify(ctx, model.Event{Type: model.EventGiftNotification, InstrumentID: inst.ID, Recipient: inst.RecipientEmail})

	return &FulfillmentResult{Instrument: inst}, nil
}

// lostFulfillmentRace сообщает, что ошибка могла возникнуть из-за параллельной
// доставки той же сессии: сессия уже записана, либо напечатанный сертификат
// успели активировать.
func lostFulfillmentRace(err error) bool {
	return errors.Is(err, repository.ErrDuplicateSession) ||
		errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, model.ErrConflict)
}

func (s *Service) existingFulfillment(ctx context.Context, sessionID string) (*FulfillmentResult, error) {
	fee, err := s.repo.GetFeeRecordBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	inst, err := s.repo.GetInstrument(ctx, fee.InstrumentID)
	if err != nil {
		return nil, err
	}
	return &FulfillmentResult{Instrument: inst, Duplicate: true}, nil
}

func (s *Service) fulfillNew(ctx context.Context, n PaymentNotification, offer *model.Offer, actor model.Actor, fee *model.FeeRecord) (*model.Instrument, error) {
	for attempt := 1; attempt <= s.opts.CodeRetryBudget; attempt++ {
		proposed, err := s.newInstrument(offer, offer.FaceValue, model.InstrumentStatusActive)
		if err != nil {
			return nil, err
		}
		proposed.BuyerEmail = n.BuyerEmail
		n.Gift.applyTo(&proposed)

		inst, entry, err := lifecycle.Apply(lifecycle.Change{
			After: proposed,
			Offer: *offer,
			Actor: actor,
			Now:   s.now(),
		})
		if err != nil {
			return nil, err
		}

		fee.InstrumentID = inst.ID
		fee.CreatedAt = inst.CreatedAt

		err = s.repo.Fulfill(ctx, repository.Fulfillment{Instrument: &inst, Entry: entry, Fee: fee})
		if isUniquenessCollision(err) {
			s.logger.Debug("redemption code collision", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return &inst, nil
	}

	return nil, fmt.Errorf("%w after %d attempts", model.ErrCodeGenerationExhausted, s.opts.CodeRetryBudget)
}

// fulfillExisting активирует напечатанный заранее сертификат той же программы.
func (s *Service) fulfillExisting(ctx context.Context, n PaymentNotification, offer *model.Offer, actor model.Actor, fee *model.FeeRecord) (*model.Instrument, error) {
	identifier, ok := validation.NormalizeIdentifier(n.ExistingToken)
	if !ok {
		return nil, fmt.Errorf("find existing instrument: %w", model.ErrNotFound)
	}
	current, err := s.repo.FindInstrument(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("find existing instrument: %w", err)
	}
	if current.OfferID != offer.ID {
		return nil, fmt.Errorf("%w: instrument belongs to another offer", model.ErrInvalidPayment)
	}
	if current.Status != model.InstrumentStatusInactive {
		return nil, &model.TransitionError{From: current.Status, To: model.InstrumentStatusActive}
	}

	proposed := *current
	proposed.Status = model.InstrumentStatusActive
	proposed.OriginalValue = offer.FaceValue
	if n.BuyerEmail != "" {
		proposed.BuyerEmail = n.BuyerEmail
	}
	n.Gift.applyTo(&proposed)

	inst, entry, err := lifecycle.Apply(lifecycle.Change{
		Before: current,
		After:  proposed,
		Offer:  *offer,
		Actor:  actor,
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	fee.InstrumentID = inst.ID
	fee.CreatedAt = inst.UpdatedAt

	if err := s.repo.Fulfill(ctx, repository.Fulfillment{
		Instrument:      &inst,
		ExpectedVersion: current.Version,
		Entry:           entry,
		Fee:             fee,
	}); err != nil {
		return nil, err
	}
	return &inst, nil
}

// SellInStore активирует неактивный сертификат, проданный на кассе продавца.
// Комиссия платформы с такой продажи остаётся открытой до выставления счёта.
func (s *Service) SellInStore(ctx context.Context, actor model.Actor, id string, buyerEmail string) (*model.Instrument, error) {
	current, err := s.repo.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != model.InstrumentStatusInactive {
		return nil, &model.TransitionError{From: current.Status, To: model.InstrumentStatusActive}
	}

	offer, err := s.offers.GetOffer(ctx, current.OfferID)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}

	proposed := *current
	proposed.Status = model.InstrumentStatusActive
	proposed.OriginalValue = offer.FaceValue
	if buyerEmail != "" {
		proposed.BuyerEmail = buyerEmail
	}

	inst, entry, err := lifecycle.Apply(lifecycle.Change{
		Before: current,
		After:  proposed,
		Offer:  *offer,
		Actor:  actor,
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	platformFee := model.Fee(inst.OriginalValue, s.commissionRate(offer))
	fee := &model.FeeRecord{
		ID:            uuid.NewString(),
		SessionID:     "instore:" + inst.ID,
		MerchantID:    inst.MerchantID,
		InstrumentID:  inst.ID,
		Kind:          model.PaymentKindInStore,
		PaymentStatus: model.PaymentStatusSucceeded,
		Amount:        inst.OriginalValue,
		PlatformFee:   platformFee,
		NetAmount:     inst.OriginalValue.Sub(platformFee),
		FeeStatus:     model.FeeStatusOpen,
		CreatedAt:     inst.UpdatedAt,
	}

	err = s.repo.Fulfill(ctx, repository.Fulfillment{
		Instrument:      &inst,
		ExpectedVersion: current.Version,
		Entry:           entry,
		Fee:             fee,
	})
	if errors.Is(err, repository.ErrDuplicateSession) {
		return nil, &model.TransitionError{From: model.InstrumentStatusActive, To: model.InstrumentStatusActive}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("instrument sold in store",
		zap.String("instrument_id", inst.ID),
		zap.String("platform_fee", platformFee.StringFixed(2)),
		zap.String("actor", actor.String()))

	s.notify(ctx, model.Event{Type: model.EventReceipt, InstrumentID: inst.ID, Recipient: inst.BuyerEmail})
	return &inst, nil
}
