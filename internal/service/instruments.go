package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/lifecycle"
	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/validation"
)

// CreateParams задаёт параметры выпуска сертификата.
type CreateParams struct {
	OfferID int64
	// Paid означает, что сертификат оплачен и выпускается сразу активным.
	Paid bool
	// Value переопределяет номинал программы, если не равен нулю.
	Value      decimal.Decimal
	BuyerEmail string
}

// ActivationDetails содержит необязательные данные, сохраняемые при активации.
type ActivationDetails struct {
	BuyerEmail     string
	RecipientName  string
	RecipientEmail string
	Message        string
}

func (d ActivationDetails) applyTo(inst *model.Instrument) {
	if d.BuyerEmail != "" {
		inst.BuyerEmail = d.BuyerEmail
	}
	if d.RecipientName != "" {
		inst.RecipientName = d.RecipientName
	}
	if d.RecipientEmail != "" {
		inst.RecipientEmail = d.RecipientEmail
	}
	if d.Message != "" {
		inst.Message = d.Message
	}
}

// ScanAction подсказывает кассе следующее действие с отсканированным сертификатом.
type ScanAction string

const (
	ScanActionActivate ScanAction = "activate"
	ScanActionUse      ScanAction = "use"
	ScanActionNone     ScanAction = "none"
)

// ScanResult описывает состояние сертификата для кассы.
type ScanResult struct {
	Instrument *model.Instrument
	Status     model.InstrumentStatus
	Action     ScanAction
}

// newInstrument собирает неподписанный сертификат со свежими токенами и кодом.
func (s *Service) newInstrument(offer *model.Offer, value decimal.Decimal, status model.InstrumentStatus) (model.Instrument, error) {
	code, err := s.newCode()
	if err != nil {
		return model.Instrument{}, err
	}
	return model.Instrument{
		ID:             uuid.NewString(),
		HolderToken:    uuid.NewString(),
		RecipientToken: uuid.NewString(),
		Code:           code,
		OfferID:        offer.ID,
		MerchantID:     offer.MerchantID,
		OriginalValue:  value,
		Status:         status,
	}, nil
}

// CreateInstrument выпускает новый сертификат. Неоплаченный сертификат создаётся
// неактивным с нулевым балансом, оплаченный сразу активируется на номинал.
func (s *Service) CreateInstrument(ctx context.Context, actor model.Actor, p CreateParams) (*model.Instrument, error) {
	offer, err := s.offers.GetOffer(ctx, p.OfferID)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}

	value := p.Value
	if value.IsZero() {
		value = offer.FaceValue
	}
	if !value.IsPositive() || !value.Equal(value.Round(2)) {
		return nil, model.ErrInvalidAmount
	}

	status := model.InstrumentStatusInactive
	if p.Paid {
		status = model.InstrumentStatusActive
	}

	for attempt := 1; attempt <= s.opts.CodeRetryBudget; attempt++ {
		proposed, err := s.newInstrument(offer, value, status)
		if err != nil {
			return nil, err
		}
		proposed.BuyerEmail = p.BuyerEmail

		inst, entry, err := lifecycle.Apply(lifecycle.Change{
			After: proposed,
			Offer: *offer,
			Actor: actor,
			Now:   s.now(),
		})
		if err != nil {
			return nil, err
		}

		err = s.repo.CreateInstrument(ctx, &inst, entry)
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

// GetInstrument возвращает сертификат по внутреннему идентификатору.
func (s *Service) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return s.repo.GetInstrument(ctx, id)
}

// Resolve находит сертификат по токену получателя или коду.
func (s *Service) Resolve(ctx context.Context, identifier string) (*model.Instrument, error) {
	normalized, ok := validation.NormalizeIdentifier(identifier)
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.repo.FindInstrument(ctx, normalized)
}

// Scan возвращает состояние сертификата с учётом истечения срока и подсказку для кассы.
func (s *Service) Scan(ctx context.Context, identifier string) (*ScanResult, error) {
	inst, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{Instrument: inst, Status: inst.EffectiveStatus(s.now())}
	switch res.Status {
	case model.InstrumentStatusInactive:
		res.Action = ScanActionActivate
	case model.InstrumentStatusActive:
		res.Action = ScanActionUse
	default:
		res.Action = ScanActionNone
	}
	return res, nil
}

// Activate переводит неактивный сертификат в активный: баланс становится равен
// номиналу программы, отмечается время активации и вычисляется срок действия.
func (s *Service) Activate(ctx context.Context, actor model.Actor, id string, details ActivationDetails) (*model.Instrument, error) {
	inst, err := s.repo.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != model.InstrumentStatusInactive {
		return nil, &model.TransitionError{From: inst.Status, To: model.InstrumentStatusActive}
	}

	offer, err := s.offers.GetOffer(ctx, inst.OfferID)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}

	proposed := *inst
	proposed.Status = model.InstrumentStatusActive
	proposed.OriginalValue = offer.FaceValue
	details.applyTo(&proposed)

	after, entry, err := lifecycle.Apply(lifecycle.Change{
		Before: inst,
		After:  proposed,
		Offer:  *offer,
		Actor:  actor,
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateInstrument(ctx, &after, inst.Version, entry); err != nil {
		return nil, err
	}

	s.logger.Info("instrument activated",
		zap.String("instrument_id", after.ID),
		zap.String("actor", actor.String()))
	return &after, nil
}

// TransferOwnership передаёт сертификат получателю: выдаёт новый токен получателя
// и новый код, так что прежние перестают работать, и сохраняет данные получателя.
// Передать сертификат можно один раз. Баланс и журнал не меняются.
func (s *Service) TransferOwnership(ctx context.Context, actor model.Actor, id string, details ActivationDetails) (*model.Instrument, error) {
	for attempt := 1; attempt <= s.opts.CodeRetryBudget; attempt++ {
		inst, err := s.repo.GetInstrument(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status != model.InstrumentStatusInactive && inst.Status != model.InstrumentStatusActive {
			return nil, &model.TransitionError{From: inst.Status, To: inst.Status}
		}
		if inst.TransferredAt != nil {
			return nil, fmt.Errorf("already transferred at %s: %w",
				inst.TransferredAt.UTC().Format(time.RFC3339),
				&model.TransitionError{From: inst.Status, To: inst.Status})
		}

		code, err := s.newCode()
		if err != nil {
			return nil, err
		}
		now := s.now()
		proposed := *inst
		proposed.RecipientToken = uuid.NewString()
		proposed.Code = code
		proposed.TransferredAt = &now
		details.applyTo(&proposed)

		after, entry, err := lifecycle.Apply(lifecycle.Change{
			Before: inst,
			After:  proposed,
			Actor:  actor,
			Now:    now,
		})
		if err != nil {
			return nil, err
		}

		err = s.repo.UpdateInstrument(ctx, &after, inst.Version, entry)
		if isUniquenessCollision(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("instrument ownership transferred",
			zap.String("instrument_id", after.ID),
			zap.String("actor", actor.String()))

		s.notify(ctx, model.Event{Type: model.EventGiftNotification, InstrumentID: after.ID, Recipient: after.RecipientEmail})
		return &after, nil
	}

	return nil, fmt.Errorf("%w after %d attempts", model.ErrCodeGenerationExhausted, s.opts.CodeRetryBudget)
}

// AdjustBalance устанавливает остаток активного сертификата вручную.
// Запись журнала выводится из разницы, нулевой остаток погашает сертификат.
func (s *Service) AdjustBalance(ctx context.Context, actor model.Actor, id string, balance decimal.Decimal) (*model.Instrument, error) {
	if balance.IsNegative() || !balance.Equal(balance.Round(2)) {
		return nil, model.ErrInvalidAmount
	}

	inst, err := s.repo.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.EffectiveStatus(s.now()) != model.InstrumentStatusActive {
		return nil, model.ErrNotRedeemable
	}

	proposed := *inst
	proposed.RemainingBalance = balance

	after, entry, err := lifecycle.Apply(lifecycle.Change{
		Before: inst,
		After:  proposed,
		Actor:  actor,
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateInstrument(ctx, &after, inst.Version, entry); err != nil {
		return nil, err
	}

	s.logger.Info("balance adjusted",
		zap.String("instrument_id", after.ID),
		zap.String("balance", after.RemainingBalance.StringFixed(2)),
		zap.String("actor", actor.String()))
	return &after, nil
}

// Ledger возвращает журнал движения средств сертификата.
func (s *Service) Ledger(ctx context.Context, id string) ([]model.LedgerEntry, error) {
	if _, err := s.repo.GetInstrument(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	return s.repo.ListLedger(ctx, id)
}
