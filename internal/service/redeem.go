package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/lifecycle"
	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// Redeem списывает amount с активного сертификата одной попыткой.
//
// Состояние читается один раз, и запись проходит только если версия не
// изменилась с момента чтения. При проигрыше гонки возвращается
// model.ErrConflict, повтор с перечитыванием остаётся за вызывающим.
func (s *Service) Redeem(ctx context.Context, actor model.Actor, id string, amount decimal.Decimal) (*model.Instrument, error) {
	inst, err := s.repo.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.redeemSnapshot(ctx, actor, inst, amount)
}

// redeemSnapshot списывает amount с уже прочитанного состояния inst; запись
// проходит только при неизменной версии этого состояния.
func (s *Service) redeemSnapshot(ctx context.Context, actor model.Actor, inst *model.Instrument, amount decimal.Decimal) (*model.Instrument, error) {
	if err := checkRedeemable(inst, amount, s.now()); err != nil {
		return nil, err
	}

	proposed := *inst
	proposed.RemainingBalance = inst.RemainingBalance.Sub(amount)

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

	s.logger.Info("instrument redeemed",
		zap.String("instrument_id", after.ID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", after.RemainingBalance.StringFixed(2)),
		zap.String("actor", actor.String()))
	return &after, nil
}

// RedeemWithRetry повторяет списание при конфликте версий не более attempts раз.
// Каждая попытка читает сертификат один раз: check и списание видят одно и то же
// состояние.
func (s *Service) RedeemWithRetry(ctx context.Context, actor model.Actor, id string, amount decimal.Decimal, attempts int, check func(*model.Instrument) error) (*model.Instrument, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		inst, err := s.repo.GetInstrument(ctx, id)
		if err != nil {
			return nil, err
		}
		if check != nil {
			if err := check(inst); err != nil {
				return nil, err
			}
		}

		after, err := s.redeemSnapshot(ctx, actor, inst, amount)
		if !model.IsRetryable(err) {
			return after, err
		}
		lastErr = err
		s.logger.Debug("redeem conflict, retrying", zap.String("instrument_id", id), zap.Int("attempt", i+1))
	}
	return nil, lastErr
}

func checkRedeemable(inst *model.Instrument, amount decimal.Decimal, now time.Time) error {
	if inst.EffectiveStatus(now) != model.InstrumentStatusActive {
		return model.ErrNotRedeemable
	}
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return model.ErrInvalidAmount
	}
	if amount.GreaterThan(inst.RemainingBalance) {
		return &model.InsufficientBalanceError{Available: inst.RemainingBalance, Requested: amount}
	}
	return nil
}
