package lifecycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

var allowed = map[model.InstrumentStatus][]model.InstrumentStatus{
	"":                             {model.InstrumentStatusInactive, model.InstrumentStatusActive},
	model.InstrumentStatusInactive: {model.InstrumentStatusInactive, model.InstrumentStatusActive},
	model.InstrumentStatusActive:   {model.InstrumentStatusActive, model.InstrumentStatusRedeemed, model.InstrumentStatusExpired},
	model.InstrumentStatusRedeemed: {model.InstrumentStatusRedeemed},
	model.InstrumentStatusExpired:  {model.InstrumentStatusExpired},
}

// CanTransition сообщает, допустим ли переход from -> to. Пустой from означает создание.
func CanTransition(from, to model.InstrumentStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validate(c Change) error {
	var from model.InstrumentStatus
	if c.Before != nil {
		from = c.Before.Status
	}
	to := c.After.Status

	if !CanTransition(from, to) {
		return &model.TransitionError{From: from, To: to}
	}

	after := c.After
	if after.OriginalValue.IsNegative() || after.RemainingBalance.IsNegative() {
		return model.ErrInvalidAmount
	}
	if after.RemainingBalance.GreaterThan(after.OriginalValue) {
		return model.ErrInvalidAmount
	}
	if to == model.InstrumentStatusActive && !after.RemainingBalance.IsPositive() {
		return model.ErrInvalidAmount
	}

	// Баланс меняется только у активного сертификата либо при активации.
	if c.Before != nil && !activating(c) && c.Before.Status != model.InstrumentStatusActive {
		if !c.Before.RemainingBalance.Equal(after.RemainingBalance) {
			return &model.TransitionError{From: from, To: to}
		}
	}
	if to == model.InstrumentStatusExpired && from == model.InstrumentStatusActive {
		if !c.Before.RemainingBalance.Equal(after.RemainingBalance) {
			return &model.TransitionError{From: from, To: to}
		}
	}

	return nil
}

// EntryFor выводит запись журнала из состояний до и после изменения.
//
// Тип записи для уже активного сертификата определяется только знаком дельты:
// уменьшение даёт redemption, увеличение даёт correction. Административное уменьшение
// баланса от погашения не отличается.
func EntryFor(before, after *model.Instrument, actor model.Actor, now time.Time) *model.LedgerEntry {
	if after == nil {
		return nil
	}

	becameActive := after.Status == model.InstrumentStatusActive &&
		(before == nil || before.Status == model.InstrumentStatusInactive)

	if becameActive {
		if !after.RemainingBalance.IsPositive() {
			return nil
		}
		return newEntry(after, model.LedgerEntryInitialCredit, after.RemainingBalance, actor, now)
	}

	if before == nil || before.Status != model.InstrumentStatusActive {
		return nil
	}

	delta := after.RemainingBalance.Sub(before.RemainingBalance)
	if delta.IsZero() {
		return nil
	}

	entryType := model.LedgerEntryCorrection
	if delta.IsNegative() {
		entryType = model.LedgerEntryRedemption
	}

	return newEntry(after, entryType, delta, actor, now)
}

func newEntry(inst *model.Instrument, t model.LedgerEntryType, amount decimal.Decimal, actor model.Actor, now time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:           uuid.NewString(),
		InstrumentID: inst.ID,
		MerchantID:   inst.MerchantID,
		Type:         t,
		Amount:       amount,
		BalanceAfter: inst.RemainingBalance,
		Actor:        actor.String(),
		CreatedAt:    now,
	}
}
