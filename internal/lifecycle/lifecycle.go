// Package lifecycle реализует конечный автомат статусов сертификата.
//
// Каждое изменение сертификата проходит через Apply: фиксированная цепочка
// чистых шагов строит частичные патчи, они накладываются на предложенное
// состояние, после чего проверяются допустимость перехода и инварианты
// баланса, а из разницы до/после выводится запись журнала.
package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// Change описывает одно изменение сертификата.
type Change struct {
	// Before равен nil при создании.
	Before *model.Instrument
	After  model.Instrument
	Offer  model.Offer
	Actor  model.Actor
	Now    time.Time
}

// Patch описывает частичное обновление, возвращаемое шагом цепочки.
type Patch struct {
	Status           *model.InstrumentStatus
	OriginalValue    *decimal.Decimal
	RemainingBalance *decimal.Decimal
	ActivatedAt      *time.Time
	ExpiresAt        *time.Time
}

func (p Patch) applyTo(inst model.Instrument) model.Instrument {
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.OriginalValue != nil {
		inst.OriginalValue = *p.OriginalValue
	}
	if p.RemainingBalance != nil {
		inst.RemainingBalance = *p.RemainingBalance
	}
	if p.ActivatedAt != nil {
		inst.ActivatedAt = p.ActivatedAt
	}
	if p.ExpiresAt != nil {
		inst.ExpiresAt = p.ExpiresAt
	}
	return inst
}

// Step вычисляет патч по текущему состоянию изменения.
type Step func(c Change) Patch

var pipeline = []Step{
	populateFromOffer,
	initializeBalance,
	stampActivation,
	computeExpiry,
	resolveExhaustion,
}

// Apply прогоняет изменение через цепочку шагов и возвращает итоговое состояние
// с увеличенной версией и запись журнала (nil, если баланс не менялся).
func Apply(c Change) (model.Instrument, *model.LedgerEntry, error) {
	for _, step := range pipeline {
		c.After = step(c).applyTo(c.After)
	}

	if err := validate(c); err != nil {
		return model.Instrument{}, nil, err
	}

	after := c.After
	after.UpdatedAt = c.Now
	if c.Before == nil {
		after.Version = 1
		after.CreatedAt = c.Now
	} else {
		after.Version = c.Before.Version + 1
		after.CreatedAt = c.Before.CreatedAt
	}

	return after, EntryFor(c.Before, &after, c.Actor, c.Now), nil
}

func activating(c Change) bool {
	if c.After.Status != model.InstrumentStatusActive {
		return false
	}
	return c.Before == nil || c.Before.Status == model.InstrumentStatusInactive
}

func populateFromOffer(c Change) Patch {
	var p Patch
	if c.After.OriginalValue.IsZero() && c.Offer.FaceValue.IsPositive() {
		v := c.Offer.FaceValue
		p.OriginalValue = &v
	}
	return p
}

func initializeBalance(c Change) Patch {
	if !activating(c) {
		return Patch{}
	}
	v := c.After.OriginalValue
	if !v.IsPositive() && c.Offer.FaceValue.IsPositive() {
		v = c.Offer.FaceValue
	}
	return Patch{RemainingBalance: &v}
}

func stampActivation(c Change) Patch {
	if !activating(c) || c.After.ActivatedAt != nil {
		return Patch{}
	}
	now := c.Now
	return Patch{ActivatedAt: &now}
}

func computeExpiry(c Change) Patch {
	if !activating(c) || c.After.ExpiresAt != nil || c.Offer.ValidityWindowDays <= 0 {
		return Patch{}
	}
	start := c.Now
	if c.After.ActivatedAt != nil {
		start = *c.After.ActivatedAt
	}
	expiry := start.AddDate(0, 0, c.Offer.ValidityWindowDays)
	return Patch{ExpiresAt: &expiry}
}

func resolveExhaustion(c Change) Patch {
	if c.Before == nil || c.Before.Status != model.InstrumentStatusActive {
		return Patch{}
	}
	if c.After.Status != model.InstrumentStatusActive || !c.After.RemainingBalance.IsZero() {
		return Patch{}
	}
	s := model.InstrumentStatusRedeemed
	return Patch{Status: &s}
}
