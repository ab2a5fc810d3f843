package model

import "github.com/shopspring/decimal"

// В хранилище суммы лежат в центах.

// ToCents переводит сумму в целое число центов с округлением до ближайшего.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromCents переводит центы в сумму.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Fee возвращает комиссию amount * rate% с округлением до цента.
func Fee(amount, ratePercent decimal.Decimal) decimal.Decimal {
	return amount.Mul(ratePercent).Div(decimal.NewFromInt(100)).Round(2)
}
