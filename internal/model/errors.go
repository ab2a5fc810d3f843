package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound возвращается, если идентификатор не указывает ни на один объект.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition возвращается при недопустимой смене статуса.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientBalance возвращается, если сумма списания превышает остаток.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount возвращается для нулевых и отрицательных сумм.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrNotRedeemable возвращается, если сертификат не активен.
	ErrNotRedeemable = errors.New("instrument is not redeemable")
	// ErrConflict возвращается при проигрыше гонки за версию записи.
	ErrConflict = errors.New("concurrent modification, re-read and retry")
	// ErrCodeGenerationExhausted возвращается, если не удалось подобрать уникальный код.
	ErrCodeGenerationExhausted = errors.New("redemption code generation exhausted")
	// ErrForbidden возвращается, если сертификат принадлежит другому продавцу.
	ErrForbidden = errors.New("instrument belongs to another merchant")
	// ErrInvalidPayment возвращается для неполного уведомления об оплате.
	ErrInvalidPayment = errors.New("invalid payment notification")
)

// TransitionError уточняет, какой переход был отклонён.
type TransitionError struct {
	From InstrumentStatus
	To   InstrumentStatus
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("invalid status transition: (none) -> %s", e.To)
	}
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// InsufficientBalanceError содержит остаток и запрошенную сумму.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsRetryable сообщает, имеет ли смысл перечитать состояние и повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
