// Package model содержит доменные сущности движка подарочных сертификатов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentStatus описывает стадию жизненного цикла сертификата.
type InstrumentStatus string

const (
	InstrumentStatusInactive InstrumentStatus = "inactive"
	InstrumentStatusActive   InstrumentStatus = "active"
	InstrumentStatusRedeemed InstrumentStatus = "redeemed"
	InstrumentStatusExpired  InstrumentStatus = "expired"
)

// Instrument представляет подарочный сертификат с хранимым балансом.
type Instrument struct {
	ID             string
	HolderToken    string
	RecipientToken string
	Code           string
	OfferID        int64
	MerchantID     int64

	OriginalValue    decimal.Decimal
	RemainingBalance decimal.Decimal
	Status           InstrumentStatus
	Version          int64

	BuyerEmail     string
	RecipientName  string
	RecipientEmail string
	Message        string

	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	// TransferredAt отмечает передачу получателю или печать; повторная передача запрещена.
	TransferredAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveStatus возвращает статус с учётом истечения срока действия на момент now.
// Активный сертификат с ненулевым балансом после даты окончания считается истёкшим,
// даже если фоновая задача ещё не записала это в хранилище.
func (i *Instrument) EffectiveStatus(now time.Time) InstrumentStatus {
	if i.Status == InstrumentStatusActive &&
		i.ExpiresAt != nil &&
		i.RemainingBalance.IsPositive() &&
		!now.Before(*i.ExpiresAt) {
		return InstrumentStatusExpired
	}
	return i.Status
}

// LedgerEntryType описывает вид записи в журнале движения средств.
type LedgerEntryType string

const (
	LedgerEntryInitialCredit LedgerEntryType = "initial_credit"
	LedgerEntryRedemption    LedgerEntryType = "redemption"
	LedgerEntryCorrection    LedgerEntryType = "correction"
	LedgerEntryVoid          LedgerEntryType = "void"
)

// LedgerEntry описывает неизменяемую запись журнала. Amount хранит дельту со знаком.
type LedgerEntry struct {
	ID           string
	InstrumentID string
	MerchantID   int64
	Type         LedgerEntryType
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Actor        string
	CreatedAt    time.Time
}

// FeeStatus описывает состояние комиссии платформы по платежу.
type FeeStatus string

const (
	FeeStatusOpen            FeeStatus = "open"
	FeeStatusInvoiced        FeeStatus = "invoiced"
	FeeStatusWaived          FeeStatus = "waived"
	FeeStatusPaidViaProvider FeeStatus = "paid_via_provider"
	FeeStatusNotApplicable   FeeStatus = "not_applicable"
)

// PaymentStatus описывает итог платежа у провайдера.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentKind различает онлайн-покупку и продажу на кассе.
type PaymentKind string

const (
	PaymentKindOnline  PaymentKind = "online_purchase"
	PaymentKindInStore PaymentKind = "instore_purchase"
)

// FeeRecord фиксирует завершённую продажу и комиссию платформы с неё.
type FeeRecord struct {
	ID            string
	SessionID     string
	MerchantID    int64
	InstrumentID  string
	Kind          PaymentKind
	PaymentStatus PaymentStatus
	Amount        decimal.Decimal
	PlatformFee   decimal.Decimal
	NetAmount     decimal.Decimal
	FeeStatus     FeeStatus
	InvoiceID     *string
	CreatedAt     time.Time
}

// InvoiceStatus описывает состояние счёта на комиссию.
type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "draft"
	InvoiceStatusSynced InvoiceStatus = "synced"
	InvoiceStatusPaid   InvoiceStatus = "paid"
	InvoiceStatusVoid   InvoiceStatus = "void"
)

// Invoice агрегирует комиссии продавца за период.
type Invoice struct {
	ID           string
	Number       string
	MerchantID   int64
	TotalAmount  decimal.Decimal
	Status       InvoiceStatus
	FeeRecordIDs []string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	CreatedAt    time.Time
}

// Offer описывает программу, по которой выпускаются сертификаты.
type Offer struct {
	ID                 int64
	MerchantID         int64
	FaceValue          decimal.Decimal
	Price              decimal.Decimal
	ValidityWindowDays int
	CommissionRate     *decimal.Decimal
}

// Role задаёт уровень доступа вызывающей стороны.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleMerchant Role = "merchant"
	RoleSystem   Role = "system"
)

// Actor передаётся в каждую операцию движка явно вместо глобального контекста запроса.
type Actor struct {
	ID         string
	Role       Role
	MerchantID int64
}

// String возвращает идентификатор для записи в журнал.
func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID
}

// SystemActor используется фоновыми задачами и вебхуками.
func SystemActor(source string) Actor {
	return Actor{ID: source, Role: RoleSystem}
}

// EventType описывает вид уведомления.
type EventType string

const (
	EventReceipt          EventType = "receipt"
	EventGiftNotification EventType = "gift_notification"
)

// Event передаётся внешнему сервису уведомлений.
type Event struct {
	Type         EventType `json:"type"`
	InstrumentID string    `json:"instrument_id"`
	Recipient    string    `json:"recipient"`
}
