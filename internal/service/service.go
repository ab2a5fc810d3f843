// Package service реализует движок баланса подарочных сертификатов: выпуск,
// активацию, списание, выполнение оплат и выставление счетов на комиссию.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateInstrument(ctx context.Context, inst *model.Instrument, entry *model.LedgerEntry) error
	UpdateInstrument(ctx context.Context, inst *model.Instrument, expectedVersion int64, entry *model.LedgerEntry) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	FindInstrument(ctx context.Context, identifier string) (*model.Instrument, error)
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]model.Instrument, error)
	ListLedger(ctx context.Context, instrumentID string) ([]model.LedgerEntry, error)
	GetFeeRecordBySession(ctx context.Context, sessionID string) (*model.FeeRecord, error)
	Fulfill(ctx context.Context, f repository.Fulfillment) error
	ListOpenFeeRecords(ctx context.Context, merchantID int64) ([]model.FeeRecord, error)
	ListMerchantsWithOpenFees(ctx context.Context) ([]int64, error)
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	ListInvoices(ctx context.Context, merchantID int64) ([]model.Invoice, error)
}

// OfferCatalog отдаёт параметры программы сертификатов.
type OfferCatalog interface {
	GetOffer(ctx context.Context, id int64) (*model.Offer, error)
}

// Notifier доставляет уведомления покупателю и получателю.
type Notifier interface {
	Notify(ctx context.Context, event model.Event) error
}

// Options задаёт настраиваемые параметры движка.
type Options struct {
	// CodeRetryBudget ограничивает число попыток подобрать свободный код.
	CodeRetryBudget int
	// DefaultCommissionRate в процентах, если у программы своя ставка не задана.
	DefaultCommissionRate decimal.Decimal
	// ExpiryBatchSize ограничивает размер одного прохода по просроченным сертификатам.
	ExpiryBatchSize int
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		CodeRetryBudget:       5,
		DefaultCommissionRate: decimal.NewFromInt(5),
		ExpiryBatchSize:       500,
	}
}

// Service содержит бизнес-логику движка сертификатов.
type Service struct {
	repo     Repository
	offers   OfferCatalog
	notifier Notifier
	logger   *zap.Logger
	opts     Options

	now     func() time.Time
	newCode func() (string, error)
}

// NewService создаёт сервис. notifier может быть nil, тогда уведомления не отправляются.
func NewService(repo Repository, offers OfferCatalog, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CodeRetryBudget <= 0 {
		opts.CodeRetryBudget = DefaultOptions().CodeRetryBudget
	}
	if opts.ExpiryBatchSize <= 0 {
		opts.ExpiryBatchSize = DefaultOptions().ExpiryBatchSize
	}
	return &Service{
		repo:     repo,
		offers:   offers,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newCode:  generateCode,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) commissionRate(offer *model.Offer) decimal.Decimal {
	if offer.CommissionRate != nil {
		return *offer.CommissionRate
	}
	return s.opts.DefaultCommissionRate
}

// notify отправляет уведомление; ошибка доставки только пишется в журнал.
func (s *Service) notify(ctx context.Context, event model.Event) {
	if s.notifier == nil || event.Recipient == "" {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("notification failed",
			zap.String("type", string(event.Type)),
			zap.String("instrument_id", event.InstrumentID),
			zap.Error(err))
	}
}

func isUniquenessCollision(err error) bool {
	return errors.Is(err, repository.ErrDuplicateCode) || errors.Is(err, repository.ErrDuplicateToken)
}
