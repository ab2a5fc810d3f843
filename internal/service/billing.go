package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/repository"
)

const invoiceNumberAttempts = 3

// RunBilling собирает открытые комиссии продавца в один счёт.
//
// Возвращает nil без ошибки, если выставлять нечего или если параллельный
// прогон уже забрал часть комиссий: каждая запись попадает не более чем в один счёт.
func (s *Service) RunBilling(ctx context.Context, merchantID int64) (*model.Invoice, error) {
	records, err := s.repo.ListOpenFeeRecords(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list open fee records: %w", err)
	}
	if len(records) == 0 {
		s.logger.Debug("no open fee records", zap.Int64("merchant_id", merchantID))
		return nil, nil
	}

	total := decimal.Zero
	ids := make([]string, 0, len(records))
	periodStart := records[0].CreatedAt
	for _, r := range records {
		total = total.Add(r.PlatformFee)
		ids = append(ids, r.ID)
		if r.CreatedAt.Before(periodStart) {
			periodStart = r.CreatedAt
		}
	}
	if !total.IsPositive() {
		s.logger.Debug("open fees sum to zero", zap.Int64("merchant_id", merchantID))
		return nil, nil
	}

	now := s.now()
	for attempt := 1; attempt <= invoiceNumberAttempts; attempt++ {
		number, err := newInvoiceNumber(now)
		if err != nil {
			return nil, err
		}

		inv := &model.Invoice{
			ID:           uuid.NewString(),
			Number:       number,
			MerchantID:   merchantID,
			TotalAmount:  total,
			Status:       model.InvoiceStatusDraft,
			FeeRecordIDs: ids,
			PeriodStart:  periodStart,
			PeriodEnd:    now,
			CreatedAt:    now,
		}

		err = s.repo.CreateInvoice(ctx, inv)
		switch {
		case err == nil:
			s.logger.Info("invoice created",
				zap.Int64("merchant_id", merchantID),
				zap.String("number", inv.Number),
				zap.String("total", total.StringFixed(2)),
				zap.Int("fee_records", len(ids)))
			return inv, nil
		case errors.Is(err, repository.ErrDuplicateInvoiceNumber):
			continue
		case errors.Is(err, model.ErrConflict):
			s.logger.Info("fee records claimed by a concurrent billing run", zap.Int64("merchant_id", merchantID))
			return nil, nil
		default:
			return nil, fmt.Errorf("create invoice: %w", err)
		}
	}

	return nil, fmt.Errorf("create invoice: %w", repository.ErrDuplicateInvoiceNumber)
}

// RunBillingForAll выставляет счета всем продавцам с открытыми комиссиями.
// Ошибка по одному продавцу не останавливает остальных.
func (s *Service) RunBillingForAll(ctx context.Context) ([]model.Invoice, error) {
	merchants, err := s.repo.ListMerchantsWithOpenFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}

	var (
		invoices []model.Invoice
		errs     []error
	)
	for _, merchantID := range merchants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		inv, err := s.RunBilling(ctx, merchantID)
		if err != nil {
			s.logger.Error("billing run failed", zap.Int64("merchant_id", merchantID), zap.Error(err))
			errs = append(errs, fmt.Errorf("merchant %d: %w", merchantID, err))
			continue
		}
		if inv != nil {
			invoices = append(invoices, *inv)
		}
	}
	return invoices, errors.Join(errs...)
}

// ListInvoices возвращает счета продавца.
func (s *Service) ListInvoices(ctx context.Context, merchantID int64) ([]model.Invoice, error) {
	return s.repo.ListInvoices(ctx, merchantID)
}
