package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

const feeRecordColumns = `id, session_id, merchant_id, instrument_id, kind, payment_status,
	amount, platform_fee, net_amount, fee_status, invoice_id, created_at`

func scanFeeRecord(row pgx.Row) (*model.FeeRecord, error) {
	var (
		f             model.FeeRecord
		kind          string
		paymentStatus string
		feeStatus     string
		amount        int64
		fee           int64
		net           int64
	)
	err := row.Scan(&f.ID, &f.SessionID, &f.MerchantID, &f.InstrumentID, &kind, &paymentStatus,
		&amount, &fee, &net, &feeStatus, &f.InvoiceID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Kind = model.PaymentKind(kind)
	f.PaymentStatus = model.PaymentStatus(paymentStatus)
	f.FeeStatus = model.FeeStatus(feeStatus)
	f.Amount = model.FromCents(amount)
	f.PlatformFee = model.FromCents(fee)
	f.NetAmount = model.FromCents(net)
	return &f, nil
}

// GetFeeRecordBySession возвращает запись о платеже по идентификатору сессии провайдера.
func (r *PostgresRepository) GetFeeRecordBySession(ctx context.Context, sessionID string) (*model.FeeRecord, error) {
	f, err := scanFeeRecord(r.pool.QueryRow(ctx,
		`SELECT `+feeRecordColumns+` FROM fee_records WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get fee record: %w", err)
	}
	return f, nil
}

// Fulfill в одной транзакции создаёт или активирует сертификат, пишет запись журнала
// и запись о платеже. Нарушение уникальности сессии откатывает всё целиком.
func (r *PostgresRepository) Fulfill(ctx context.Context, f Fulfillment) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var err error
			if f.ExpectedVersion == 0 {
				err = insertInstrument(ctx, tx, f.Instrument)
			} else {
				err = updateInstrument(ctx, tx, f.Instrument, f.ExpectedVersion)
			}
			if err != nil {
				return err
			}
			if f.Entry != nil {
				if err := insertLedgerEntry(ctx, tx, f.Entry); err != nil {
					return err
				}
			}
			return insertFeeRecord(ctx, tx, f.Fee)
		})
	})
}

// ListOpenFeeRecords возвращает неоплаченные комиссии продавца по успешным платежам.
func (r *PostgresRepository) ListOpenFeeRecords(ctx context.Context, merchantID int64) ([]model.FeeRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+feeRecordColumns+`
		 FROM fee_records
		 WHERE merchant_id = $1 AND fee_status = $2 AND payment_status = $3
		 ORDER BY created_at
		 LIMIT 1000`,
		merchantID, string(model.FeeStatusOpen), string(model.PaymentStatusSucceeded),
	)
	if err != nil {
		return nil, fmt.Errorf("select open fee records: %w", err)
	}
	defer rows.Close()

	var res []model.FeeRecord
	for rows.Next() {
		f, err := scanFeeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fee record: %w", err)
		}
		res = append(res, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListMerchantsWithOpenFees возвращает продавцов, по которым есть что выставить.
func (r *PostgresRepository) ListMerchantsWithOpenFees(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT merchant_id
		 FROM fee_records
		 WHERE fee_status = $1 AND payment_status = $2
		 ORDER BY merchant_id`,
		string(model.FeeStatusOpen), string(model.PaymentStatusSucceeded),
	)
	if err != nil {
		return nil, fmt.Errorf("select merchants: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect merchants: %w", err)
	}
	return ids, nil
}

// CreateInvoice создаёт счёт и в той же транзакции помечает включённые в него
// комиссии как выставленные. Если хотя бы одна из них уже забрана другим
// прогоном, транзакция откатывается с model.ErrConflict.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx,
				`INSERT INTO invoices (id, number, merchant_id, total_amount, status, fee_record_ids, period_start, period_end, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				inv.ID, inv.Number, inv.MerchantID, model.ToCents(inv.TotalAmount), string(inv.Status),
				inv.FeeRecordIDs, inv.PeriodStart, inv.PeriodEnd, inv.CreatedAt,
			)
			if err != nil {
				if constraint, ok := uniqueViolation(err); ok && constraint == "invoices_number_idx" {
					return ErrDuplicateInvoiceNumber
				}
				return fmt.Errorf("insert invoice: %w", err)
			}

			tag, err := tx.Exec(ctx,
				`UPDATE fee_records SET fee_status = $1, invoice_id = $2
				 WHERE id = ANY($3) AND merchant_id = $4 AND fee_status = $5`,
				string(model.FeeStatusInvoiced), inv.ID, inv.FeeRecordIDs, inv.MerchantID, string(model.FeeStatusOpen),
			)
			if err != nil {
				return fmt.Errorf("claim fee records: %w", err)
			}
			if tag.RowsAffected() != int64(len(inv.FeeRecordIDs)) {
				return model.ErrConflict
			}
			return nil
		})
	})
}

// ListInvoices возвращает счета продавца, новые первыми.
func (r *PostgresRepository) ListInvoices(ctx context.Context, merchantID int64) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, merchant_id, total_amount, status, fee_record_ids, period_start, period_end, created_at
		 FROM invoices
		 WHERE merchant_id = $1
		 ORDER BY created_at DESC`,
		merchantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		var (
			inv    model.Invoice
			total  int64
			status string
		)
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.MerchantID, &total, &status, &inv.FeeRecordIDs,
			&inv.PeriodStart, &inv.PeriodEnd, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		inv.TotalAmount = model.FromCents(total)
		inv.Status = model.InvoiceStatus(status)
		res = append(res, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetOffer возвращает параметры программы из локальной таблицы offers.
func (r *PostgresRepository) GetOffer(ctx context.Context, id int64) (*model.Offer, error) {
	var (
		o          model.Offer
		faceValue  int64
		price      int64
		commission *int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, merchant_id, face_value, price, validity_window_days, commission_rate_bp
		 FROM offers WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.MerchantID, &faceValue, &price, &o.ValidityWindowDays, &commission)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	o.FaceValue = model.FromCents(faceValue)
	o.Price = model.FromCents(price)
	if commission != nil {
		rate := model.FromCents(*commission)
		o.CommissionRate = &rate
	}
	return &o, nil
}
