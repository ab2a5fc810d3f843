// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateSession возвращается при повторной записи платежа с тем же идентификатором сессии.
var (
	ErrDuplicateSession = errors.New("fee record for session already exists")
	// ErrDuplicateCode возвращается, если код погашения уже занят живым сертификатом.
	ErrDuplicateCode = errors.New("redemption code already in use")
	// ErrDuplicateToken возвращается при коллизии токена доступа.
	ErrDuplicateToken = errors.New("access token already in use")
	// ErrDuplicateInvoiceNumber возвращается при коллизии номера счёта.
	ErrDuplicateInvoiceNumber = errors.New("invoice number already exists")
)

// Fulfillment описывает атомарную запись сертификата вместе с платежом.
type Fulfillment struct {
	Instrument *model.Instrument
	// ExpectedVersion равна нулю для нового сертификата, иначе это версия,
	// прочитанная перед активацией существующего.
	ExpectedVersion int64
	Entry           *model.LedgerEntry
	Fee             *model.FeeRecord
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := isConnectionError(err)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}

		if !retryable || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// uniqueViolation возвращает имя нарушенного ограничения, если err означает нарушение уникальности.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func mapInstrumentInsertError(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	if constraint == "instruments_live_code_idx" {
		return ErrDuplicateCode
	}
	return ErrDuplicateToken
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const instrumentColumns = `id, holder_token, recipient_token, code, offer_id, merchant_id,
	original_value, remaining_balance, status, version,
	buyer_email, recipient_name, recipient_email, message,
	activated_at, expires_at, transferred_at, created_at, updated_at`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var (
		inst      model.Instrument
		original  int64
		remaining int64
		status    string
	)
	err := row.Scan(
		&inst.ID, &inst.HolderToken, &inst.RecipientToken, &inst.Code, &inst.OfferID, &inst.MerchantID,
		&original, &remaining, &status, &inst.Version,
		&inst.BuyerEmail, &inst.RecipientName, &inst.RecipientEmail, &inst.Message,
		&inst.ActivatedAt, &inst.ExpiresAt, &inst.TransferredAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.OriginalValue = model.FromCents(original)
	inst.RemainingBalance = model.FromCents(remaining)
	inst.Status = model.InstrumentStatus(status)
	return &inst, nil
}

func insertInstrument(ctx context.Context, tx pgx.Tx, inst *model.Instrument) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO instruments (`+instrumentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		inst.ID, inst.HolderToken, inst.RecipientToken, inst.Code, inst.OfferID, inst.MerchantID,
		model.ToCents(inst.OriginalValue), model.ToCents(inst.RemainingBalance), string(inst.Status), inst.Version,
		inst.BuyerEmail, inst.RecipientName, inst.RecipientEmail, inst.Message,
		inst.ActivatedAt, inst.ExpiresAt, inst.TransferredAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return mapInstrumentInsertError(err)
	}
	return nil
}

// updateInstrument выполняет условную запись: строка меняется, только если версия не сдвинулась.
func updateInstrument(ctx context.Context, tx pgx.Tx, inst *model.Instrument, expectedVersion int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE instruments SET
			recipient_token = $3, code = $4,
			original_value = $5, remaining_balance = $6, status = $7, version = $8,
			buyer_email = $9, recipient_name = $10, recipient_email = $11, message = $12,
			activated_at = $13, expires_at = $14, transferred_at = $15, updated_at = $16
		 WHERE id = $1 AND version = $2`,
		inst.ID, expectedVersion,
		inst.RecipientToken, inst.Code,
		model.ToCents(inst.OriginalValue), model.ToCents(inst.RemainingBalance), string(inst.Status), inst.Version,
		inst.BuyerEmail, inst.RecipientName, inst.RecipientEmail, inst.Message,
		inst.ActivatedAt, inst.ExpiresAt, inst.TransferredAt, inst.UpdatedAt,
	)
	if err != nil {
		return mapInstrumentInsertError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrConflict
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, instrument_id, merchant_id, entry_type, amount, balance_after, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.InstrumentID, e.MerchantID, string(e.Type),
		model.ToCents(e.Amount), model.ToCents(e.BalanceAfter), e.Actor, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func insertFeeRecord(ctx context.Context, tx pgx.Tx, f *model.FeeRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO fee_records (id, session_id, merchant_id, instrument_id, kind, payment_status,
			amount, platform_fee, net_amount, fee_status, invoice_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.SessionID, f.MerchantID, f.InstrumentID, string(f.Kind), string(f.PaymentStatus),
		model.ToCents(f.Amount), model.ToCents(f.PlatformFee), model.ToCents(f.NetAmount),
		string(f.FeeStatus), f.InvoiceID, f.CreatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "fee_records_session_idx" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert fee record: %w", err)
	}
	return nil
}

// CreateInstrument сохраняет новый сертификат и, если есть, его начальную запись журнала.
func (r *PostgresRepository) CreateInstrument(ctx context.Context, inst *model.Instrument, entry *model.LedgerEntry) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			if err := insertInstrument(ctx, tx, inst); err != nil {
				return err
			}
			if entry != nil {
				return insertLedgerEntry(ctx, tx, entry)
			}
			return nil
		})
	})
}

// UpdateInstrument применяет изменение сертификата при совпадении версии
// и в той же транзакции дописывает запись журнала.
func (r *PostgresRepository) UpdateInstrument(ctx context.Context, inst *model.Instrument, expectedVersion int64, entry *model.LedgerEntry) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			if err := updateInstrument(ctx, tx, inst, expectedVersion); err != nil {
				return err
			}
			if entry != nil {
				return insertLedgerEntry(ctx, tx, entry)
			}
			return nil
		})
	})
}

// GetInstrument возвращает сертификат по внутреннему идентификатору.
func (r *PostgresRepository) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(r.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	return inst, nil
}

// FindInstrument ищет сертификат по токену получателя или коду. Токен владельца
// на кассе не принимается. При совпадении кода предпочтение отдаётся живому сертификату.
func (r *PostgresRepository) FindInstrument(ctx context.Context, identifier string) (*model.Instrument, error) {
	inst, err := scanInstrument(r.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+`
		 FROM instruments
		 WHERE recipient_token = $1 OR code = $1
		 ORDER BY (status IN ('inactive', 'active')) DESC, created_at DESC
		 LIMIT 1`,
		identifier,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find instrument: %w", err)
	}
	return inst, nil
}

// ListExpiryCandidates возвращает активные сертификаты с положительным балансом и истёкшим сроком.
func (r *PostgresRepository) ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]model.Instrument, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+instrumentColumns+`
		 FROM instruments
		 WHERE status = 'active' AND remaining_balance > 0 AND expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expiry candidates: %w", err)
	}
	defer rows.Close()

	var res []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		res = append(res, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListLedger возвращает журнал сертификата в порядке записи.
func (r *PostgresRepository) ListLedger(ctx context.Context, instrumentID string) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, instrument_id, merchant_id, entry_type, amount, balance_after, actor, created_at
		 FROM ledger_entries
		 WHERE instrument_id = $1
		 ORDER BY created_at, seq`,
		instrumentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e            model.LedgerEntry
			entryType    string
			amount       int64
			balanceAfter int64
		)
		if err := rows.Scan(&e.ID, &e.InstrumentID, &e.MerchantID, &entryType, &amount, &balanceAfter, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = model.LedgerEntryType(entryType)
		e.Amount = model.FromCents(amount)
		e.BalanceAfter = model.FromCents(balanceAfter)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
