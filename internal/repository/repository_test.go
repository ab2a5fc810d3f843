package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// store описывает общий контракт хранилищ для одних и тех же тестов.
type store interface {
	CreateInstrument(ctx context.Context, inst *model.Instrument, entry *model.LedgerEntry) error
	UpdateInstrument(ctx context.Context, inst *model.Instrument, expectedVersion int64, entry *model.LedgerEntry) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	FindInstrument(ctx context.Context, identifier string) (*model.Instrument, error)
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]model.Instrument, error)
	ListLedger(ctx context.Context, instrumentID string) ([]model.LedgerEntry, error)
	GetFeeRecordBySession(ctx context.Context, sessionID string) (*model.FeeRecord, error)
	Fulfill(ctx context.Context, f Fulfillment) error
	ListOpenFeeRecords(ctx context.Context, merchantID int64) ([]model.FeeRecord, error)
	ListMerchantsWithOpenFees(ctx context.Context) ([]int64, error)
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	ListInvoices(ctx context.Context, merchantID int64) ([]model.Invoice, error)
}

var (
	merchantSeq   int64
	merchantSeqMu sync.Mutex
)

// nextMerchant выдаёт идентификатор продавца, не пересекающийся с данными прошлых прогонов.
func nextMerchant() int64 {
	merchantSeqMu.Lock()
	defer merchantSeqMu.Unlock()
	if merchantSeq == 0 {
		merchantSeq = time.Now().UnixNano() % 1_000_000_000 * 10
	}
	merchantSeq++
	return merchantSeq
}

func uniqueCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:4] + "-" + raw[4:8]
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newActive(merchantID int64, balance string) (*model.Instrument, *model.LedgerEntry) {
	value := decimal.RequireFromString(balance)
	activated := baseTime
	expires := baseTime.Add(30 * 24 * time.Hour)
	inst := &model.Instrument{
		ID:               uuid.NewString(),
		HolderToken:      uuid.NewString(),
		RecipientToken:   uuid.NewString(),
		Code:             uniqueCode(),
		OfferID:          1,
		MerchantID:       merchantID,
		OriginalValue:    value,
		RemainingBalance: value,
		Status:           model.InstrumentStatusActive,
		Version:          1,
		ActivatedAt:      &activated,
		ExpiresAt:        &expires,
		CreatedAt:        baseTime,
		UpdatedAt:        baseTime,
	}
	entry := &model.LedgerEntry{
		ID:           uuid.NewString(),
		InstrumentID: inst.ID,
		MerchantID:   merchantID,
		Type:         model.LedgerEntryInitialCredit,
		Amount:       value,
		BalanceAfter: value,
		Actor:        "admin:test",
		CreatedAt:    baseTime,
	}
	return inst, entry
}

func openFeeFor(inst *model.Instrument, fee string) *model.FeeRecord {
	return &model.FeeRecord{
		ID:            uuid.NewString(),
		SessionID:     "cs_" + uuid.NewString(),
		MerchantID:    inst.MerchantID,
		InstrumentID:  inst.ID,
		Kind:          model.PaymentKindInStore,
		PaymentStatus: model.PaymentStatusSucceeded,
		Amount:        inst.OriginalValue,
		PlatformFee:   decimal.RequireFromString(fee),
		NetAmount:     inst.OriginalValue.Sub(decimal.RequireFromString(fee)),
		FeeStatus:     model.FeeStatusOpen,
		CreatedAt:     baseTime,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) store) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := newStore(t)
		inst, entry := newActive(nextMerchant(), "50.00")
		require.NoError(t, s.CreateInstrument(ctx, inst, entry))

		for _, ident := range []string{inst.Code, inst.RecipientToken} {
			found, err := s.FindInstrument(ctx, ident)
			require.NoError(t, err, ident)
			assert.Equal(t, inst.ID, found.ID)
			assert.True(t, found.RemainingBalance.Equal(decimal.RequireFromString("50")))
		}

		// токен владельца остаётся у покупателя и на кассе не ищется
		_, err := s.FindInstrument(ctx, inst.HolderToken)
		assert.ErrorIs(t, err, model.ErrNotFound)

		got, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, model.InstrumentStatusActive, got.Status)
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(*inst.ExpiresAt))

		entries, err := s.ListLedger(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, model.LedgerEntryInitialCredit, entries[0].Type)

		_, err = s.GetInstrument(ctx, uuid.NewString())
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.FindInstrument(ctx, "ZZZZ-0000")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("transfer marker persisted", func(t *testing.T) {
		s := newStore(t)
		inst, entry := newActive(nextMerchant(), "25.00")
		require.NoError(t, s.CreateInstrument(ctx, inst, entry))

		got, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.Nil(t, got.TransferredAt)

		transferred := baseTime.Add(time.Hour)
		moved := *inst
		moved.RecipientToken = uuid.NewString()
		moved.Code = uniqueCode()
		moved.TransferredAt = &transferred
		moved.Version = 2
		moved.UpdatedAt = transferred
		require.NoError(t, s.UpdateInstrument(ctx, &moved, 1, nil))

		got, err = s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, got.TransferredAt)
		assert.True(t, got.TransferredAt.Equal(transferred))

		_, err = s.FindInstrument(ctx, inst.RecipientToken)
		assert.ErrorIs(t, err, model.ErrNotFound)
		found, err := s.FindInstrument(ctx, moved.RecipientToken)
		require.NoError(t, err)
		assert.Equal(t, inst.ID, found.ID)
	})

	t.Run("uniqueness", func(t *testing.T) {
		s := newStore(t)
		merchant := nextMerchant()
		first, entry := newActive(merchant, "10")
		require.NoError(t, s.CreateInstrument(ctx, first, entry))

		sameCode, _ := newActive(merchant, "10")
		sameCode.Code = first.Code
		assert.ErrorIs(t, s.CreateInstrument(ctx, sameCode, nil), ErrDuplicateCode)

		sameToken, _ := newActive(merchant, "10")
		sameToken.HolderToken = first.HolderToken
		assert.ErrorIs(t, s.CreateInstrument(ctx, sameToken, nil), ErrDuplicateToken)
	})

	t.Run("code reusable after redemption", func(t *testing.T) {
		s := newStore(t)
		merchant := nextMerchant()
		first, entry := newActive(merchant, "10")
		require.NoError(t, s.CreateInstrument(ctx, first, entry))

		spent := *first
		spent.RemainingBalance = decimal.Zero
		spent.Status = model.InstrumentStatusRedeemed
		spent.Version = 2
		require.NoError(t, s.UpdateInstrument(ctx, &spent, 1, nil))

		again, _ := newActive(merchant, "20")
		again.Code = first.Code
		again.CreatedAt = baseTime.Add(time.Minute)
		require.NoError(t, s.CreateInstrument(ctx, again, nil))

		found, err := s.FindInstrument(ctx, first.Code)
		require.NoError(t, err)
		assert.Equal(t, again.ID, found.ID)
	})

	t.Run("conditional update", func(t *testing.T) {
		s := newStore(t)
		inst, entry := newActive(nextMerchant(), "50")
		require.NoError(t, s.CreateInstrument(ctx, inst, entry))

		next := *inst
		next.RemainingBalance = decimal.RequireFromString("30")
		next.Version = 2
		redemption := &model.LedgerEntry{
			ID: uuid.NewString(), InstrumentID: inst.ID, MerchantID: inst.MerchantID,
			Type: model.LedgerEntryRedemption, Amount: decimal.RequireFromString("-20"),
			BalanceAfter: next.RemainingBalance, Actor: "merchant:c", CreatedAt: baseTime.Add(time.Second),
		}
		require.NoError(t, s.UpdateInstrument(ctx, &next, 1, redemption))

		stale := *inst
		stale.RemainingBalance = decimal.RequireFromString("40")
		stale.Version = 2
		assert.ErrorIs(t, s.UpdateInstrument(ctx, &stale, 1, nil), model.ErrConflict)

		got, err := s.GetInstrument(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, got.RemainingBalance.Equal(decimal.RequireFromString("30")))
		assert.Equal(t, int64(2), got.Version)

		entries, err := s.ListLedger(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, model.LedgerEntryRedemption, entries[1].Type)
		assert.True(t, entries[1].BalanceAfter.Equal(got.RemainingBalance))
	})

	t.Run("fulfill is unique per session", func(t *testing.T) {
		s := newStore(t)
		inst, entry := newActive(nextMerchant(), "25")
		fee := openFeeFor(inst, "1.25")
		fee.Kind = model.PaymentKindOnline
		fee.FeeStatus = model.FeeStatusPaidViaProvider

		require.NoError(t, s.Fulfill(ctx, Fulfillment{Instrument: inst, Entry: entry, Fee: fee}))

		other, otherEntry := newActive(inst.MerchantID, "25")
		dup := *fee
		dup.ID = uuid.NewString()
		dup.InstrumentID = other.ID
		assert.ErrorIs(t, s.Fulfill(ctx, Fulfillment{Instrument: other, Entry: otherEntry, Fee: &dup}), ErrDuplicateSession)

		// откат целиком: второй сертификат не сохранён
		_, err := s.GetInstrument(ctx, other.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)

		got, err := s.GetFeeRecordBySession(ctx, fee.SessionID)
		require.NoError(t, err)
		assert.Equal(t, inst.ID, got.InstrumentID)
		assert.True(t, got.PlatformFee.Equal(decimal.RequireFromString("1.25")))

		open, err := s.ListOpenFeeRecords(ctx, inst.MerchantID)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("invoice claims fee records once", func(t *testing.T) {
		s := newStore(t)
		merchant := nextMerchant()

		var ids []string
		for _, fee := range []string{"2.00", "3.00"} {
			inst, entry := newActive(merchant, "40")
			f := openFeeFor(inst, fee)
			require.NoError(t, s.Fulfill(ctx, Fulfillment{Instrument: inst, Entry: entry, Fee: f}))
			ids = append(ids, f.ID)
		}

		merchants, err := s.ListMerchantsWithOpenFees(ctx)
		require.NoError(t, err)
		assert.Contains(t, merchants, merchant)

		open, err := s.ListOpenFeeRecords(ctx, merchant)
		require.NoError(t, err)
		require.Len(t, open, 2)

		inv := &model.Invoice{
			ID: uuid.NewString(), Number: fmt.Sprintf("INV-2026-%d-A", merchant), MerchantID: merchant,
			TotalAmount: decimal.RequireFromString("5.00"), Status: model.InvoiceStatusDraft,
			FeeRecordIDs: ids, PeriodStart: baseTime, PeriodEnd: baseTime.Add(time.Hour), CreatedAt: baseTime.Add(time.Hour),
		}
		require.NoError(t, s.CreateInvoice(ctx, inv))

		second := *inv
		second.ID = uuid.NewString()
		second.Number = fmt.Sprintf("INV-2026-%d-B", merchant)
		assert.ErrorIs(t, s.CreateInvoice(ctx, &second), model.ErrConflict)

		sameNumber := *inv
		sameNumber.ID = uuid.NewString()
		assert.ErrorIs(t, s.CreateInvoice(ctx, &sameNumber), ErrDuplicateInvoiceNumber)

		open, err = s.ListOpenFeeRecords(ctx, merchant)
		require.NoError(t, err)
		assert.Empty(t, open)

		invoices, err := s.ListInvoices(ctx, merchant)
		require.NoError(t, err)
		require.Len(t, invoices, 1)
		assert.True(t, invoices[0].TotalAmount.Equal(decimal.RequireFromString("5")))
		assert.ElementsMatch(t, ids, invoices[0].FeeRecordIDs)
	})

	t.Run("expiry candidates", func(t *testing.T) {
		s := newStore(t)
		merchant := nextMerchant()

		overdue, entry := newActive(merchant, "10")
		past := baseTime.Add(-time.Hour)
		overdue.ExpiresAt = &past
		require.NoError(t, s.CreateInstrument(ctx, overdue, entry))

		fresh, freshEntry := newActive(merchant, "10")
		require.NoError(t, s.CreateInstrument(ctx, fresh, freshEntry))

		candidates, err := s.ListExpiryCandidates(ctx, baseTime, 1000)
		require.NoError(t, err)

		var ids []string
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}
		assert.Contains(t, ids, overdue.ID)
		assert.NotContains(t, ids, fresh.ID)
	})
}

func TestMemoryRepository(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store {
		return NewMemoryRepository()
	})
}

func TestMemoryRepository_Offers(t *testing.T) {
	m := NewMemoryRepository()
	rate := decimal.RequireFromString("3.5")
	m.PutOffer(model.Offer{ID: 4, MerchantID: 2, FaceValue: decimal.NewFromInt(25), CommissionRate: &rate})

	o, err := m.GetOffer(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.MerchantID)
	require.NotNil(t, o.CommissionRate)
	assert.True(t, o.CommissionRate.Equal(rate))

	_, err = m.GetOffer(context.Background(), 5)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func openTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}
	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPostgresRepository(t *testing.T) {
	repo := openTestPostgres(t)
	runStoreContract(t, func(t *testing.T) store {
		return repo
	})
}

func TestPostgresRepository_LedgerIsAppendOnly(t *testing.T) {
	repo := openTestPostgres(t)
	ctx := context.Background()

	inst, entry := newActive(nextMerchant(), "10")
	require.NoError(t, repo.CreateInstrument(ctx, inst, entry))

	_, err := repo.pool.Exec(ctx, `UPDATE ledger_entries SET amount = 0 WHERE id = $1`, entry.ID)
	assert.Error(t, err)

	_, err = repo.pool.Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1`, entry.ID)
	assert.Error(t, err)
}

func TestPostgresRepository_Offers(t *testing.T) {
	repo := openTestPostgres(t)
	ctx := context.Background()

	var id int64
	err := repo.pool.QueryRow(ctx,
		`INSERT INTO offers (merchant_id, face_value, price, validity_window_days, commission_rate_bp)
		 VALUES ($1, 5000, 4500, 30, 350) RETURNING id`, nextMerchant()).Scan(&id)
	require.NoError(t, err)

	o, err := repo.GetOffer(ctx, id)
	require.NoError(t, err)
	assert.True(t, o.FaceValue.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, 30, o.ValidityWindowDays)
	require.NotNil(t, o.CommissionRate)
	assert.True(t, o.CommissionRate.Equal(decimal.RequireFromString("3.5")))

	_, err = repo.GetOffer(ctx, -1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
