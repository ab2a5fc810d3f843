package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
	"github.com/mmeshcher/giftcard-ledger/internal/repository"
)

func openFee(merchantID int64, fee string, createdAt time.Time) model.FeeRecord {
	return model.FeeRecord{
		ID:            uuid.NewString(),
		SessionID:     "instore:" + uuid.NewString(),
		MerchantID:    merchantID,
		InstrumentID:  uuid.NewString(),
		Kind:          model.PaymentKindInStore,
		PaymentStatus: model.PaymentStatusSucceeded,
		Amount:        dec("50"),
		PlatformFee:   dec(fee),
		NetAmount:     dec("50").Sub(dec(fee)),
		FeeStatus:     model.FeeStatusOpen,
		CreatedAt:     createdAt,
	}
}

func TestRunBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, fee := range []string{"2.00", "3.00", "1.50"} {
		require.NoError(t, f.repo.PutFeeRecord(openFee(testMerchantID, fee, testNow.Add(-time.Duration(3-i)*time.Hour))))
	}
	other := openFee(testMerchantID+1, "9.99", testNow)
	require.NoError(t, f.repo.PutFeeRecord(other))
	paid := openFee(testMerchantID, "4.00", testNow)
	paid.FeeStatus = model.FeeStatusPaidViaProvider
	require.NoError(t, f.repo.PutFeeRecord(paid))

	inv, err := f.svc.RunBilling(ctx, testMerchantID)
	require.NoError(t, err)
	require.NotNil(t, inv)

	assert.Equal(t, "6.50", inv.TotalAmount.StringFixed(2))
	assert.Len(t, inv.FeeRecordIDs, 3)
	assert.Equal(t, model.InvoiceStatusDraft, inv.Status)
	assert.True(t, inv.PeriodStart.Equal(testNow.Add(-3*time.Hour)))
	assert.Regexp(t, regexp.MustCompile(`^INV-2026-\d+-[0-9A-F]{8}$`), inv.Number)

	again, err := f.svc.RunBilling(ctx, testMerchantID)
	require.NoError(t, err)
	assert.Nil(t, again)

	open, err := f.repo.ListOpenFeeRecords(ctx, testMerchantID+1)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	invoices, err := f.svc.ListInvoices(ctx, testMerchantID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, inv.ID, invoices[0].ID)
}

func TestRunBilling_NothingToInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.RunBilling(ctx, testMerchantID)
	require.NoError(t, err)
	assert.Nil(t, inv)

	require.NoError(t, f.repo.PutFeeRecord(openFee(testMerchantID, "0.00", testNow)))
	inv, err = f.svc.RunBilling(ctx, testMerchantID)
	require.NoError(t, err)
	assert.Nil(t, inv)
}

// claimedRepo имитирует параллельный прогон, успевший забрать комиссии первым.
type claimedRepo struct {
	*repository.MemoryRepository
}

func (c *claimedRepo) CreateInvoice(context.Context, *model.Invoice) error {
	return model.ErrConflict
}

func TestRunBilling_ConcurrentClaim(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.PutFeeRecord(openFee(testMerchantID, "2.00", testNow)))

	svc := NewService(&claimedRepo{MemoryRepository: f.repo}, f.repo, nil, zap.NewNop(), DefaultOptions())

	inv, err := svc.RunBilling(context.Background(), testMerchantID)
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestRunBillingForAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.PutFeeRecord(openFee(1, "1.00", testNow)))
	require.NoError(t, f.repo.PutFeeRecord(openFee(2, "2.00", testNow)))
	require.NoError(t, f.repo.PutFeeRecord(openFee(2, "0.25", testNow)))

	invoices, err := f.svc.RunBillingForAll(ctx)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, int64(1), invoices[0].MerchantID)
	assert.Equal(t, "2.25", invoices[1].TotalAmount.StringFixed(2))

	merchants, err := f.repo.ListMerchantsWithOpenFees(ctx)
	require.NoError(t, err)
	assert.Empty(t, merchants)
}

func TestSellInStoreThenBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		printed, err := f.svc.CreateInstrument(ctx, adminActor, CreateParams{OfferID: testOfferID})
		require.NoError(t, err)
		_, err = f.svc.SellInStore(ctx, merchantActor, printed.ID, "")
		require.NoError(t, err)
	}

	inv, err := f.svc.RunBilling(ctx, testMerchantID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "5.00", inv.TotalAmount.StringFixed(2))
}
