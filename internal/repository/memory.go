package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Ограничения уникальности
// и условная запись по версии ведут себя так же, как в PostgreSQL.
type MemoryRepository struct {
	mu sync.RWMutex

	instruments map[string]model.Instrument
	ledger      map[string][]model.LedgerEntry
	fees        map[string]model.FeeRecord
	feeOrder    []string
	invoices    map[string]model.Invoice
	offers      map[int64]model.Offer
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instruments: make(map[string]model.Instrument),
		ledger:      make(map[string][]model.LedgerEntry),
		fees:        make(map[string]model.FeeRecord),
		invoices:    make(map[string]model.Invoice),
		offers:      make(map[int64]model.Offer),
	}
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// PutOffer регистрирует программу.
func (m *MemoryRepository) PutOffer(o model.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
}

// PutFeeRecord добавляет запись о платеже в обход сценариев оплаты.
func (m *MemoryRepository) PutFeeRecord(f model.FeeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertFeeLocked(&f)
}

func isLive(s model.InstrumentStatus) bool {
	return s == model.InstrumentStatusInactive || s == model.InstrumentStatusActive
}

func (m *MemoryRepository) checkUniqueLocked(inst *model.Instrument) error {
	for id, other := range m.instruments {
		if id == inst.ID {
			continue
		}
		if other.HolderToken == inst.HolderToken || other.RecipientToken == inst.RecipientToken ||
			other.HolderToken == inst.RecipientToken || other.RecipientToken == inst.HolderToken {
			return ErrDuplicateToken
		}
		if isLive(inst.Status) && isLive(other.Status) && other.Code == inst.Code {
			return ErrDuplicateCode
		}
	}
	return nil
}

func (m *MemoryRepository) insertInstrumentLocked(inst *model.Instrument) error {
	if _, exists := m.instruments[inst.ID]; exists {
		return ErrDuplicateToken
	}
	if err := m.checkUniqueLocked(inst); err != nil {
		return err
	}
	m.instruments[inst.ID] = *inst
	return nil
}

func (m *MemoryRepository) checkUpdateLocked(inst *model.Instrument, expectedVersion int64) error {
	current, ok := m.instruments[inst.ID]
	if !ok || current.Version != expectedVersion {
		return model.ErrConflict
	}
	return m.checkUniqueLocked(inst)
}

func (m *MemoryRepository) appendLocked(e *model.LedgerEntry) {
	if e == nil {
		return
	}
	m.ledger[e.InstrumentID] = append(m.ledger[e.InstrumentID], *e)
}

func (m *MemoryRepository) insertFeeLocked(f *model.FeeRecord) error {
	for _, other := range m.fees {
		if other.SessionID == f.SessionID {
			return ErrDuplicateSession
		}
	}
	m.fees[f.ID] = *f
	m.feeOrder = append(m.feeOrder, f.ID)
	return nil
}

// CreateInstrument сохраняет новый сертификат и его начальную запись журнала.
func (m *MemoryRepository) CreateInstrument(_ context.Context, inst *model.Instrument, entry *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.insertInstrumentLocked(inst); err != nil {
		return err
	}
	m.appendLocked(entry)
	return nil
}

// UpdateInstrument применяет изменение при совпадении версии.
func (m *MemoryRepository) UpdateInstrument(_ context.Context, inst *model.Instrument, expectedVersion int64, entry *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUpdateLocked(inst, expectedVersion); err != nil {
		return err
	}
	m.instruments[inst.ID] = *inst
	m.appendLocked(entry)
	return nil
}

// GetInstrument возвращает сертификат по идентификатору.
func (m *MemoryRepository) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instruments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &inst, nil
}

// FindInstrument ищет сертификат по токену получателя или коду. Токен владельца
// на кассе не принимается.
func (m *MemoryRepository) FindInstrument(_ context.Context, identifier string) (*model.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *model.Instrument
	for _, inst := range m.instruments {
		if inst.RecipientToken != identifier && inst.Code != identifier {
			continue
		}
		candidate := inst
		if found == nil ||
			(isLive(candidate.Status) && !isLive(found.Status)) ||
			(isLive(candidate.Status) == isLive(found.Status) && candidate.CreatedAt.After(found.CreatedAt)) {
			found = &candidate
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	return found, nil
}

// ListExpiryCandidates возвращает просроченные активные сертификаты.
func (m *MemoryRepository) ListExpiryCandidates(_ context.Context, now time.Time, limit int) ([]model.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Instrument
	for _, inst := range m.instruments {
		if inst.Status == model.InstrumentStatusActive && inst.RemainingBalance.IsPositive() &&
			inst.ExpiresAt != nil && !inst.ExpiresAt.After(now) {
			res = append(res, inst)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ExpiresAt.Before(*res[j].ExpiresAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListLedger возвращает журнал сертификата в порядке записи.
func (m *MemoryRepository) ListLedger(_ context.Context, instrumentID string) ([]model.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.ledger[instrumentID]
	res := make([]model.LedgerEntry, len(entries))
	copy(res, entries)
	return res, nil
}

// GetFeeRecordBySession возвращает запись о платеже по сессии.
func (m *MemoryRepository) GetFeeRecordBySession(_ context.Context, sessionID string) (*model.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.fees {
		if f.SessionID == sessionID {
			return &f, nil
		}
	}
	return nil, model.ErrNotFound
}

// Fulfill атомарно записывает сертификат, журнал и платёж.
func (m *MemoryRepository) Fulfill(_ context.Context, f Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.fees {
		if other.SessionID == f.Fee.SessionID {
			return ErrDuplicateSession
		}
	}

	if f.ExpectedVersion == 0 {
		if _, exists := m.instruments[f.Instrument.ID]; exists {
			return ErrDuplicateToken
		}
		if err := m.checkUniqueLocked(f.Instrument); err != nil {
			return err
		}
	} else if err := m.checkUpdateLocked(f.Instrument, f.ExpectedVersion); err != nil {
		return err
	}

	m.instruments[f.Instrument.ID] = *f.Instrument
	m.appendLocked(f.Entry)
	return m.insertFeeLocked(f.Fee)
}

// ListOpenFeeRecords возвращает открытые комиссии продавца по успешным платежам.
func (m *MemoryRepository) ListOpenFeeRecords(_ context.Context, merchantID int64) ([]model.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.FeeRecord
	for _, id := range m.feeOrder {
		f := m.fees[id]
		if f.MerchantID == merchantID && f.FeeStatus == model.FeeStatusOpen && f.PaymentStatus == model.PaymentStatusSucceeded {
			res = append(res, f)
		}
	}
	return res, nil
}

// ListMerchantsWithOpenFees возвращает продавцов с открытыми комиссиями.
func (m *MemoryRepository) ListMerchantsWithOpenFees(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int64]bool)
	var res []int64
	for _, f := range m.fees {
		if f.FeeStatus == model.FeeStatusOpen && f.PaymentStatus == model.PaymentStatusSucceeded && !seen[f.MerchantID] {
			seen[f.MerchantID] = true
			res = append(res, f.MerchantID)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res, nil
}

// CreateInvoice создаёт счёт и забирает перечисленные комиссии.
func (m *MemoryRepository) CreateInvoice(_ context.Context, inv *model.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.invoices {
		if other.Number == inv.Number {
			return ErrDuplicateInvoiceNumber
		}
	}
	for _, id := range inv.FeeRecordIDs {
		f, ok := m.fees[id]
		if !ok || f.MerchantID != inv.MerchantID || f.FeeStatus != model.FeeStatusOpen {
			return model.ErrConflict
		}
	}

	ids := make([]string, len(inv.FeeRecordIDs))
	copy(ids, inv.FeeRecordIDs)
	stored := *inv
	stored.FeeRecordIDs = ids
	m.invoices[inv.ID] = stored

	for _, id := range ids {
		f := m.fees[id]
		f.FeeStatus = model.FeeStatusInvoiced
		invoiceID := inv.ID
		f.InvoiceID = &invoiceID
		m.fees[id] = f
	}
	return nil
}

// ListInvoices возвращает счета продавца, новые первыми.
func (m *MemoryRepository) ListInvoices(_ context.Context, merchantID int64) ([]model.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Invoice
	for _, inv := range m.invoices {
		if inv.MerchantID == merchantID {
			res = append(res, inv)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// GetOffer возвращает зарегистрированную программу.
func (m *MemoryRepository) GetOffer(_ context.Context, id int64) (*model.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &o, nil
}
