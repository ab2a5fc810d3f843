// Package scheduler запускает периодические задачи движка по расписанию cron.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// Engine описывает операции движка, которые выполняются по расписанию.
type Engine interface {
	RunBillingForAll(ctx context.Context) ([]model.Invoice, error)
	ExpireOverdue(ctx context.Context) (int, error)
}

// Jobs содержит реализацию периодических задач.
type Jobs struct {
	engine  Engine
	logger  *zap.Logger
	timeout time.Duration
}

// NewJobs создаёт набор задач. timeout ограничивает один запуск задачи.
func NewJobs(engine Engine, logger *zap.Logger, timeout time.Duration) *Jobs {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Jobs{engine: engine, logger: logger, timeout: timeout}
}

// GenerateInvoices выставляет счета на открытые комиссии всем продавцам.
func (j *Jobs) GenerateInvoices(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	j.logger.Info("starting invoice generation job")
	invoices, err := j.engine.RunBillingForAll(ctx)
	if err != nil {
		j.logger.Error("invoice generation job finished with errors", zap.Int("invoices", len(invoices)), zap.Error(err))
		return
	}
	j.logger.Info("invoice generation job finished", zap.Int("invoices", len(invoices)))
}

// ExpireInstruments записывает статус expired просроченным сертификатам.
func (j *Jobs) ExpireInstruments(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	n, err := j.engine.ExpireOverdue(ctx)
	if err != nil {
		j.logger.Error("expiry job failed", zap.Int("expired", n), zap.Error(err))
		return
	}
	j.logger.Debug("expiry job finished", zap.Int("expired", n))
}
