package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/giftcard-ledger/internal/lifecycle"
	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

// ExpireOverdue записывает статус expired активным сертификатам с истёкшим сроком.
// Остаток не списывается и в журнал ничего не пишется. Сертификат, изменённый
// во время прохода, пропускается до следующего запуска.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.repo.ListExpiryCandidates(ctx, now, s.opts.ExpiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expiry candidates: %w", err)
	}

	actor := model.SystemActor("expiry-sweep")
	expired := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		inst := &candidates[i]
		proposed := *inst
		proposed.Status = model.InstrumentStatusExpired

		after, entry, err := lifecycle.Apply(lifecycle.Change{
			Before: inst,
			After:  proposed,
			Actor:  actor,
			Now:    now,
		})
		if err != nil {
			s.logger.Error("expire instrument", zap.String("instrument_id", inst.ID), zap.Error(err))
			continue
		}

		err = s.repo.UpdateInstrument(ctx, &after, inst.Version, entry)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire instrument %s: %w", inst.ID, err)
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("instruments expired", zap.Int("count", expired))
	}
	return expired, nil
}
