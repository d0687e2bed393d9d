package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/mpcheckout/internal/mercadopago"
)

const sweepBatchSize = 100

// StartPendingSweep периодически сверяет давно не менявшиеся покупки в статусе
// pending с платежами MercadoPago. Нужен на случай потерянных уведомлений.
// Блокируется до отмены контекста. Покупки не удаляются и не истекают.
func (s *Service) StartPendingSweep(ctx context.Context) {
	if s.gateway == nil || s.opts.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepPending(ctx)
		}
	}
}

func (s *Service) sweepPending(ctx context.Context) {
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-s.opts.SweepAge), sweepBatchSize)
	if err != nil {
		s.logger.Error("list stale purchases failed", zap.Error(err))
		return
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		payment, err := s.gateway.FindPaymentByReference(fetchCtx, p.ID)
		cancel()
		if err != nil {
			if !errors.Is(err, mercadopago.ErrPaymentNotFound) {
				s.logger.Warn("search payment failed",
					zap.String("purchase_id", p.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if payment.ExternalReference == "" {
			payment.ExternalReference = p.ID
		}

		if err := s.applyPayment(ctx, payment); err != nil {
			s.logger.Warn("sweep left purchase pending",
				zap.String("purchase_id", p.ID),
				zap.Error(err),
			)
		}
	}
}
