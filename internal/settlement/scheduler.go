package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// StartScheduler периодически рассчитывает получателей, у которых наступило время по расписанию.
// Блокирует до отмены ctx; текущий проход завершается перед возвратом.
func (o *Orchestrator) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.settleDue(ctx)
		}
	}
}

// settleDue выполняет один проход планировщика и возвращает число запущенных расчётов.
func (o *Orchestrator) settleDue(ctx context.Context) int {
	channels, err := o.ledger.ListActive(ctx, model.RolePayee)
	if err != nil {
		o.logger.Error("list payee channels", zap.Error(err))
		return 0
	}

	started := 0
	for _, ch := range channels {
		if ctx.Err() != nil {
			return started
		}
		if ch.Balance == 0 {
			continue
		}

		due, err := o.ShouldSettleNow(ctx, ch.OwnerID)
		if err != nil {
			o.logger.Warn("check settlement schedule", zap.String("payee", ch.OwnerID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		started++
		_, err = o.SettleMerchant(ctx, ch.OwnerID, false)
		if err == nil || errors.Is(err, ErrSettlementInProgress) {
			continue
		}
		var jobErr *JobError
		if errors.As(err, &jobErr) {
			continue
		}
		o.logger.Error("scheduled settlement", zap.String("payee", ch.OwnerID), zap.Error(err))
	}
	return started
}
