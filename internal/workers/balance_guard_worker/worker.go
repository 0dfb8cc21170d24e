// Package balance_guard_worker runs periodic balance reconciliation.
package balance_guard_worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/services/balance"
)

type Worker struct {
	guard    *balance.Guard
	cronSpec string
	cron     *cron.Cron
	logger   *zap.Logger
}

func NewWorker(guard *balance.Guard, cronSpec string, logger *zap.Logger) *Worker {
	if cronSpec == "" {
		cronSpec = "*/5 * * * *"
	}
	return &Worker{
		guard:    guard,
		cronSpec: cronSpec,
		cron:     cron.New(),
		logger:   logger,
	}
}

func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := w.guard.Run(ctx); err != nil {
			w.logger.Error("Balance reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	w.cron.Start()
	w.logger.Info("Balance guard worker started", zap.String("schedule", w.cronSpec))
	return nil
}

func (w *Worker) Stop() {
	w.cron.Stop()
	w.logger.Info("Balance guard worker stopped")
}
