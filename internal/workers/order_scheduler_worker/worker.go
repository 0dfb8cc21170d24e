// Package order_scheduler_worker drives the DCA scheduler on a fixed tick.
package order_scheduler_worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/services/dca"
)

// Worker polls for due orders and hands them to the scheduler
type Worker struct {
	service      *dca.Service
	tickInterval time.Duration
	logger       *zap.Logger
	stopCh       chan struct{}
}

func NewWorker(service *dca.Service, tickInterval time.Duration, logger *zap.Logger) *Worker {
	if tickInterval == 0 {
		tickInterval = 30 * time.Second
	}
	return &Worker{
		service:      service,
		tickInterval: tickInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the worker processing loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting order scheduler worker",
		zap.Duration("tick_interval", w.tickInterval))

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	// Catch up on orders that came due while the service was down
	w.processDueOrders(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Order scheduler worker stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("Order scheduler worker stopped")
			return
		case <-ticker.C:
			w.processDueOrders(ctx)
		}
	}
}

// Stop signals the worker to stop
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) processDueOrders(ctx context.Context) {
	results, err := w.service.ProcessDueOrders(ctx)
	if err != nil {
		w.logger.Error("Failed to process due orders", zap.Error(err))
		return
	}

	if len(results) == 0 {
		return
	}

	var succeeded, failed int
	for _, res := range results {
		if res.Err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	w.logger.Info("Scheduler cycle finished",
		zap.Int("processed", len(results)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))
}
