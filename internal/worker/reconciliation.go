package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"qris-pos/internal/domain"
	"qris-pos/internal/gateway"
	"qris-pos/internal/repo"
	"qris-pos/internal/service"
)

const reconcileBatchSize = 100

// ReconciliationWorker resolves transactions whose webhook may have been
// lost. It polls the provider for PENDING rows older than stuckAfter and
// applies terminal answers through the same transition path webhooks use;
// rows still pending past expireAfter are forced to EXPIRED so an abandoned
// charge cannot block reporting forever.
type ReconciliationWorker struct {
	transactions repo.TransactionRepo
	gateways     *gateway.Registry
	service      service.TransactionService
	logger       *slog.Logger
	interval     time.Duration
	stuckAfter   time.Duration
	expireAfter  time.Duration
}

func NewReconciliationWorker(
	transactions repo.TransactionRepo,
	gateways *gateway.Registry,
	svc service.TransactionService,
	logger *slog.Logger,
	interval, stuckAfter, expireAfter time.Duration,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		transactions: transactions,
		gateways:     gateways,
		service:      svc,
		logger:       logger,
		interval:     interval,
		stuckAfter:   stuckAfter,
		expireAfter:  expireAfter,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("reconciliation worker started",
		"interval", rw.interval, "stuck_after", rw.stuckAfter, "expire_after", rw.expireAfter)

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if err := rw.Process(ctx); err != nil {
				rw.logger.Error("reconciliation tick failed", "error", err)
			}
		}
	}
}

// Process runs one reconciliation pass.
func (rw *ReconciliationWorker) Process(ctx context.Context) error {
	stuck, err := rw.transactions.FindStuckPending(ctx, rw.stuckAfter, reconcileBatchSize)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	rw.logger.Info("reconciling stuck transactions", "count", len(stuck))

	expiryCutoff := time.Now().UTC().Add(-rw.expireAfter)

	for i := range stuck {
		trx := &stuck[i]
		rw.reconcileOne(ctx, trx, trx.CreatedAt.Before(expiryCutoff))
	}
	return nil
}

func (rw *ReconciliationWorker) reconcileOne(ctx context.Context, trx *domain.Transaction, pastCeiling bool) {
	gw, ok := rw.gateways.Get(trx.Provider)
	if !ok {
		rw.logger.Warn("no gateway configured for stuck transaction",
			"order_id", trx.OrderID, "provider", trx.Provider)
		return
	}

	status, err := gw.QueryStatus(ctx, trx.OrderID)
	if err != nil {
		// Past the ceiling the provider's answer no longer matters: the
		// end user never completed the charge.
		if pastCeiling {
			rw.expire(ctx, trx)
			return
		}
		rw.logger.Warn("status query failed, will retry next tick",
			"order_id", trx.OrderID, "provider", trx.Provider, "error", err)
		return
	}

	if status.Terminal() {
		if err := rw.service.ApplyGatewayStatus(ctx, trx, status); err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
			rw.logger.Error("apply reconciled status failed",
				"order_id", trx.OrderID, "status", string(status), "error", err)
			return
		}
		rw.logger.Info("reconciled transaction",
			"order_id", trx.OrderID, "status", string(status))
		return
	}

	if pastCeiling {
		rw.expire(ctx, trx)
	}
}

func (rw *ReconciliationWorker) expire(ctx context.Context, trx *domain.Transaction) {
	err := rw.service.Expire(ctx, trx.OrderID)
	if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
		rw.logger.Error("expire stuck transaction failed", "order_id", trx.OrderID, "error", err)
		return
	}
	rw.logger.Info("expired abandoned transaction", "order_id", trx.OrderID)
}
