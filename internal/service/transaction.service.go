package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"qris-pos/internal/cache"
	"qris-pos/internal/domain"
	"qris-pos/internal/event"
	"qris-pos/internal/gateway"
	"qris-pos/internal/repo"

	"github.com/google/uuid"
)

type InitiateRequest struct {
	OrderID  string
	Amount   int64
	Customer domain.Customer
}

type InitiateResult struct {
	OrderID    string
	Provider   string
	GatewayRef string
	Token      string
	PayURL     string
	QRString   string
	Amount     int64
}

type TransactionService interface {
	// Initiate creates a gateway charge and records the transaction as
	// PENDING. Gateway failures surface before any local record exists, so
	// the caller can safely retry with the same order id.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	// ApplyWebhook verifies, maps and applies one provider callback.
	// Everything except a signature failure is reported through the error
	// for logging; the endpoint still answers 200 to stop redelivery.
	ApplyWebhook(ctx context.Context, gw gateway.Gateway, headers http.Header, rawBody []byte) error
	// ApplyGatewayStatus applies a status learned by polling the provider,
	// through the same transition path webhooks use.
	ApplyGatewayStatus(ctx context.Context, trx *domain.Transaction, status domain.TransactionStatus) error
	// Expire forces a transaction past the expiry ceiling into EXPIRED.
	Expire(ctx context.Context, orderID string) error
	CheckStatus(ctx context.Context, orderID string) (*cache.Entry, error)
	// SimulatePayment drives a paid transition for sandbox testing.
	SimulatePayment(ctx context.Context, orderID string) (*domain.Transaction, error)
}

type transactionService struct {
	transactions repo.TransactionRepo
	gateways     *gateway.Registry
	publisher    event.Publisher
	statusCache  *cache.StatusCache
	logger       *slog.Logger
	minAmount    int64
}

func NewTransactionService(
	transactions repo.TransactionRepo,
	gateways *gateway.Registry,
	publisher event.Publisher,
	statusCache *cache.StatusCache,
	logger *slog.Logger,
	minAmount int64,
) TransactionService {
	return &transactionService{
		transactions: transactions,
		gateways:     gateways,
		publisher:    publisher,
		statusCache:  statusCache,
		logger:       logger,
		minAmount:    minAmount,
	}
}

func (s *transactionService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.Amount < s.minAmount {
		return nil, fmt.Errorf("%w: minimum is %d", domain.ErrInvalidAmount, s.minAmount)
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = "INV-" + uuid.NewString()
	}

	// Cheap duplicate guard before spending a gateway call. The unique
	// constraint still backs this up under races.
	if _, err := s.transactions.FindByOrderID(ctx, orderID); err == nil {
		return nil, domain.ErrDuplicateOrderID
	} else if !errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, err
	}

	gw, err := s.gateways.Default()
	if err != nil {
		return nil, err
	}

	charge, err := gw.CreateCharge(ctx, gateway.ChargeRequest{
		OrderID:  orderID,
		Amount:   req.Amount,
		Customer: req.Customer,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	trx := &domain.Transaction{
		ID:         uuid.New(),
		OrderID:    orderID,
		Provider:   gw.Name(),
		GatewayRef: charge.GatewayRef,
		Amount:     req.Amount,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.transactions.Create(ctx, trx); err != nil {
		if errors.Is(err, domain.ErrDuplicateOrderID) {
			// The external charge exists but was never recorded. Retrying
			// could double-charge, so this goes to an operator instead.
			s.logger.Error("orphaned charge",
				"order_id", orderID,
				"provider", gw.Name(),
				"gateway_ref", charge.GatewayRef,
			)
			return nil, fmt.Errorf("%w: order %s ref %s", domain.ErrOrphanedCharge, orderID, charge.GatewayRef)
		}
		return nil, err
	}

	return &InitiateResult{
		OrderID:    orderID,
		Provider:   gw.Name(),
		GatewayRef: charge.GatewayRef,
		Token:      charge.Token,
		PayURL:     charge.PayURL,
		QRString:   charge.QRString,
		Amount:     req.Amount,
	}, nil
}

func (s *transactionService) ApplyWebhook(ctx context.Context, gw gateway.Gateway, headers http.Header, rawBody []byte) error {
	if !gw.VerifyWebhookSignature(headers, rawBody) {
		return domain.ErrUnauthorizedWebhook
	}

	note, err := gw.ParseWebhook(rawBody)
	if err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}

	evidence := domain.TransitionEvidence{
		GatewayRef: note.GatewayRef,
		Amount:     note.Amount,
		RawPayload: rawBody,
	}

	trx, applied, err := s.transactions.ApplyTransition(ctx, note.OrderID, note.Status, evidence)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTransactionNotFound):
			// Respond 200 upstream to prevent provider retry storms, but
			// an unknown order id needs investigation.
			s.logger.Warn("webhook for unknown transaction",
				"provider", gw.Name(), "order_id", note.OrderID)
		case errors.Is(err, domain.ErrAmountMismatch):
			s.logger.Error("webhook amount mismatch, flagged for manual reconciliation",
				"provider", gw.Name(), "order_id", note.OrderID, "reported_amount", note.Amount)
		case errors.Is(err, domain.ErrAlreadyTerminal):
			s.logger.Warn("webhook conflicts with terminal state",
				"provider", gw.Name(), "order_id", note.OrderID, "reported_status", string(note.Status))
		}
		return err
	}

	s.afterTransition(ctx, trx, applied)

	if !applied {
		s.logger.Debug("webhook redelivery ignored",
			"provider", gw.Name(), "order_id", note.OrderID, "status", string(trx.Status))
	}
	return nil
}

func (s *transactionService) ApplyGatewayStatus(ctx context.Context, trx *domain.Transaction, status domain.TransactionStatus) error {
	evidence := domain.TransitionEvidence{
		GatewayRef: trx.GatewayRef,
		Amount:     trx.Amount,
	}
	updated, applied, err := s.transactions.ApplyTransition(ctx, trx.OrderID, status, evidence)
	if err != nil {
		return err
	}
	s.afterTransition(ctx, updated, applied)
	return nil
}

func (s *transactionService) Expire(ctx context.Context, orderID string) error {
	updated, applied, err := s.transactions.ApplyTransition(ctx, orderID, domain.StatusExpired, domain.TransitionEvidence{})
	if err != nil {
		return err
	}
	s.afterTransition(ctx, updated, applied)
	return nil
}

func (s *transactionService) CheckStatus(ctx context.Context, orderID string) (*cache.Entry, error) {
	if entry, ok := s.statusCache.Get(ctx, orderID); ok {
		return entry, nil
	}

	trx, err := s.transactions.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.statusCache.Set(ctx, orderID, trx)
	return &cache.Entry{Status: trx.Status, Amount: trx.Amount, ResolvedAt: trx.ResolvedAt}, nil
}

func (s *transactionService) SimulatePayment(ctx context.Context, orderID string) (*domain.Transaction, error) {
	trx, err := s.transactions.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	evidence := domain.TransitionEvidence{GatewayRef: trx.GatewayRef, Amount: trx.Amount}
	updated, applied, err := s.transactions.ApplyTransition(ctx, orderID, domain.StatusPaid, evidence)
	if err != nil {
		return nil, err
	}

	// Keep the mock provider's view in sync so reconciliation agrees.
	if gw, ok := s.gateways.Get(trx.Provider); ok {
		if mock, isMock := gw.(*gateway.Mock); isMock {
			mock.SetStatus(orderID, domain.StatusPaid)
		}
	}

	s.afterTransition(ctx, updated, applied)
	return updated, nil
}

// afterTransition emits the paid event and fills the status cache. Only the
// transition winner observes applied == true, so TransactionPaid goes out at
// most once per order id.
func (s *transactionService) afterTransition(ctx context.Context, trx *domain.Transaction, applied bool) {
	if trx == nil {
		return
	}
	s.statusCache.Set(ctx, trx.OrderID, trx)

	if !applied || trx.Status != domain.StatusPaid {
		return
	}

	paidAt := time.Now().UTC()
	if trx.ResolvedAt != nil {
		paidAt = *trx.ResolvedAt
	}
	evt := event.TransactionPaid{
		OrderID:    trx.OrderID,
		GatewayRef: trx.GatewayRef,
		Amount:     trx.Amount,
		PaidAt:     paidAt,
	}
	if err := s.publisher.PublishTransactionPaid(ctx, evt); err != nil {
		// The transition is already committed; losing the event is an
		// operational problem, not a reason to fail the webhook.
		s.logger.Error("publish transaction paid failed", "order_id", trx.OrderID, "error", err)
	}
}
