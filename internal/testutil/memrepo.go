// Package testutil holds in-memory doubles shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"qris-pos/internal/domain"
	"qris-pos/internal/event"
)

// MemRepo implements repo.TransactionRepo with the same transition contract
// as the Postgres implementation, for tests that do not need a database.
type MemRepo struct {
	mu           sync.Mutex
	transactions map[string]*domain.Transaction
}

func NewMemRepo() *MemRepo {
	return &MemRepo{transactions: make(map[string]*domain.Transaction)}
}

func (r *MemRepo) Create(_ context.Context, trx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[trx.OrderID]; exists {
		return domain.ErrDuplicateOrderID
	}
	cp := *trx
	r.transactions[trx.OrderID] = &cp
	return nil
}

func (r *MemRepo) FindByOrderID(_ context.Context, orderID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trx, ok := r.transactions[orderID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *trx
	return &cp, nil
}

func (r *MemRepo) ApplyTransition(_ context.Context, orderID string, next domain.TransactionStatus, evidence domain.TransitionEvidence) (*domain.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trx, ok := r.transactions[orderID]
	if !ok {
		return nil, false, domain.ErrTransactionNotFound
	}

	if trx.Status.Terminal() {
		if trx.Status == next && consistent(trx, evidence) {
			cp := *trx
			return &cp, false, nil
		}
		cp := *trx
		return &cp, false, domain.ErrAlreadyTerminal
	}

	if next == domain.StatusPending {
		cp := *trx
		return &cp, false, nil
	}

	if next == domain.StatusPaid && evidence.Amount != 0 && evidence.Amount != trx.Amount {
		cp := *trx
		return &cp, false, domain.ErrAmountMismatch
	}

	now := time.Now().UTC()
	trx.Status = next
	if evidence.GatewayRef != "" {
		trx.GatewayRef = evidence.GatewayRef
	}
	if evidence.RawPayload != nil {
		trx.RawPayload = evidence.RawPayload
	}
	trx.UpdatedAt = now
	trx.ResolvedAt = &now

	cp := *trx
	return &cp, true, nil
}

func (r *MemRepo) ListByStatus(_ context.Context, status domain.TransactionStatus, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Transaction
	for _, trx := range r.transactions {
		if trx.Status == status && len(out) < limit {
			out = append(out, *trx)
		}
	}
	return out, nil
}

func (r *MemRepo) FindStuckPending(_ context.Context, olderThan time.Duration, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var out []domain.Transaction
	for _, trx := range r.transactions {
		if trx.Status == domain.StatusPending && trx.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *trx)
		}
	}
	return out, nil
}

func consistent(trx *domain.Transaction, evidence domain.TransitionEvidence) bool {
	if evidence.GatewayRef != "" && trx.GatewayRef != "" && evidence.GatewayRef != trx.GatewayRef {
		return false
	}
	if evidence.Amount != 0 && evidence.Amount != trx.Amount {
		return false
	}
	return true
}

// CapturePublisher records published paid events.
type CapturePublisher struct {
	mu     sync.Mutex
	Events []event.TransactionPaid
}

func (p *CapturePublisher) PublishTransactionPaid(_ context.Context, evt event.TransactionPaid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, evt)
	return nil
}

func (p *CapturePublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}
