package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusPaid      TransactionStatus = "PAID"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusExpired   TransactionStatus = "EXPIRED"
)

// Terminal reports whether no further transition is permitted out of s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Transaction is the single source of truth for one payment attempt.
// Amount is in minor currency units (Rupiah has no subunit).
type Transaction struct {
	ID         uuid.UUID
	OrderID    string
	Provider   string
	GatewayRef string
	Amount     int64
	Status     TransactionStatus
	RawPayload []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// TransitionEvidence carries what the gateway reported alongside a status
// transition, so the store can check consistency atomically.
type TransitionEvidence struct {
	GatewayRef string
	Amount     int64
	RawPayload []byte
}

type Customer struct {
	Name  string
	Email string
	Phone string
}
