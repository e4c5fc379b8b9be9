package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"qris-pos/internal/domain"

	"github.com/google/uuid"
)

// MockCallbackToken authenticates webhooks against the mock provider in
// sandbox runs and tests.
const MockCallbackToken = "mock-callback-token"

// Mock is an in-process gateway for sandbox runs and tests. It remembers
// every charge it accepted so QueryStatus and webhook redelivery behave like
// a real provider.
type Mock struct {
	mu       sync.RWMutex
	statuses map[string]domain.TransactionStatus
	amounts  map[string]int64
	refs     map[string]string
}

func NewMock() *Mock {
	return &Mock{
		statuses: make(map[string]domain.TransactionStatus),
		amounts:  make(map[string]int64),
		refs:     make(map[string]string),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent on order id: a retried initiate reuses the open charge.
	if ref, ok := m.refs[req.OrderID]; ok {
		return &Charge{GatewayRef: ref, QRString: "MOCKQR|" + req.OrderID}, nil
	}

	ref := "MOCK-" + uuid.NewString()
	m.refs[req.OrderID] = ref
	m.statuses[req.OrderID] = domain.StatusPending
	m.amounts[req.OrderID] = req.Amount

	return &Charge{GatewayRef: ref, QRString: "MOCKQR|" + req.OrderID}, nil
}

func (m *Mock) VerifyWebhookSignature(headers http.Header, _ []byte) bool {
	token := headers.Get("x-callback-token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(MockCallbackToken)) == 1
}

type mockNotification struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

func (m *Mock) ParseWebhook(rawBody []byte) (*Notification, error) {
	var note mockNotification
	if err := json.Unmarshal(rawBody, &note); err != nil {
		return nil, fmt.Errorf("decode mock notification: %w", err)
	}
	if note.OrderID == "" {
		return nil, fmt.Errorf("mock notification missing order_id")
	}

	status := domain.TransactionStatus(note.Status)
	switch status {
	case domain.StatusPaid, domain.StatusFailed, domain.StatusCancelled, domain.StatusExpired, domain.StatusPending:
	default:
		status = domain.StatusPending
	}

	return &Notification{
		OrderID:    note.OrderID,
		GatewayRef: note.Reference,
		Status:     status,
		Amount:     note.Amount,
	}, nil
}

func (m *Mock) QueryStatus(_ context.Context, orderID string) (domain.TransactionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.statuses[orderID]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: mock has no charge for %s", domain.ErrGatewayRejected, orderID)
}

// SetStatus simulates the provider side resolving a charge.
func (m *Mock) SetStatus(orderID string, status domain.TransactionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[orderID] = status
}
