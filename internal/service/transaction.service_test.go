package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"qris-pos/internal/cache"
	"qris-pos/internal/domain"
	"qris-pos/internal/gateway"
	"qris-pos/internal/repo"
	"qris-pos/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMinAmount = 1000

type fixture struct {
	repo      *testutil.MemRepo
	mock      *gateway.Mock
	publisher *testutil.CapturePublisher
	service   TransactionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	memRepo := testutil.NewMemRepo()
	mock := gateway.NewMock()
	reg := gateway.NewRegistry("mock")
	reg.Register(mock)
	publisher := &testutil.CapturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewTransactionService(memRepo, reg, publisher, (*cache.StatusCache)(nil), logger, testMinAmount)
	return &fixture{repo: memRepo, mock: mock, publisher: publisher, service: svc}
}

func mockWebhook(t *testing.T, orderID string, status domain.TransactionStatus, amount int64) (http.Header, []byte) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"order_id": orderID,
		"status":   string(status),
		"amount":   amount,
	})
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("x-callback-token", gateway.MockCallbackToken)
	return headers, body
}

func TestInitiateCreatesPendingTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)
	assert.Equal(t, "INV-1", result.OrderID)
	assert.NotEmpty(t, result.GatewayRef)
	assert.NotEmpty(t, result.QRString)

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, trx.Status)
	assert.Equal(t, int64(15000), trx.Amount)
	assert.Equal(t, result.GatewayRef, trx.GatewayRef)
}

func TestInitiateGeneratesOrderID(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Initiate(context.Background(), InitiateRequest{Amount: 2000})
	require.NoError(t, err)
	assert.Contains(t, result.OrderID, "INV-")
}

func TestInitiateBelowMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-2", Amount: 500})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	// No gateway call was made and no record was created.
	_, err = f.mock.QueryStatus(ctx, "INV-2")
	assert.Error(t, err)
	_, err = f.repo.FindByOrderID(ctx, "INV-2")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestInitiateDuplicateOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	_, err = f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	assert.ErrorIs(t, err, domain.ErrDuplicateOrderID)
}

// orphanRepo simulates a record creation failing after the gateway already
// accepted the charge.
type orphanRepo struct {
	repo.TransactionRepo
}

func (r *orphanRepo) Create(context.Context, *domain.Transaction) error {
	return domain.ErrDuplicateOrderID
}

func TestInitiateOrphanedCharge(t *testing.T) {
	mock := gateway.NewMock()
	reg := gateway.NewRegistry("mock")
	reg.Register(mock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewTransactionService(
		&orphanRepo{TransactionRepo: testutil.NewMemRepo()},
		reg, &testutil.CapturePublisher{}, nil, logger, testMinAmount,
	)

	_, err := svc.Initiate(context.Background(), InitiateRequest{OrderID: "INV-1", Amount: 15000})
	assert.ErrorIs(t, err, domain.ErrOrphanedCharge)
}

func TestWebhookPaidThenIdempotentRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	headers, body := mockWebhook(t, "INV-1", domain.StatusPaid, 15000)
	require.NoError(t, f.service.ApplyWebhook(ctx, f.mock, headers, body))

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, trx.Status)
	require.NotNil(t, trx.ResolvedAt)
	assert.Equal(t, result.GatewayRef, trx.GatewayRef)
	assert.JSONEq(t, string(body), string(trx.RawPayload))

	// Redelivering the identical webhook is a no-op and does not re-fire
	// the paid event.
	require.NoError(t, f.service.ApplyWebhook(ctx, f.mock, headers, body))

	after, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, trx.ResolvedAt, after.ResolvedAt)
	assert.Equal(t, 1, f.publisher.Count())
	assert.Equal(t, "INV-1", f.publisher.Events[0].OrderID)
	assert.Equal(t, int64(15000), f.publisher.Events[0].Amount)
}

func TestWebhookBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	headers, body := mockWebhook(t, "INV-1", domain.StatusPaid, 15000)
	headers.Set("x-callback-token", "wrong")

	err = f.service.ApplyWebhook(ctx, f.mock, headers, body)
	require.ErrorIs(t, err, domain.ErrUnauthorizedWebhook)

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, trx.Status)
	assert.Zero(t, f.publisher.Count())
}

func TestWebhookUnknownTransaction(t *testing.T) {
	f := newFixture(t)

	headers, body := mockWebhook(t, "INV-missing", domain.StatusPaid, 15000)
	err := f.service.ApplyWebhook(context.Background(), f.mock, headers, body)
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestWebhookAmountMismatchStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	headers, body := mockWebhook(t, "INV-1", domain.StatusPaid, 9000)
	err = f.service.ApplyWebhook(ctx, f.mock, headers, body)
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, trx.Status)
	assert.Zero(t, f.publisher.Count())
}

func TestTerminalStateIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	headers, body := mockWebhook(t, "INV-1", domain.StatusPaid, 15000)
	require.NoError(t, f.service.ApplyWebhook(ctx, f.mock, headers, body))

	headers, body = mockWebhook(t, "INV-1", domain.StatusCancelled, 15000)
	err = f.service.ApplyWebhook(ctx, f.mock, headers, body)
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, trx.Status)
}

func TestPendingWebhookIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	headers, body := mockWebhook(t, "INV-1", domain.StatusPending, 15000)
	require.NoError(t, f.service.ApplyWebhook(ctx, f.mock, headers, body))

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, trx.Status)
	assert.Nil(t, trx.ResolvedAt)
}

func TestConcurrentConflictingTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	trx, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = f.service.ApplyGatewayStatus(ctx, trx, domain.StatusPaid)
	}()
	go func() {
		defer wg.Done()
		errs[1] = f.service.Expire(ctx, "INV-1")
	}()
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts, "exactly one transition must lose")

	final, err := f.repo.FindByOrderID(ctx, "INV-1")
	require.NoError(t, err)
	assert.True(t, final.Status.Terminal())
	assert.LessOrEqual(t, f.publisher.Count(), 1)
}

func TestSimulatePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	trx, err := f.service.SimulatePayment(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, trx.Status)
	assert.Equal(t, 1, f.publisher.Count())

	// The mock provider agrees, so reconciliation would not fight it.
	status, err := f.mock.QueryStatus(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, status)
}

func TestCheckStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Initiate(ctx, InitiateRequest{OrderID: "INV-1", Amount: 15000})
	require.NoError(t, err)

	entry, err := f.service.CheckStatus(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, entry.Status)
	assert.Equal(t, int64(15000), entry.Amount)

	_, err = f.service.CheckStatus(ctx, "INV-unknown")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}
