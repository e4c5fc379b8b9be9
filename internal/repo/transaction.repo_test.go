package repo

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"qris-pos/internal/database"
	"qris-pos/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pos"),
		postgres.WithUsername("pos"),
		postgres.WithPassword("pos"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.EnsureSchema(ctx, db))
	return db
}

func pendingTransaction(orderID string, amount int64, createdAt time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         uuid.New(),
		OrderID:    orderID,
		Provider:   "mock",
		GatewayRef: "REF-" + orderID,
		Amount:     amount,
		Status:     domain.StatusPending,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestTransactionRepoPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	db := setupDB(t)
	repo := NewTransactionRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("create and find", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, pendingTransaction("INV-1", 15000, now)))

		trx, err := repo.FindByOrderID(ctx, "INV-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, trx.Status)
		assert.Equal(t, int64(15000), trx.Amount)
	})

	t.Run("duplicate order id", func(t *testing.T) {
		err := repo.Create(ctx, pendingTransaction("INV-1", 15000, now))
		assert.ErrorIs(t, err, domain.ErrDuplicateOrderID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.FindByOrderID(ctx, "INV-missing")
		assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

		_, _, err = repo.ApplyTransition(ctx, "INV-missing", domain.StatusPaid, domain.TransitionEvidence{})
		assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
	})

	t.Run("paid transition and idempotent redelivery", func(t *testing.T) {
		evidence := domain.TransitionEvidence{
			GatewayRef: "REF-INV-1",
			Amount:     15000,
			RawPayload: []byte(`{"transaction_status":"settlement"}`),
		}

		trx, applied, err := repo.ApplyTransition(ctx, "INV-1", domain.StatusPaid, evidence)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, domain.StatusPaid, trx.Status)
		require.NotNil(t, trx.ResolvedAt)

		again, applied, err := repo.ApplyTransition(ctx, "INV-1", domain.StatusPaid, evidence)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, domain.StatusPaid, again.Status)
	})

	t.Run("terminal is monotonic", func(t *testing.T) {
		_, _, err := repo.ApplyTransition(ctx, "INV-1", domain.StatusCancelled, domain.TransitionEvidence{})
		assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

		trx, err := repo.FindByOrderID(ctx, "INV-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaid, trx.Status)
	})

	t.Run("redelivery with conflicting evidence is rejected", func(t *testing.T) {
		_, _, err := repo.ApplyTransition(ctx, "INV-1", domain.StatusPaid, domain.TransitionEvidence{
			GatewayRef: "REF-other",
			Amount:     15000,
		})
		assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	})

	t.Run("amount mismatch blocks paid", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, pendingTransaction("INV-2", 20000, now)))

		_, _, err := repo.ApplyTransition(ctx, "INV-2", domain.StatusPaid, domain.TransitionEvidence{Amount: 9000})
		assert.ErrorIs(t, err, domain.ErrAmountMismatch)

		trx, err := repo.FindByOrderID(ctx, "INV-2")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, trx.Status)
	})

	t.Run("pending notification is a no-op", func(t *testing.T) {
		trx, applied, err := repo.ApplyTransition(ctx, "INV-2", domain.StatusPending, domain.TransitionEvidence{})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, domain.StatusPending, trx.Status)
	})

	t.Run("list and stuck queries", func(t *testing.T) {
		old := now.Add(-30 * time.Minute)
		require.NoError(t, repo.Create(ctx, pendingTransaction("INV-3", 5000, old)))

		pending, err := repo.ListByStatus(ctx, domain.StatusPending, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		stuck, err := repo.FindStuckPending(ctx, 20*time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "INV-3", stuck[0].OrderID)
	})

	t.Run("concurrent conflicting transitions have one winner", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, pendingTransaction("INV-4", 7000, now)))

		var wg sync.WaitGroup
		results := make([]error, 2)
		statuses := []domain.TransactionStatus{domain.StatusPaid, domain.StatusExpired}
		for i, status := range statuses {
			wg.Add(1)
			go func(i int, status domain.TransactionStatus) {
				defer wg.Done()
				_, _, results[i] = repo.ApplyTransition(ctx, "INV-4", status, domain.TransitionEvidence{Amount: 7000})
			}(i, status)
		}
		wg.Wait()

		winners, losers := 0, 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
				losers++
			}
		}
		assert.Equal(t, 1, winners)
		assert.Equal(t, 1, losers)

		trx, err := repo.FindByOrderID(ctx, "INV-4")
		require.NoError(t, err)
		assert.True(t, trx.Status.Terminal())
	})
}
