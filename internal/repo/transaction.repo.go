package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qris-pos/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type TransactionRepo interface {
	// Create inserts a new transaction. Returns domain.ErrDuplicateOrderID
	// when the order id is already taken.
	Create(ctx context.Context, trx *domain.Transaction) error
	FindByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error)
	// ApplyTransition moves the transaction to next under the state machine
	// contract. The bool result reports whether the row actually changed;
	// a consistent redelivery is a no-op with applied == false.
	ApplyTransition(ctx context.Context, orderID string, next domain.TransactionStatus, evidence domain.TransitionEvidence) (*domain.Transaction, bool, error)
	ListByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.Transaction, error)
	FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Transaction, error)
}

type transactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) TransactionRepo {
	return &transactionRepo{db: db}
}

const transactionColumns = `id, order_id, provider, gateway_ref, amount, status, raw_payload, created_at, updated_at, resolved_at`

func (r *transactionRepo) Create(ctx context.Context, trx *domain.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(
		ctx, query,
		trx.ID, trx.OrderID, trx.Provider, trx.GatewayRef, trx.Amount,
		trx.Status, trx.RawPayload, trx.CreatedAt, trx.UpdatedAt, trx.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateOrderID
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *transactionRepo) FindByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE order_id = $1`
	trx, err := scanTransaction(r.db.QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return trx, nil
}

// ApplyTransition is a single transactional read-modify-write: the row is
// locked with FOR UPDATE so a racing webhook and reconciliation tick for the
// same order cannot both win.
func (r *transactionRepo) ApplyTransition(ctx context.Context, orderID string, next domain.TransactionStatus, evidence domain.TransitionEvidence) (*domain.Transaction, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE order_id = $1 FOR UPDATE`
	current, err := scanTransaction(tx.QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return nil, false, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock transaction: %w", err)
	}

	if current.Status.Terminal() {
		if current.Status == next && evidenceConsistent(current, evidence) {
			// Providers redeliver webhooks; a consistent repeat is a no-op.
			return current, false, tx.Commit()
		}
		return current, false, domain.ErrAlreadyTerminal
	}

	if next == domain.StatusPending {
		// Intermediate provider notification, nothing to change.
		return current, false, tx.Commit()
	}

	if next == domain.StatusPaid && evidence.Amount != 0 && evidence.Amount != current.Amount {
		return current, false, domain.ErrAmountMismatch
	}

	now := time.Now().UTC()
	update := `
		UPDATE transactions
		SET status = $2,
		    gateway_ref = COALESCE(NULLIF($3, ''), gateway_ref),
		    raw_payload = COALESCE($4, raw_payload),
		    resolved_at = $5,
		    updated_at = $5
		WHERE order_id = $1
	`
	if _, err := tx.ExecContext(ctx, update, orderID, next, evidence.GatewayRef, evidence.RawPayload, now); err != nil {
		return nil, false, fmt.Errorf("update transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transition: %w", err)
	}

	current.Status = next
	if evidence.GatewayRef != "" {
		current.GatewayRef = evidence.GatewayRef
	}
	if evidence.RawPayload != nil {
		current.RawPayload = evidence.RawPayload
	}
	current.UpdatedAt = now
	current.ResolvedAt = &now
	return current, true, nil
}

func (r *transactionRepo) ListByStatus(ctx context.Context, status domain.TransactionStatus, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = $1 ORDER BY created_at LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *transactionRepo) FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, domain.StatusPending, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var trx domain.Transaction
	err := row.Scan(
		&trx.ID,
		&trx.OrderID,
		&trx.Provider,
		&trx.GatewayRef,
		&trx.Amount,
		&trx.Status,
		&trx.RawPayload,
		&trx.CreatedAt,
		&trx.UpdatedAt,
		&trx.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &trx, nil
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for rows.Next() {
		trx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *trx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// evidenceConsistent reports whether a redelivered terminal notification
// matches what was recorded. The stored row always wins.
func evidenceConsistent(trx *domain.Transaction, evidence domain.TransitionEvidence) bool {
	if evidence.GatewayRef != "" && trx.GatewayRef != "" && evidence.GatewayRef != trx.GatewayRef {
		return false
	}
	if evidence.Amount != 0 && evidence.Amount != trx.Amount {
		return false
	}
	return true
}
