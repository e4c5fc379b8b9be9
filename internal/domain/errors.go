package domain

import "errors"

var (
	// ErrInvalidAmount is returned before any gateway call when the amount is
	// below the provider minimum.
	ErrInvalidAmount = errors.New("amount below provider minimum")

	ErrDuplicateOrderID = errors.New("order id already exists")

	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrGatewayRejected    = errors.New("gateway rejected charge")
	ErrGatewayTimeout     = errors.New("gateway timeout")

	// ErrOrphanedCharge means the gateway accepted a charge but the local
	// record could not be created. Never retried automatically: retrying
	// could double-charge. Operator follow-up required.
	ErrOrphanedCharge = errors.New("charge created at gateway but not recorded")

	ErrUnauthorizedWebhook = errors.New("webhook signature invalid")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAmountMismatch means the gateway confirmed a different amount than
	// recorded locally. The transaction stays PENDING and is flagged for
	// manual reconciliation.
	ErrAmountMismatch = errors.New("reported amount does not match recorded amount")

	ErrAlreadyTerminal = errors.New("transaction already in a terminal state")
)
