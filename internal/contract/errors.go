package contract

import "github.com/pkg/errors"

// Errors returned by the entry points. Each one aborts the invocation and
// the host discards every storage write and transfer made before it.
var (
	ErrNotInitialized     = errors.New("contract has not been initialized")
	ErrAlreadyInitialized = errors.New("contract has already been initialized")
	ErrNotEmployer        = errors.New("only the employer can deposit salary")
	ErrNotWorker          = errors.New("only the worker can claim the payment")
	ErrNoClaimableBalance = errors.New("no claimable balance")
	ErrBeforeTimeBound    = errors.New("payment cannot be executed before the time bound")
	ErrTokenMismatch      = errors.New("tip token does not match the salary token")
	ErrAmountOverflow     = errors.New("amount out of i128 range")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrMissingEntry       = errors.New("instance storage entry missing")
)
