package token

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrNegativeAmount      = errors.New("negative amount is not allowed")
	ErrInsufficientBalance = errors.New("balance is not sufficient to spend")
)

// TransportError is a failure to reach the token backend or to settle a
// transfer on it. The invocation that hit it may succeed when retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Cause() error  { return e.Err }

// Transfer is one token movement performed inside an invocation.
type Transfer struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
	TxHash string         `json:"txHash,omitempty"`
}

// Provider opens a transfer session for one invocation. custody is the
// account of the contract instance being invoked.
type Provider interface {
	Begin(ctx context.Context, custody common.Address) Session
}

// Session collects the transfers of one invocation. Commit makes them final;
// Rollback discards whatever can still be discarded.
type Session interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	Transfers() []Transfer
	Commit() error
	Rollback()
}

// BalanceReader is implemented by providers that can report holder balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// Minter is implemented by providers that can create tokens out of thin air.
type Minter interface {
	Mint(ctx context.Context, token, to common.Address, amount *big.Int) error
}
