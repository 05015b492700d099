package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	usdc    = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	custody = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func balance(t *testing.T, l *Ledger, token, holder common.Address) int64 {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), token, holder)
	require.NoError(t, err)
	return b.Int64()
}

func TestLedger_CommitAppliesTransfers(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Mint(ctx, usdc, alice, big.NewInt(100)))

	s := l.Begin(ctx, custody)
	require.NoError(t, s.Transfer(ctx, usdc, alice, custody, big.NewInt(60)))
	require.NoError(t, s.Transfer(ctx, usdc, custody, bob, big.NewInt(60)))

	require.EqualValues(t, 100, balance(t, l, usdc, alice), "nothing applied before commit")
	require.Len(t, s.Transfers(), 2)

	require.NoError(t, s.Commit())
	require.EqualValues(t, 40, balance(t, l, usdc, alice))
	require.EqualValues(t, 0, balance(t, l, usdc, custody))
	require.EqualValues(t, 60, balance(t, l, usdc, bob))
}

func TestLedger_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Mint(ctx, usdc, alice, big.NewInt(100)))

	s := l.Begin(ctx, custody)
	require.NoError(t, s.Transfer(ctx, usdc, alice, bob, big.NewInt(100)))
	s.Rollback()

	require.Empty(t, s.Transfers())
	require.EqualValues(t, 100, balance(t, l, usdc, alice))
	require.EqualValues(t, 0, balance(t, l, usdc, bob))
}

func TestLedger_RejectsOverdraftAndNegative(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Mint(ctx, usdc, alice, big.NewInt(10)))

	s := l.Begin(ctx, custody)
	err := s.Transfer(ctx, usdc, alice, bob, big.NewInt(11))
	require.True(t, errors.Is(err, ErrInsufficientBalance))

	err = s.Transfer(ctx, usdc, alice, bob, big.NewInt(-1))
	require.True(t, errors.Is(err, ErrNegativeAmount))

	require.True(t, errors.Is(l.Mint(ctx, usdc, alice, big.NewInt(-5)), ErrNegativeAmount))
}

func TestLedger_SessionSeesItsOwnCredits(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Mint(ctx, usdc, alice, big.NewInt(5)))

	s := l.Begin(ctx, custody)
	require.NoError(t, s.Transfer(ctx, usdc, alice, custody, big.NewInt(5)))
	require.NoError(t, s.Transfer(ctx, usdc, custody, bob, big.NewInt(5)))
	require.NoError(t, s.Commit())
	require.EqualValues(t, 5, balance(t, l, usdc, bob))
}

func TestLedger_CommitFailsWhenFundsSpentElsewhere(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Mint(ctx, usdc, alice, big.NewInt(10)))

	first := l.Begin(ctx, custody)
	second := l.Begin(ctx, custody)
	require.NoError(t, first.Transfer(ctx, usdc, alice, bob, big.NewInt(10)))
	require.NoError(t, second.Transfer(ctx, usdc, alice, bob, big.NewInt(10)))

	require.NoError(t, first.Commit())
	require.True(t, errors.Is(second.Commit(), ErrInsufficientBalance))
	require.EqualValues(t, 10, balance(t, l, usdc, bob))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, isRetryable(errors.New("connection refused")))
	require.False(t, isRetryable(errors.New("execution reverted: ERC20: insufficient allowance")))
	require.False(t, isRetryable(nil))
}
