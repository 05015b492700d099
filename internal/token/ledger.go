package token

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Ledger is an in-memory multi-token balance book. It backs the sandbox
// host and the tests.
type Ledger struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
}

var (
	_ Provider      = (*Ledger)(nil)
	_ BalanceReader = (*Ledger)(nil)
	_ Minter        = (*Ledger)(nil)
)

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

func (l *Ledger) Mint(_ context.Context, token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, to, amount)
	return nil
}

func (l *Ledger) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(token, holder)), nil
}

func (l *Ledger) Begin(_ context.Context, _ common.Address) Session {
	return &ledgerSession{ledger: l, deltas: make(map[holding]*big.Int)}
}

func (l *Ledger) balance(token, holder common.Address) *big.Int {
	if b := l.balances[token][holder]; b != nil {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) credit(token, holder common.Address, amount *big.Int) {
	book, ok := l.balances[token]
	if !ok {
		book = make(map[common.Address]*big.Int)
		l.balances[token] = book
	}
	book[holder] = new(big.Int).Add(l.balance(token, holder), amount)
}

type holding struct {
	token  common.Address
	holder common.Address
}

// ledgerSession buffers balance deltas until Commit.
type ledgerSession struct {
	ledger    *Ledger
	deltas    map[holding]*big.Int
	order     []holding
	transfers []Transfer
}

func (s *ledgerSession) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	s.ledger.mu.Lock()
	available := new(big.Int).Add(s.ledger.balance(token, from), s.delta(token, from))
	s.ledger.mu.Unlock()

	if available.Cmp(amount) < 0 {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds %s, needs %s", from.Hex(), available, amount)
	}

	s.adjust(token, from, new(big.Int).Neg(amount))
	s.adjust(token, to, amount)
	s.transfers = append(s.transfers, Transfer{
		Token:  token,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

func (s *ledgerSession) Transfers() []Transfer {
	out := make([]Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

// Commit applies every buffered delta at once. It fails without touching the
// ledger if any holder would end up negative.
func (s *ledgerSession) Commit() error {
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range s.order {
		next := new(big.Int).Add(l.balance(h.token, h.holder), s.deltas[h])
		if next.Sign() < 0 {
			return errors.Wrapf(ErrInsufficientBalance, "%s", h.holder.Hex())
		}
	}
	for _, h := range s.order {
		l.credit(h.token, h.holder, s.deltas[h])
	}
	s.reset()
	return nil
}

func (s *ledgerSession) Rollback() {
	s.reset()
	s.transfers = nil
}

func (s *ledgerSession) reset() {
	s.deltas = make(map[holding]*big.Int)
	s.order = nil
}

func (s *ledgerSession) delta(token, holder common.Address) *big.Int {
	if d := s.deltas[holding{token, holder}]; d != nil {
		return d
	}
	return new(big.Int)
}

func (s *ledgerSession) adjust(token, holder common.Address, by *big.Int) {
	h := holding{token, holder}
	if _, ok := s.deltas[h]; !ok {
		s.order = append(s.order, h)
	}
	s.deltas[h] = new(big.Int).Add(s.delta(token, holder), by)
}
