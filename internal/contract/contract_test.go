package contract

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	employer = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	worker   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	customer = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	self     = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	usdc     = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	eurc     = common.HexToAddress("0x0000000000000000000000000000000000000d02")
)

type fakeEnv struct {
	slots    map[DataKey][]byte
	now      uint64
	signers  map[common.Address]bool
	balances map[common.Address]map[common.Address]*big.Int
}

func newFakeEnv(signers ...common.Address) *fakeEnv {
	env := &fakeEnv{
		slots:    map[DataKey][]byte{},
		now:      1_700_000_000,
		signers:  map[common.Address]bool{},
		balances: map[common.Address]map[common.Address]*big.Int{},
	}
	env.sign(signers...)
	return env
}

func (e *fakeEnv) sign(signers ...common.Address) {
	for _, s := range signers {
		e.signers[s] = true
	}
}

func (e *fakeEnv) fund(token, holder common.Address, amount int64) {
	if e.balances[token] == nil {
		e.balances[token] = map[common.Address]*big.Int{}
	}
	e.balances[token][holder] = big.NewInt(amount)
}

func (e *fakeEnv) balanceOf(token, holder common.Address) int64 {
	if v := e.balances[token][holder]; v != nil {
		return v.Int64()
	}
	return 0
}

func (e *fakeEnv) Context() context.Context               { return context.Background() }
func (e *fakeEnv) Storage() Storage                       { return e }
func (e *fakeEnv) LedgerTimestamp() uint64                { return e.now }
func (e *fakeEnv) CurrentContractAddress() common.Address { return self }

func (e *fakeEnv) RequireAuth(addr common.Address) error {
	if !e.signers[addr] {
		return errors.Errorf("unauthorized: %s", addr.Hex())
	}
	return nil
}

func (e *fakeEnv) Token(token common.Address) TokenClient {
	return tokenFunc(func(from, to common.Address, amount *big.Int) error {
		if amount.Sign() < 0 {
			return errors.New("negative amount")
		}
		if e.balances[token] == nil {
			e.balances[token] = map[common.Address]*big.Int{}
		}
		have := e.balances[token][from]
		if have == nil || have.Cmp(amount) < 0 {
			return errors.New("insufficient balance")
		}
		e.balances[token][from] = new(big.Int).Sub(have, amount)
		prev := e.balances[token][to]
		if prev == nil {
			prev = new(big.Int)
		}
		e.balances[token][to] = new(big.Int).Add(prev, amount)
		return nil
	})
}

func (e *fakeEnv) Has(key DataKey) (bool, error) {
	_, ok := e.slots[key]
	return ok, nil
}

func (e *fakeEnv) Get(key DataKey, into interface{}) (bool, error) {
	raw, ok := e.slots[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, into)
}

func (e *fakeEnv) Set(key DataKey, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e.slots[key] = raw
	return nil
}

func (e *fakeEnv) Remove(key DataKey) {
	delete(e.slots, key)
}

type tokenFunc func(from, to common.Address, amount *big.Int) error

func (f tokenFunc) Transfer(from, to common.Address, amount *big.Int) error {
	return f(from, to, amount)
}

func TestInit_StoresRolesAndZeroTips(t *testing.T) {
	env := newFakeEnv()
	c := FairPayment{}

	require.NoError(t, c.Init(env, employer, worker, customer))

	initialized, err := c.Initialized(env)
	require.NoError(t, err)
	require.True(t, initialized)

	roles, err := c.Roles(env)
	require.NoError(t, err)
	require.Equal(t, Roles{Employer: employer, Worker: worker, Customer: customer}, roles)

	tips, err := c.TotalTips(env)
	require.NoError(t, err)
	require.Zero(t, tips.Sign())
}

func TestInit_SecondCallOverwritesRoles(t *testing.T) {
	env := newFakeEnv()
	c := FairPayment{}
	other := common.HexToAddress("0x00000000000000000000000000000000000000e2")

	require.NoError(t, c.Init(env, employer, worker, customer))
	require.NoError(t, c.Init(env, other, customer, worker))

	roles, err := c.Roles(env)
	require.NoError(t, err)
	require.Equal(t, other, roles.Employer)
	require.Equal(t, customer, roles.Worker)
	require.Equal(t, worker, roles.Customer)
}

func TestInit_GuardReinitPolicy(t *testing.T) {
	env := newFakeEnv()
	c := FairPayment{Policy: Policy{GuardReinit: true}}

	require.NoError(t, c.Init(env, employer, worker, customer))
	err := c.Init(env, customer, customer, customer)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	roles, err := c.Roles(env)
	require.NoError(t, err)
	require.Equal(t, employer, roles.Employer)
}

func TestMakePayments_EachRecipientGetsFullTip(t *testing.T) {
	payer := customer
	business := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tipA := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	tipB := common.HexToAddress("0x00000000000000000000000000000000000000a3")

	env := newFakeEnv(payer)
	env.fund(usdc, payer, 1000)

	err := FairPayment{}.MakePayments(env, payer, []common.Address{tipA, tipB}, business, usdc, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	require.EqualValues(t, 100, env.balanceOf(usdc, business))
	require.EqualValues(t, 10, env.balanceOf(usdc, tipA))
	require.EqualValues(t, 10, env.balanceOf(usdc, tipB))
	require.EqualValues(t, 1000-120, env.balanceOf(usdc, payer))
	require.Empty(t, env.slots, "make payments must not touch instance storage")
}

func TestMakePayments_TruncatesTip(t *testing.T) {
	payer := customer
	business := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tip := common.HexToAddress("0x00000000000000000000000000000000000000a2")

	env := newFakeEnv(payer)
	env.fund(usdc, payer, 1000)

	require.NoError(t, FairPayment{}.MakePayments(env, payer, []common.Address{tip}, business, usdc, big.NewInt(99), big.NewInt(15)))
	require.EqualValues(t, 14, env.balanceOf(usdc, tip))
}

func TestMakePayments_RequiresPayerAuth(t *testing.T) {
	env := newFakeEnv()
	env.fund(usdc, customer, 1000)

	err := FairPayment{}.MakePayments(env, customer, nil, worker, usdc, big.NewInt(100), big.NewInt(10))
	require.Error(t, err)
	require.EqualValues(t, 1000, env.balanceOf(usdc, customer))
}

func TestDepositSalary_StoresClaimableBalance(t *testing.T) {
	env := newFakeEnv(employer)
	env.fund(usdc, employer, 5000)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))

	release := env.now + 3600
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(1000), release))

	balance, err := c.ClaimableBalance(env)
	require.NoError(t, err)
	require.NotNil(t, balance)
	require.Equal(t, usdc, balance.Token)
	require.EqualValues(t, 1000, balance.SalaryAmount.Int64())
	require.Equal(t, release, balance.TimeBoundTimestamp)
	require.EqualValues(t, 1000, env.balanceOf(usdc, self))
}

func TestDepositSalary_SecondDepositOverwrites(t *testing.T) {
	env := newFakeEnv(employer)
	env.fund(usdc, employer, 5000)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))

	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(1000), env.now+10))
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(700), env.now+20))

	balance, err := c.ClaimableBalance(env)
	require.NoError(t, err)
	require.EqualValues(t, 700, balance.SalaryAmount.Int64())
	require.Equal(t, env.now+20, balance.TimeBoundTimestamp)
}

func TestDepositSalary_OnlyEmployer(t *testing.T) {
	env := newFakeEnv(worker)
	env.fund(usdc, worker, 5000)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))
	before := len(env.slots)

	err := c.DepositSalary(env, worker, usdc, big.NewInt(1000), env.now+3600)
	require.ErrorIs(t, err, ErrNotEmployer)
	require.Len(t, env.slots, before)
	require.EqualValues(t, 5000, env.balanceOf(usdc, worker))

	balance, err := c.ClaimableBalance(env)
	require.NoError(t, err)
	require.Nil(t, balance)
}

func TestDepositSalary_RequiresInit(t *testing.T) {
	env := newFakeEnv(employer)
	err := FairPayment{}.DepositSalary(env, employer, usdc, big.NewInt(1), env.now)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestDepositTip_AccumulatesAnyCaller(t *testing.T) {
	stranger := common.HexToAddress("0x0000000000000000000000000000000000000555")
	env := newFakeEnv(customer, stranger)
	env.fund(usdc, customer, 1000)
	env.fund(usdc, stranger, 1000)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))

	require.NoError(t, c.DepositTip(env, customer, usdc, 500))
	require.NoError(t, c.DepositTip(env, stranger, usdc, 25))

	tips, err := c.TotalTips(env)
	require.NoError(t, err)
	require.EqualValues(t, 525, tips.Int64())
	require.EqualValues(t, 525, env.balanceOf(usdc, self))
}

func TestDepositTip_RequiresInit(t *testing.T) {
	env := newFakeEnv(customer)
	err := FairPayment{}.DepositTip(env, customer, usdc, 5)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestDepositTip_MatchTipTokenPolicy(t *testing.T) {
	env := newFakeEnv(employer, customer)
	env.fund(usdc, employer, 1000)
	env.fund(eurc, customer, 1000)
	c := FairPayment{Policy: Policy{MatchTipToken: true}}
	require.NoError(t, c.Init(env, employer, worker, customer))
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(100), env.now))

	err := c.DepositTip(env, customer, eurc, 5)
	require.ErrorIs(t, err, ErrTokenMismatch)
	require.EqualValues(t, 1000, env.balanceOf(eurc, customer))
}

func TestExecutePayment_PaysSalaryPlusTips(t *testing.T) {
	env := newFakeEnv(employer, customer, worker)
	env.fund(usdc, employer, 1000)
	env.fund(usdc, customer, 500)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))

	start := env.now
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(1000), start+3600))
	require.NoError(t, c.DepositTip(env, customer, usdc, 500))

	env.now = start + 3601
	payout, err := c.ExecutePayment(env, worker, usdc)
	require.NoError(t, err)
	require.EqualValues(t, 1500, payout.Int64())
	require.EqualValues(t, 1500, env.balanceOf(usdc, worker))
	require.EqualValues(t, 0, env.balanceOf(usdc, self))

	balance, err := c.ClaimableBalance(env)
	require.NoError(t, err)
	require.Nil(t, balance)

	tips, err := c.TotalTips(env)
	require.NoError(t, err)
	require.Zero(t, tips.Sign())
}

func TestExecutePayment_AtExactTimeBound(t *testing.T) {
	env := newFakeEnv(employer, worker)
	env.fund(usdc, employer, 10)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(10), env.now+60))

	env.now += 60
	_, err := c.ExecutePayment(env, worker, usdc)
	require.NoError(t, err)
}

func TestExecutePayment_BeforeTimeBoundLeavesState(t *testing.T) {
	env := newFakeEnv(employer, customer, worker)
	env.fund(usdc, employer, 1000)
	env.fund(usdc, customer, 500)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(1000), env.now+3600))
	require.NoError(t, c.DepositTip(env, customer, usdc, 500))

	env.now += 3599
	_, err := c.ExecutePayment(env, worker, usdc)
	require.ErrorIs(t, err, ErrBeforeTimeBound)

	balance, err := c.ClaimableBalance(env)
	require.NoError(t, err)
	require.NotNil(t, balance)
	tips, err := c.TotalTips(env)
	require.NoError(t, err)
	require.EqualValues(t, 500, tips.Int64())
	require.EqualValues(t, 0, env.balanceOf(usdc, worker))
}

func TestExecutePayment_WithoutBalance(t *testing.T) {
	env := newFakeEnv(worker)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))

	_, err := c.ExecutePayment(env, worker, usdc)
	require.ErrorIs(t, err, ErrNoClaimableBalance)
}

func TestExecutePayment_WithoutInitialization(t *testing.T) {
	env := newFakeEnv(worker)
	_, err := FairPayment{}.ExecutePayment(env, worker, usdc)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestExecutePayment_AnyAuthorizedClaimantByDefault(t *testing.T) {
	env := newFakeEnv(employer, customer)
	env.fund(usdc, employer, 100)
	c := FairPayment{}
	require.NoError(t, c.Init(env, employer, worker, customer))
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(100), env.now))

	payout, err := c.ExecutePayment(env, customer, usdc)
	require.NoError(t, err)
	require.EqualValues(t, 100, payout.Int64())
	require.EqualValues(t, 100, env.balanceOf(usdc, customer))
}

func TestExecutePayment_RestrictClaimantPolicy(t *testing.T) {
	env := newFakeEnv(employer, customer)
	env.fund(usdc, employer, 100)
	c := FairPayment{Policy: Policy{RestrictClaimant: true}}
	require.NoError(t, c.Init(env, employer, worker, customer))
	require.NoError(t, c.DepositSalary(env, employer, usdc, big.NewInt(100), env.now))

	_, err := c.ExecutePayment(env, customer, usdc)
	require.ErrorIs(t, err, ErrNotWorker)
}

func TestTipAmount(t *testing.T) {
	tip, err := TipAmount(big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	require.EqualValues(t, 10, tip.Int64())

	tip, err = TipAmount(big.NewInt(-99), big.NewInt(15))
	require.NoError(t, err)
	require.EqualValues(t, -14, tip.Int64(), "truncates toward zero")

	_, err = TipAmount(maxI128, big.NewInt(2))
	require.ErrorIs(t, err, ErrAmountOverflow)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 1000 ")
	require.NoError(t, err)
	require.EqualValues(t, 1000, v.Int64())

	_, err = ParseAmount("12abc")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("170141183460469231731687303715884105728")
	require.ErrorIs(t, err, ErrAmountOverflow)

	v, err = ParseAmount("-170141183460469231731687303715884105728")
	require.NoError(t, err)
	require.Zero(t, minI128.Cmp(v))
}
