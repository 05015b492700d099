package contract

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Policy switches on checks the contract does not perform by default.
type Policy struct {
	// GuardReinit rejects Init once the contract is initialized.
	GuardReinit bool `yaml:"guard_reinit"`
	// MatchTipToken rejects tips paid in a token other than the salary token.
	MatchTipToken bool `yaml:"match_tip_token"`
	// RestrictClaimant only lets the stored worker execute the payment.
	RestrictClaimant bool `yaml:"restrict_claimant"`
}

// FairPayment escrows an employer's salary until a release timestamp and
// pays it out, together with any tips collected meanwhile, to the claimant.
type FairPayment struct {
	Policy Policy
}

// Init records the roles and zeroes the tip counter. It performs no
// authorization check.
func (c FairPayment) Init(env Env, employer, worker, customer common.Address) error {
	st := env.Storage()
	if c.Policy.GuardReinit {
		initialized, err := st.Has(KeyInit)
		if err != nil {
			return err
		}
		if initialized {
			return ErrAlreadyInitialized
		}
	}

	roles := []struct {
		key  DataKey
		addr common.Address
	}{
		{KeyEmployer, employer},
		{KeyWorker, worker},
		{KeyCustomer, customer},
	}
	for _, r := range roles {
		if err := st.Set(r.key, r.addr); err != nil {
			return err
		}
	}
	if err := st.Set(KeyTotalTips, new(big.Int)); err != nil {
		return err
	}
	return st.Set(KeyInit, true)
}

// MakePayments pays valueAmount to the business recipient and then the tip
// amount to every tip recipient. Each recipient gets the full tip; it is
// not split between them.
func (c FairPayment) MakePayments(
	env Env,
	from common.Address,
	tipRecipients []common.Address,
	businessRecipient common.Address,
	token common.Address,
	valueAmount *big.Int,
	tipPercent *big.Int,
) error {
	if err := env.RequireAuth(from); err != nil {
		return err
	}
	if err := checkI128(valueAmount); err != nil {
		return err
	}

	client := env.Token(token)
	if err := client.Transfer(from, businessRecipient, valueAmount); err != nil {
		return errors.Wrap(err, "pay business recipient")
	}

	tip, err := TipAmount(valueAmount, tipPercent)
	if err != nil {
		return err
	}
	for _, recipient := range tipRecipients {
		if err := client.Transfer(from, recipient, tip); err != nil {
			return errors.Wrapf(err, "tip %s", recipient.Hex())
		}
	}
	return nil
}

// DepositSalary moves the salary into contract custody and (over)writes the
// claimable balance.
func (c FairPayment) DepositSalary(env Env, from, token common.Address, salaryAmount *big.Int, timeBoundTimestamp uint64) error {
	if err := env.RequireAuth(from); err != nil {
		return err
	}
	if err := requireInitialized(env); err != nil {
		return err
	}

	var employer common.Address
	if err := mustGet(env.Storage(), KeyEmployer, &employer); err != nil {
		return err
	}
	if from != employer {
		return ErrNotEmployer
	}
	if err := checkI128(salaryAmount); err != nil {
		return err
	}

	if err := env.Token(token).Transfer(from, env.CurrentContractAddress(), salaryAmount); err != nil {
		return errors.Wrap(err, "escrow salary")
	}

	return env.Storage().Set(KeyBalance, ClaimableBalance{
		Token:              token,
		SalaryAmount:       new(big.Int).Set(salaryAmount),
		TimeBoundTimestamp: timeBoundTimestamp,
	})
}

// DepositTip moves a tip into contract custody and adds it to the tip counter.
// Any authorized caller may tip.
func (c FairPayment) DepositTip(env Env, from, token common.Address, amount int32) error {
	if err := requireInitialized(env); err != nil {
		return err
	}
	if err := env.RequireAuth(from); err != nil {
		return err
	}

	st := env.Storage()
	if c.Policy.MatchTipToken {
		var balance ClaimableBalance
		found, err := st.Get(KeyBalance, &balance)
		if err != nil {
			return err
		}
		if found && balance.Token != token {
			return ErrTokenMismatch
		}
	}

	tip := big.NewInt(int64(amount))
	if err := env.Token(token).Transfer(from, env.CurrentContractAddress(), tip); err != nil {
		return errors.Wrap(err, "collect tip")
	}

	total := new(big.Int)
	if err := mustGet(st, KeyTotalTips, total); err != nil {
		return err
	}
	total, err := addI128(total, tip)
	if err != nil {
		return err
	}
	return st.Set(KeyTotalTips, total)
}

// ExecutePayment pays salary plus tips to the claimant once the release
// timestamp has passed, then clears the balance and the tip counter. It
// returns the amount paid out.
func (c FairPayment) ExecutePayment(env Env, claimant, token common.Address) (*big.Int, error) {
	if err := env.RequireAuth(claimant); err != nil {
		return nil, err
	}
	if err := requireInitialized(env); err != nil {
		return nil, err
	}

	st := env.Storage()
	if c.Policy.RestrictClaimant {
		var worker common.Address
		if err := mustGet(st, KeyWorker, &worker); err != nil {
			return nil, err
		}
		if claimant != worker {
			return nil, ErrNotWorker
		}
	}

	var balance ClaimableBalance
	found, err := st.Get(KeyBalance, &balance)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoClaimableBalance
	}
	if !timeBoundReached(env, balance.TimeBoundTimestamp) {
		return nil, ErrBeforeTimeBound
	}

	tips := new(big.Int)
	if err := mustGet(st, KeyTotalTips, tips); err != nil {
		return nil, err
	}
	payout, err := addI128(balance.SalaryAmount, tips)
	if err != nil {
		return nil, err
	}

	if err := env.Token(token).Transfer(env.CurrentContractAddress(), claimant, payout); err != nil {
		return nil, errors.Wrap(err, "pay claimant")
	}

	st.Remove(KeyBalance)
	if err := st.Set(KeyTotalTips, new(big.Int)); err != nil {
		return nil, err
	}
	return payout, nil
}

// Initialized reports whether Init has run.
func (c FairPayment) Initialized(env Env) (bool, error) {
	return env.Storage().Has(KeyInit)
}

// Roles returns the addresses recorded by Init.
func (c FairPayment) Roles(env Env) (Roles, error) {
	if err := requireInitialized(env); err != nil {
		return Roles{}, err
	}
	var roles Roles
	st := env.Storage()
	if err := mustGet(st, KeyEmployer, &roles.Employer); err != nil {
		return Roles{}, err
	}
	if err := mustGet(st, KeyWorker, &roles.Worker); err != nil {
		return Roles{}, err
	}
	if err := mustGet(st, KeyCustomer, &roles.Customer); err != nil {
		return Roles{}, err
	}
	return roles, nil
}

// ClaimableBalance returns the pending balance, or nil when none is escrowed.
func (c FairPayment) ClaimableBalance(env Env) (*ClaimableBalance, error) {
	var balance ClaimableBalance
	found, err := env.Storage().Get(KeyBalance, &balance)
	if err != nil || !found {
		return nil, err
	}
	return &balance, nil
}

// TotalTips returns the tips collected since the last payout.
func (c FairPayment) TotalTips(env Env) (*big.Int, error) {
	if err := requireInitialized(env); err != nil {
		return nil, err
	}
	total := new(big.Int)
	if err := mustGet(env.Storage(), KeyTotalTips, total); err != nil {
		return nil, err
	}
	return total, nil
}

func timeBoundReached(env Env, timeBoundTimestamp uint64) bool {
	return env.LedgerTimestamp() >= timeBoundTimestamp
}

func requireInitialized(env Env) error {
	initialized, err := env.Storage().Has(KeyInit)
	if err != nil {
		return err
	}
	if !initialized {
		return ErrNotInitialized
	}
	return nil
}

func mustGet(st Storage, key DataKey, into interface{}) error {
	found, err := st.Get(key, into)
	if err != nil {
		return errors.Wrapf(err, "read %s", key)
	}
	if !found {
		return errors.Wrapf(ErrMissingEntry, "%s", key)
	}
	return nil
}
