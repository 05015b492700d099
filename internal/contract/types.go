package contract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DataKey enumerates the instance storage slots used by the contract.
type DataKey uint8

const (
	KeyInit DataKey = iota
	KeyBalance
	KeyEmployer
	KeyWorker
	KeyCustomer
	KeyTotalTips
)

// DataKeys lists every slot in declaration order.
var DataKeys = []DataKey{KeyInit, KeyBalance, KeyEmployer, KeyWorker, KeyCustomer, KeyTotalTips}

func (k DataKey) String() string {
	switch k {
	case KeyInit:
		return "Init"
	case KeyBalance:
		return "Balance"
	case KeyEmployer:
		return "Employer"
	case KeyWorker:
		return "Worker"
	case KeyCustomer:
		return "Customer"
	case KeyTotalTips:
		return "TotalTips"
	default:
		return "Unknown"
	}
}

// ClaimableBalance is the escrowed salary waiting for its release timestamp.
type ClaimableBalance struct {
	Token              common.Address `json:"token"`
	SalaryAmount       *big.Int       `json:"salaryAmount"`
	TimeBoundTimestamp uint64         `json:"timeBoundTimestamp"`
}

// Roles are the three addresses recorded at initialization.
type Roles struct {
	Employer common.Address `json:"employer"`
	Worker   common.Address `json:"worker"`
	Customer common.Address `json:"customer"`
}

// Env is the host surface an entry point runs against. One Env lives for
// exactly one invocation.
type Env interface {
	Context() context.Context
	Storage() Storage
	// LedgerTimestamp is the host ledger time in unix seconds, fixed for the
	// whole invocation.
	LedgerTimestamp() uint64
	CurrentContractAddress() common.Address
	// RequireAuth fails unless addr authorized the current invocation.
	RequireAuth(addr common.Address) error
	Token(token common.Address) TokenClient
}

// Storage is the instance-scoped key/value store of one contract.
type Storage interface {
	Has(key DataKey) (bool, error)
	Get(key DataKey, into interface{}) (bool, error)
	Set(key DataKey, value interface{}) error
	Remove(key DataKey)
}

// TokenClient moves amounts of a single token between holders.
type TokenClient interface {
	Transfer(from, to common.Address, amount *big.Int) error
}
