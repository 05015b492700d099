package host

import (
	"context"
	"math/big"
	"sync"
	"time"

	"fairpay/internal/contract"
	"fairpay/internal/storage"
	"fairpay/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when an entry point requires the signature of
// an address that did not sign the invocation.
var ErrUnauthorized = errors.New("unauthorized")

// Receipt summarizes a committed invocation.
type Receipt struct {
	Contract        common.Address   `json:"contract"`
	LedgerTimestamp uint64           `json:"ledgerTimestamp"`
	Auths           []common.Address `json:"auths,omitempty"`
	Transfers       []token.Transfer `json:"transfers,omitempty"`
}

// Host runs contract entry points the way a chain would: one at a time,
// each either fully applied or not at all.
type Host struct {
	mu     sync.Mutex
	store  storage.Store
	tokens token.Provider
	clock  Clock
	log    *zap.Logger
}

func New(store storage.Store, tokens token.Provider, clock Clock, log *zap.Logger) *Host {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{store: store, tokens: tokens, clock: clock, log: log}
}

// Deploy creates a new contract instance. Its address is derived from the
// deployer and a random salt and doubles as the instance's custody account.
func (h *Host) Deploy(ctx context.Context, deployer common.Address) (storage.Instance, error) {
	salt := uuid.New()
	addr := common.BytesToAddress(crypto.Keccak256(deployer.Bytes(), salt[:])[12:])
	inst := storage.Instance{
		Address:   addr,
		Deployer:  deployer,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Deploy(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrInstanceExists) {
			return storage.Instance{}, errors.Wrap(err, "deploy instance")
		}
		return storage.Instance{}, storage.Backend("deploy instance", err)
	}
	h.log.Info("contract deployed",
		zap.String("contract", addr.Hex()),
		zap.String("deployer", deployer.Hex()))
	return inst, nil
}

func (h *Host) Instance(ctx context.Context, id common.Address) (storage.Instance, error) {
	inst, err := h.store.Instance(ctx, id)
	return inst, storage.Backend("load instance", err)
}

func (h *Host) Instances(ctx context.Context) ([]storage.Instance, error) {
	all, err := h.store.Instances(ctx)
	return all, storage.Backend("list instances", err)
}

// Invoke runs fn against the instance at id with the given addresses
// authorized. Storage writes and token transfers made by fn are applied only
// if it returns nil.
func (h *Host) Invoke(ctx context.Context, id common.Address, signers []common.Address, fn func(contract.Env) error) (*Receipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	env, err := h.begin(ctx, id, signers)
	if err != nil {
		return nil, err
	}

	if err := fn(env); err != nil {
		env.session.Rollback()
		return nil, err
	}
	if env.storage.err != nil {
		env.session.Rollback()
		return nil, env.storage.err
	}

	receipt := &Receipt{
		Contract:        id,
		LedgerTimestamp: env.now,
		Auths:           env.auths,
		Transfers:       env.session.Transfers(),
	}

	batch := env.storage.batch()
	if !batch.Empty() {
		if err := h.store.Apply(ctx, id, batch); err != nil {
			env.session.Rollback()
			return nil, storage.Backend("persist instance storage", err)
		}
	}
	if err := env.session.Commit(); err != nil {
		if !batch.Empty() {
			if undoErr := h.store.Apply(ctx, id, env.storage.undo()); undoErr != nil {
				h.log.Error("instance storage left ahead of token ledger",
					zap.String("contract", id.Hex()),
					zap.Error(undoErr))
			}
		}
		return nil, errors.Wrap(err, "commit transfers")
	}

	h.log.Debug("invocation committed",
		zap.String("contract", id.Hex()),
		zap.Uint64("ledger_ts", env.now),
		zap.Int("writes", len(batch.Puts)+len(batch.Deletes)),
		zap.Int("transfers", len(receipt.Transfers)))
	return receipt, nil
}

// View runs fn against the instance without authorizing anyone and discards
// whatever it writes.
func (h *Host) View(ctx context.Context, id common.Address, fn func(contract.Env) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	env, err := h.begin(ctx, id, nil)
	if err != nil {
		return err
	}
	defer env.session.Rollback()
	return fn(env)
}

func (h *Host) begin(ctx context.Context, id common.Address, signers []common.Address) (*env, error) {
	if _, err := h.store.Instance(ctx, id); err != nil {
		return nil, storage.Backend("load instance", err)
	}
	now, err := h.clock.Now(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ledger timestamp")
	}

	authorized := make(map[common.Address]bool, len(signers))
	for _, s := range signers {
		authorized[s] = true
	}
	return &env{
		ctx:     ctx,
		self:    id,
		now:     now,
		signers: authorized,
		storage: newOverlay(ctx, h.store, id),
		session: h.tokens.Begin(ctx, id),
	}, nil
}

type env struct {
	ctx     context.Context
	self    common.Address
	now     uint64
	signers map[common.Address]bool
	auths   []common.Address
	storage *overlay
	session token.Session
}

var _ contract.Env = (*env)(nil)

func (e *env) Context() context.Context               { return e.ctx }
func (e *env) Storage() contract.Storage              { return e.storage }
func (e *env) LedgerTimestamp() uint64                { return e.now }
func (e *env) CurrentContractAddress() common.Address { return e.self }

func (e *env) RequireAuth(addr common.Address) error {
	if !e.signers[addr] {
		return errors.Wrapf(ErrUnauthorized, "%s did not sign the invocation", addr.Hex())
	}
	for _, a := range e.auths {
		if a == addr {
			return nil
		}
	}
	e.auths = append(e.auths, addr)
	return nil
}

func (e *env) Token(addr common.Address) contract.TokenClient {
	return tokenClient{env: e, token: addr}
}

type tokenClient struct {
	env   *env
	token common.Address
}

func (c tokenClient) Transfer(from, to common.Address, amount *big.Int) error {
	return c.env.session.Transfer(c.env.ctx, c.token, from, to, amount)
}
