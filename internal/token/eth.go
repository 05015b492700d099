package token

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"fairpay/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RetryPolicy controls how a failed ERC20 send is retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type EthConfig struct {
	RPCURL        string
	PrivateKeyHex string
	Retry         RetryPolicy
	// WaitReceipts blocks each transfer until it is mined and fails the
	// invocation on a reverted receipt.
	WaitReceipts bool
	// OnRetry observes retry outcomes: "success", "retry" or "failed".
	OnRetry func(result string)
}

// EthProvider moves ERC20 tokens on an EVM chain. All instances share the
// service wallet as their custody account: outflows from custody are sent
// with transfer, everything else with transferFrom against allowances the
// payers granted to the wallet.
type EthProvider struct {
	client    *ethclient.Client
	abi       abi.ABI
	wallet    common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
	cfg       EthConfig
	log       *zap.Logger

	mu     sync.Mutex
	tokens map[common.Address]*bind.BoundContract
}

var (
	_ Provider      = (*EthProvider)(nil)
	_ BalanceReader = (*EthProvider)(nil)
)

func NewEthProvider(ctx context.Context, cfg EthConfig, log *zap.Logger) (*EthProvider, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, errors.New("private key is required for sending transfers")
	}
	if log == nil {
		log = zap.NewNop()
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc")
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse abi")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch chain id")
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "transactor")
	}
	txOpts.GasLimit = 0 // let node estimate

	return &EthProvider{
		client:    cli,
		abi:       parsedABI,
		wallet:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:   chainID,
		transacts: txOpts,
		cfg:       cfg,
		log:       log,
		tokens:    make(map[common.Address]*bind.BoundContract),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return key, nil
}

// Wallet is the custody account every contract instance settles through.
func (p *EthProvider) Wallet() common.Address {
	return p.wallet
}

func (p *EthProvider) Begin(_ context.Context, custody common.Address) Session {
	return &ethSession{provider: p, custody: custody}
}

// Now returns the timestamp of the latest block, making the chain the ledger clock.
func (p *EthProvider) Now(ctx context.Context) (uint64, error) {
	header, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, &TransportError{Op: "latest header", Err: err}
	}
	return header.Time, nil
}

func (p *EthProvider) Ping(ctx context.Context) error {
	if _, err := p.client.BlockNumber(ctx); err != nil {
		return &TransportError{Op: "block number", Err: err}
	}
	return nil
}

func (p *EthProvider) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := p.bound(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, &TransportError{Op: "balanceOf", Err: err}
	}
	if len(out) != 1 {
		return nil, errors.Errorf("balanceOf returned %d values", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("balanceOf returned %T", out[0])
	}
	return balance, nil
}

func (p *EthProvider) Close() {
	p.client.Close()
}

func (p *EthProvider) bound(token common.Address) *bind.BoundContract {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.tokens[token]
	if !ok {
		c = bind.NewBoundContract(token, p.abi, p.client, p.client, p.client)
		p.tokens[token] = c
	}
	return c
}

func (p *EthProvider) send(ctx context.Context, token common.Address, method string, params ...interface{}) (*types.Transaction, error) {
	attempts := p.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	contract := p.bound(token)
	for i := 1; i <= attempts; i++ {
		opts := *p.transacts
		opts.Context = ctx

		tx, err := contract.Transact(&opts, method, params...)
		if err == nil {
			p.observe("success")
			return tx, nil
		}
		if !isRetryable(err) || i == attempts {
			p.observe("failed")
			return nil, errors.Wrapf(err, "%s tx", method)
		}

		p.observe("retry")
		p.log.Warn("retrying token transfer",
			zap.String("token", token.Hex()),
			zap.String("method", method),
			zap.Int("attempt", i),
			zap.Error(err))

		sleep := backoff
		if p.cfg.Retry.MaxBackoff > 0 && sleep > p.cfg.Retry.MaxBackoff {
			sleep = p.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.cfg.Retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(p.cfg.Retry.BackoffMultiplier)
		}
	}
	return nil, errors.New("exhausted retries")
}

func (p *EthProvider) observe(result string) {
	if p.cfg.OnRetry != nil {
		p.cfg.OnRetry(result)
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"execution reverted", "insufficient", "invalid", "nonce too low"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	return true
}

type ethSession struct {
	provider  *EthProvider
	custody   common.Address
	transfers []Transfer
}

func (s *ethSession) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	p := s.provider
	if to == s.custody {
		to = p.wallet
	}

	var (
		tx  *types.Transaction
		err error
	)
	if from == s.custody || from == p.wallet {
		tx, err = p.send(ctx, token, "transfer", to, amount)
	} else {
		tx, err = p.send(ctx, token, "transferFrom", from, to, amount)
	}
	if err != nil {
		return &TransportError{Op: "send transfer", Err: err}
	}

	if p.cfg.WaitReceipts {
		receipt, err := WaitForReceipt(ctx, p.client, tx)
		if err != nil {
			return &TransportError{Op: "wait for receipt", Err: err}
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return &TransportError{Op: "settle transfer", Err: errors.Errorf("%s reverted", tx.Hash().Hex())}
		}
	}

	s.transfers = append(s.transfers, Transfer{
		Token:  token,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
		TxHash: tx.Hash().Hex(),
	})
	return nil
}

func (s *ethSession) Transfers() []Transfer {
	out := make([]Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *ethSession) Commit() error {
	return nil
}

// Rollback cannot recall transactions already sent; it reports them so an
// operator can reconcile.
func (s *ethSession) Rollback() {
	for _, t := range s.transfers {
		s.provider.log.Error("transfer sent by an aborted invocation",
			zap.String("token", t.Token.Hex()),
			zap.String("from", t.From.Hex()),
			zap.String("to", t.To.Hex()),
			zap.String("amount", t.Amount.String()),
			zap.String("tx", t.TxHash))
	}
	s.transfers = nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
