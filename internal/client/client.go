// Package client is a Go client for the fairpay HTTP API. Requests that
// change contract state are signed with the caller's secp256k1 key.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fairpay/internal/sigauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return strconv.Itoa(e.StatusCode) + ": " + e.Message
}

type Instance struct {
	Address   common.Address `json:"address"`
	Deployer  common.Address `json:"deployer"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Transfer struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
	TxHash string         `json:"txHash,omitempty"`
}

type Receipt struct {
	Contract        common.Address   `json:"contract"`
	Entrypoint      string           `json:"entrypoint"`
	LedgerTimestamp uint64           `json:"ledgerTimestamp"`
	Auths           []common.Address `json:"auths,omitempty"`
	Transfers       []Transfer       `json:"transfers,omitempty"`
	Payout          string           `json:"payout,omitempty"`
}

type Roles struct {
	Employer common.Address `json:"employer"`
	Worker   common.Address `json:"worker"`
	Customer common.Address `json:"customer"`
}

type ClaimableBalance struct {
	Token              common.Address `json:"token"`
	SalaryAmount       string         `json:"salaryAmount"`
	TimeBoundTimestamp uint64         `json:"timeBoundTimestamp"`
}

type State struct {
	Address          common.Address    `json:"address"`
	Deployer         common.Address    `json:"deployer"`
	CreatedAt        time.Time         `json:"createdAt"`
	Initialized      bool              `json:"initialized"`
	Roles            *Roles            `json:"roles,omitempty"`
	ClaimableBalance *ClaimableBalance `json:"claimableBalance,omitempty"`
	TotalTips        string            `json:"totalTips,omitempty"`
}

type Balance struct {
	Token   common.Address `json:"token"`
	Holder  common.Address `json:"holder"`
	Balance string         `json:"balance"`
}

// Client talks to one fairpay daemon as one signer.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Key     *ecdsa.PrivateKey
	// IdempotencyKey, when set, returns the key to send with a state-changing
	// request. NewIdempotencyKey is a reasonable choice.
	IdempotencyKey func() string
}

func New(baseURL string, key *ecdsa.PrivateKey) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Key:     key,
	}
}

func NewIdempotencyKey() string {
	return uuid.NewString()
}

// Address is the signer address, or the zero address for an anonymous client.
func (c *Client) Address() common.Address {
	if c.Key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.Key.PublicKey)
}

func (c *Client) Deploy(ctx context.Context) (*Instance, error) {
	var out Instance
	body := map[string]string{"deployer": c.Address().Hex()}
	if err := c.do(ctx, http.MethodPost, "/api/v1/contracts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Contracts(ctx context.Context) ([]Instance, error) {
	var out []Instance
	if err := c.do(ctx, http.MethodGet, "/api/v1/contracts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) State(ctx context.Context, id common.Address) (*State, error) {
	var out State
	if err := c.do(ctx, http.MethodGet, "/api/v1/contracts/"+id.Hex(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Init(ctx context.Context, id common.Address, roles Roles) (*Receipt, error) {
	return c.invoke(ctx, id, "init", roles)
}

func (c *Client) MakePayments(ctx context.Context, id common.Address, tipRecipients []common.Address, business, token common.Address, valueAmount, tipPercent string) (*Receipt, error) {
	if tipRecipients == nil {
		tipRecipients = []common.Address{}
	}
	return c.invoke(ctx, id, "make-payments", map[string]interface{}{
		"from":              c.Address(),
		"tipRecipients":     tipRecipients,
		"businessRecipient": business,
		"token":             token,
		"valueAmount":       valueAmount,
		"tipPercent":        tipPercent,
	})
}

func (c *Client) DepositSalary(ctx context.Context, id, token common.Address, salaryAmount string, timeBound uint64) (*Receipt, error) {
	return c.invoke(ctx, id, "deposit-salary", map[string]interface{}{
		"from":               c.Address(),
		"token":              token,
		"salaryAmount":       salaryAmount,
		"timeBoundTimestamp": timeBound,
	})
}

func (c *Client) DepositTip(ctx context.Context, id, token common.Address, amount int32) (*Receipt, error) {
	return c.invoke(ctx, id, "deposit-tip", map[string]interface{}{
		"from":   c.Address(),
		"token":  token,
		"amount": amount,
	})
}

func (c *Client) ExecutePayment(ctx context.Context, id, token common.Address) (*Receipt, error) {
	return c.invoke(ctx, id, "execute-payment", map[string]interface{}{
		"claimant": c.Address(),
		"token":    token,
	})
}

// Mint only works against a daemon running the sandbox ledger with minting
// enabled.
func (c *Client) Mint(ctx context.Context, token, to common.Address, amount string) (*Balance, error) {
	var out Balance
	body := map[string]interface{}{"to": to, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tokens/"+token.Hex()+"/mint", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/"+token.Hex()+"/balances/"+holder.Hex(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) invoke(ctx context.Context, id common.Address, entrypoint string, body interface{}) (*Receipt, error) {
	var out Receipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/contracts/"+id.Hex()+"/"+entrypoint, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	if method != http.MethodGet {
		if c.Key != nil {
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			nonce := uuid.NewString()
			sig, err := sigauth.Sign(c.Key, method, req.URL.Path, nonce, ts, payload)
			if err != nil {
				return err
			}
			req.Header.Set(sigauth.HeaderTimestamp, ts)
			req.Header.Set(sigauth.HeaderNonce, nonce)
			req.Header.Set(sigauth.HeaderSignature, sig)
		}
		if c.IdempotencyKey != nil {
			req.Header.Set("X-Idempotency-Key", c.IdempotencyKey())
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
