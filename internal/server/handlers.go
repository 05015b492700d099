package server

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"fairpay/internal/contract"
	"fairpay/internal/host"
	"fairpay/internal/idempotency"
	"fairpay/internal/sigauth"
	"fairpay/internal/storage"
	"fairpay/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	entryInit           = "init"
	entryMakePayments   = "make_payments"
	entryDepositSalary  = "deposit_salary"
	entryDepositTip     = "deposit_tip"
	entryExecutePayment = "execute_payment"
)

var (
	errBadRequest      = errors.New("bad request")
	errIdempotencyKey  = errors.New("idempotency key reused for a different request")
	errMintingDisabled = errors.New("minting is disabled")
	errUnsignedMint    = errors.New("mint requests must be signed")
)

type deployRequest struct {
	Deployer common.Address `json:"deployer"`
}

type initRequest struct {
	Employer common.Address `json:"employer"`
	Worker   common.Address `json:"worker"`
	Customer common.Address `json:"customer"`
}

type makePaymentsRequest struct {
	From              common.Address   `json:"from"`
	TipRecipients     []common.Address `json:"tipRecipients"`
	BusinessRecipient common.Address   `json:"businessRecipient"`
	Token             common.Address   `json:"token"`
	ValueAmount       string           `json:"valueAmount"`
	TipPercent        string           `json:"tipPercent"`
}

type depositSalaryRequest struct {
	From               common.Address `json:"from"`
	Token              common.Address `json:"token"`
	SalaryAmount       string         `json:"salaryAmount"`
	TimeBoundTimestamp uint64         `json:"timeBoundTimestamp"`
}

type depositTipRequest struct {
	From   common.Address `json:"from"`
	Token  common.Address `json:"token"`
	Amount int32          `json:"amount"`
}

type executePaymentRequest struct {
	Claimant common.Address `json:"claimant"`
	Token    common.Address `json:"token"`
}

type mintRequest struct {
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
}

type transferView struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
	TxHash string         `json:"txHash,omitempty"`
}

type invocationResponse struct {
	Contract        common.Address   `json:"contract"`
	Entrypoint      string           `json:"entrypoint"`
	LedgerTimestamp uint64           `json:"ledgerTimestamp"`
	Auths           []common.Address `json:"auths,omitempty"`
	Transfers       []transferView   `json:"transfers,omitempty"`
	Payout          string           `json:"payout,omitempty"`
}

type balanceView struct {
	Token              common.Address `json:"token"`
	SalaryAmount       string         `json:"salaryAmount"`
	TimeBoundTimestamp uint64         `json:"timeBoundTimestamp"`
}

type stateResponse struct {
	Address          common.Address  `json:"address"`
	Deployer         common.Address  `json:"deployer"`
	CreatedAt        time.Time       `json:"createdAt"`
	Initialized      bool            `json:"initialized"`
	Roles            *contract.Roles `json:"roles,omitempty"`
	ClaimableBalance *balanceView    `json:"claimableBalance,omitempty"`
	TotalTips        string          `json:"totalTips,omitempty"`
}

type tokenBalanceResponse struct {
	Token   common.Address `json:"token"`
	Holder  common.Address `json:"holder"`
	Balance string         `json:"balance"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if _, err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}

	deployer := req.Deployer
	if signers := sigauth.Signers(r.Context()); len(signers) > 0 {
		deployer = signers[0]
	}
	if deployer == (common.Address{}) {
		s.writeError(w, errors.Wrap(errBadRequest, "deployer is required"))
		return
	}

	inst, err := s.host.Deploy(r.Context(), deployer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.incDeployment()
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	instances, err := s.host.Instances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if instances == nil {
		instances = []storage.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleContractState(w http.ResponseWriter, r *http.Request) {
	id, err := pathAddress(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()

	inst, err := s.host.Instance(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := stateResponse{Address: inst.Address, Deployer: inst.Deployer, CreatedAt: inst.CreatedAt}
	err = s.host.View(ctx, id, func(env contract.Env) error {
		initialized, err := s.contract.Initialized(env)
		if err != nil || !initialized {
			return err
		}
		resp.Initialized = true

		roles, err := s.contract.Roles(env)
		if err != nil {
			return err
		}
		resp.Roles = &roles

		balance, err := s.contract.ClaimableBalance(env)
		if err != nil {
			return err
		}
		if balance != nil {
			resp.ClaimableBalance = &balanceView{
				Token:              balance.Token,
				SalaryAmount:       balance.SalaryAmount.String(),
				TimeBoundTimestamp: balance.TimeBoundTimestamp,
			}
		}

		tips, err := s.contract.TotalTips(env)
		if err != nil {
			return err
		}
		resp.TotalTips = tips.String()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	raw, err := decodeBody(r, &req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireAddresses(map[string]common.Address{
		"employer": req.Employer, "worker": req.Worker, "customer": req.Customer,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	s.runInvocation(w, r, entryInit, raw, func(env contract.Env, resp *invocationResponse) error {
		return s.contract.Init(env, req.Employer, req.Worker, req.Customer)
	})
}

func (s *Server) handleMakePayments(w http.ResponseWriter, r *http.Request) {
	var req makePaymentsRequest
	raw, err := decodeBody(r, &req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireAddresses(map[string]common.Address{
		"from": req.From, "businessRecipient": req.BusinessRecipient, "token": req.Token,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	value, err := contract.ParseAmount(req.ValueAmount)
	if err != nil {
		s.writeError(w, errors.Wrap(err, "valueAmount"))
		return
	}
	percent, err := contract.ParseAmount(req.TipPercent)
	if err != nil {
		s.writeError(w, errors.Wrap(err, "tipPercent"))
		return
	}

	s.runInvocation(w, r, entryMakePayments, raw, func(env contract.Env, resp *invocationResponse) error {
		return s.contract.MakePayments(env, req.From, req.TipRecipients, req.BusinessRecipient, req.Token, value, percent)
	})
}

func (s *Server) handleDepositSalary(w http.ResponseWriter, r *http.Request) {
	var req depositSalaryRequest
	raw, err := decodeBody(r, &req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireAddresses(map[string]common.Address{"from": req.From, "token": req.Token}); err != nil {
		s.writeError(w, err)
		return
	}
	salary, err := contract.ParseAmount(req.SalaryAmount)
	if err != nil {
		s.writeError(w, errors.Wrap(err, "salaryAmount"))
		return
	}

	s.runInvocation(w, r, entryDepositSalary, raw, func(env contract.Env, resp *invocationResponse) error {
		return s.contract.DepositSalary(env, req.From, req.Token, salary, req.TimeBoundTimestamp)
	})
}

func (s *Server) handleDepositTip(w http.ResponseWriter, r *http.Request) {
	var req depositTipRequest
	raw, err := decodeBody(r, &req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireAddresses(map[string]common.Address{"from": req.From, "token": req.Token}); err != nil {
		s.writeError(w, err)
		return
	}

	s.runInvocation(w, r, entryDepositTip, raw, func(env contract.Env, resp *invocationResponse) error {
		return s.contract.DepositTip(env, req.From, req.Token, req.Amount)
	})
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	var req executePaymentRequest
	raw, err := decodeBody(r, &req, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireAddresses(map[string]common.Address{"claimant": req.Claimant, "token": req.Token}); err != nil {
		s.writeError(w, err)
		return
	}

	s.runInvocation(w, r, entryExecutePayment, raw, func(env contract.Env, resp *invocationResponse) error {
		payout, err := s.contract.ExecutePayment(env, req.Claimant, req.Token)
		if err != nil {
			return err
		}
		resp.Payout = payout.String()
		return nil
	})
}

// runInvocation executes one state-changing entry point. A repeated
// X-Idempotency-Key replays the first successful response, provided the same
// signers sent the same body to the same entry point.
func (s *Server) runInvocation(w http.ResponseWriter, r *http.Request, entrypoint string, raw []byte, call func(contract.Env, *invocationResponse) error) {
	ctx := r.Context()
	id, err := pathAddress(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}

	var cacheKey, fingerprint string
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" && s.store != nil {
		cacheKey = "invoke:" + key
		fingerprint = idempotency.Fingerprint(sigauth.Signers(ctx), raw)
		existing, err := s.store.Get(ctx, cacheKey)
		if err != nil {
			s.log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		}
		if existing != nil {
			if !existing.Matches(id.Hex(), entrypoint, fingerprint) {
				s.metrics.incInvocation(entrypoint, "rejected")
				s.writeError(w, errors.Wrapf(errIdempotencyKey, "%q", key))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incInvocation(entrypoint, "cached")
			return
		}
	}

	resp := invocationResponse{Contract: id, Entrypoint: entrypoint}
	start := time.Now()
	receipt, err := s.host.Invoke(ctx, id, sigauth.Signers(ctx), func(env contract.Env) error {
		return call(env, &resp)
	})
	s.metrics.observeDuration(entrypoint, time.Since(start).Seconds())

	log := s.log.With(
		zap.String("contract", id.Hex()),
		zap.String("entrypoint", entrypoint),
		zap.String("request_id", r.Header.Get("X-Request-Id")))

	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.metrics.incInvocation(entrypoint, "failed")
			log.Error("invocation failed", zap.Int("status", status), zap.Error(err))
			// Transport failures go to the DLQ for manual replay.
			if status == http.StatusBadGateway {
				s.writeDLQ(dlqEntry{
					Contract:   id,
					Entrypoint: entrypoint,
					RequestID:  r.Header.Get("X-Request-Id"),
					Payload:    raw,
				}, err)
			}
		} else {
			s.metrics.incInvocation(entrypoint, "rejected")
			log.Info("invocation rejected", zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}

	resp.LedgerTimestamp = receipt.LedgerTimestamp
	resp.Auths = receipt.Auths
	for _, t := range receipt.Transfers {
		resp.Transfers = append(resp.Transfers, transferView{
			Token:  t.Token,
			From:   t.From,
			To:     t.To,
			Amount: t.Amount.String(),
			TxHash: t.TxHash,
		})
	}
	s.metrics.addTransfers(entrypoint, len(receipt.Transfers))
	s.metrics.incInvocation(entrypoint, "ok")
	log.Info("invocation committed", zap.Int("transfers", len(receipt.Transfers)))

	body, _ := json.Marshal(resp)
	if cacheKey != "" {
		now := time.Now()
		entry := idempotency.Entry{
			Entrypoint:  entrypoint,
			Contract:    id.Hex(),
			Fingerprint: fingerprint,
			StatusCode:  http.StatusOK,
			Response:    body,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, cacheKey, entry); err != nil {
			log.Warn("idempotency save failed", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleMint credits sandbox tokens. It is off unless the service allows it
// and only accepts signed requests.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Service.AllowMint {
		s.writeError(w, errMintingDisabled)
		return
	}
	signers := sigauth.Signers(r.Context())
	if len(signers) == 0 {
		s.writeError(w, errUnsignedMint)
		return
	}
	minter, ok := s.tokens.(token.Minter)
	if !ok {
		http.Error(w, "minting is only available on the sandbox ledger", http.StatusNotImplemented)
		return
	}
	tok, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req mintRequest
	if _, err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireAddresses(map[string]common.Address{"to": req.To}); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := contract.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := minter.Mint(r.Context(), tok, req.To, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("tokens minted",
		zap.String("token", tok.Hex()),
		zap.String("to", req.To.Hex()),
		zap.String("amount", amount.String()),
		zap.String("operator", signers[0].Hex()))
	s.writeBalance(w, r, tok, req.To)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, err)
		return
	}
	holder, err := pathAddress(r, "holder")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBalance(w, r, tok, holder)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, tok, holder common.Address) {
	reader, ok := s.tokens.(token.BalanceReader)
	if !ok {
		http.Error(w, "token provider cannot report balances", http.StatusNotImplemented)
		return
	}
	balance, err := reader.BalanceOf(r.Context(), tok, holder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if balance == nil {
		balance = new(big.Int)
	}
	writeJSON(w, http.StatusOK, tokenBalanceResponse{Token: tok, Holder: holder, Balance: balance.String()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

// statusFor maps entry point and host errors onto HTTP statuses. Token
// transport failures are 502, storage backend failures 503 and anything
// else 500.
func statusFor(err error) int {
	var (
		transport *token.TransportError
		backend   *storage.BackendError
	)
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, host.ErrUnauthorized), errors.Is(err, errUnsignedMint):
		return http.StatusUnauthorized
	case errors.Is(err, contract.ErrNotEmployer),
		errors.Is(err, contract.ErrNotWorker),
		errors.Is(err, errMintingDisabled):
		return http.StatusForbidden
	case errors.Is(err, contract.ErrNoClaimableBalance), errors.Is(err, storage.ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, contract.ErrNotInitialized),
		errors.Is(err, contract.ErrAlreadyInitialized),
		errors.Is(err, contract.ErrTokenMismatch),
		errors.Is(err, storage.ErrInstanceExists),
		errors.Is(err, errIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, contract.ErrBeforeTimeBound):
		return http.StatusTooEarly
	case errors.Is(err, contract.ErrAmountOverflow),
		errors.Is(err, contract.ErrInvalidAmount),
		errors.Is(err, token.ErrNegativeAmount),
		errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transport):
		return http.StatusBadGateway
	case errors.As(err, &backend):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads the request body and unmarshals it into v. The raw bytes
// are returned for the DLQ.
func decodeBody(r *http.Request, v interface{}, optional bool) ([]byte, error) {
	if r.Body == nil {
		if optional {
			return nil, nil
		}
		return nil, errors.Wrap(errBadRequest, "empty body")
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(errBadRequest, "read body")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		if optional {
			return raw, nil
		}
		return nil, errors.Wrap(errBadRequest, "empty body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, errors.Wrapf(errBadRequest, "invalid json payload: %v", err)
	}
	return raw, nil
}

func pathAddress(r *http.Request, name string) (common.Address, error) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.Wrapf(errBadRequest, "%s is not an address: %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func requireAddresses(fields map[string]common.Address) error {
	for name, addr := range fields {
		if addr == (common.Address{}) {
			return errors.Wrapf(errBadRequest, "%s is required", name)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
