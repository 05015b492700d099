package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"fairpay/internal/config"
	"fairpay/internal/contract"
	"fairpay/internal/host"
	"fairpay/internal/idempotency"
	"fairpay/internal/sigauth"
	"fairpay/internal/token"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the collaborators the API drives.
type Deps struct {
	Host        *host.Host
	Tokens      token.Provider
	Idempotency idempotency.Store
	Metrics     *Metrics
	Log         *zap.Logger
	// StorageHealth pings the instance storage backend, when it has one.
	StorageHealth func(context.Context) error
	// Nonces records signed request nonces. Defaults to process memory.
	Nonces sigauth.NonceStore
}

type Server struct {
	cfg        *config.AppConfig
	host       *host.Host
	contract   contract.FairPayment
	tokens     token.Provider
	store      idempotency.Store
	auth       *sigauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	log        *zap.Logger
	health     []healthCheck
}

// healthCheck pings one backend. A nil ping always reports connected.
type healthCheck struct {
	name    string
	backend string
	ping    func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		host:     deps.Host,
		contract: contract.FairPayment{Policy: cfg.Policy},
		tokens:   deps.Tokens,
		store:    deps.Idempotency,
		auth: &sigauth.Verifier{
			MaxSkew: cfg.Service.SignatureClockSkew,
			Nonces:  deps.Nonces,
		},
		metrics: metrics,
		log:     log,
	}
	s.health = healthChecks(cfg, deps)

	signed := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/contracts", signed(s.handleDeploy))
	mux.HandleFunc("GET /api/v1/contracts", s.handleListContracts)
	mux.HandleFunc("GET /api/v1/contracts/{id}", s.handleContractState)
	mux.Handle("POST /api/v1/contracts/{id}/init", signed(s.handleInit))
	mux.Handle("POST /api/v1/contracts/{id}/make-payments", signed(s.handleMakePayments))
	mux.Handle("POST /api/v1/contracts/{id}/deposit-salary", signed(s.handleDepositSalary))
	mux.Handle("POST /api/v1/contracts/{id}/deposit-tip", signed(s.handleDepositTip))
	mux.Handle("POST /api/v1/contracts/{id}/execute-payment", signed(s.handleExecutePayment))
	mux.Handle("POST /api/v1/tokens/{token}/mint", signed(s.handleMint))
	mux.HandleFunc("GET /api/v1/tokens/{token}/balances/{holder}", s.handleBalance)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed API, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type componentHealth struct {
	Backend   string  `json:"backend"`
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string          `json:"status"`
	Storage     componentHealth `json:"storage"`
	Idempotency componentHealth `json:"idempotency"`
	Chain       componentHealth `json:"chain"`
	QueueDepth  int             `json:"queue_depth"`
}

func healthChecks(cfg *config.AppConfig, deps Deps) []healthCheck {
	type pinger interface{ Ping(context.Context) error }

	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "memory"
	}
	checks := []healthCheck{{name: "storage", backend: driver, ping: deps.StorageHealth}}

	idem := healthCheck{name: "idempotency", backend: "none"}
	switch deps.Idempotency.(type) {
	case *idempotency.PostgresStore:
		idem.backend = "postgres"
	case *idempotency.FileStore:
		idem.backend = "file"
	case *idempotency.MemoryStore:
		idem.backend = "memory"
	}
	if p, ok := deps.Idempotency.(pinger); ok {
		idem.ping = p.Ping
	}
	checks = append(checks, idem)

	chain := healthCheck{name: "chain", backend: "sandbox"}
	if _, ok := deps.Tokens.(*token.EthProvider); ok {
		chain.backend = "erc20"
	}
	if p, ok := deps.Tokens.(pinger); ok {
		chain.ping = p.Ping
	}
	return append(checks, chain)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	for _, check := range s.health {
		c := s.runCheck(r.Context(), check)
		if !c.Connected {
			resp.Status = "degraded"
		}
		switch check.name {
		case "storage":
			resp.Storage = c
		case "idempotency":
			resp.Idempotency = c
		case "chain":
			resp.Chain = c
		}
	}
	resp.QueueDepth = s.updateDLQDepth()

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) runCheck(ctx context.Context, check healthCheck) componentHealth {
	c := componentHealth{Backend: check.backend, Connected: true}
	if check.ping == nil {
		return c
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := check.ping(ctx); err != nil {
		c.Connected = false
		c.Error = err.Error()
		s.log.Warn("health check failed", zap.String("component", check.name), zap.Error(err))
		return c
	}
	c.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	return c
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
