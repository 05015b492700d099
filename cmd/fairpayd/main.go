package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fairpay/internal/config"
	"fairpay/internal/host"
	"fairpay/internal/idempotency"
	"fairpay/internal/logging"
	"fairpay/internal/server"
	"fairpay/internal/sigauth"
	"fairpay/internal/storage"
	badgerstore "fairpay/internal/storage/badger"
	pgstore "fairpay/internal/storage/postgres"
	"fairpay/internal/token"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options contains the flag options
type Options struct {
	Config  string `short:"c" long:"config" description:"Path to the YAML config file. Defaults to $CONFIG_PATH or fairpay.yaml."`
	EnvFile string `long:"env-file" description:"Path to a .env file. Defaults to $ENV_PATH or .env."`
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	cfg, err := config.Load(options.Config, options.EnvFile)
	if err != nil {
		exit("config error: %v\n", err)
	}
	if err := cfg.Validate(); err != nil {
		exit("config error: %v\n", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		exit("logger error: %v\n", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fairpayd stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx := context.Background()
	metrics := server.NewMetrics()

	store, storageHealth, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	idem, closeIdem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIdem()

	var (
		tokens token.Provider
		clock  host.Clock = host.SystemClock{}
	)
	if cfg.Chain.PrivateKey != "" {
		eth, err := token.NewEthProvider(ctx, token.EthConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			Retry: token.RetryPolicy{
				MaxAttempts:       cfg.Retry.MaxAttempts,
				InitialBackoff:    cfg.Retry.InitialBackoff,
				MaxBackoff:        cfg.Retry.MaxBackoff,
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			},
			WaitReceipts: cfg.Chain.WaitReceipts,
			OnRetry:      metrics.IncTokenRetry,
		}, logger.Named("eth"))
		if err != nil {
			return errors.Wrap(err, "token provider")
		}
		defer eth.Close()
		tokens = eth
		if cfg.Chain.UseChainClock {
			clock = eth
		}
		logger.Info("using ERC20 token provider",
			zap.String("rpc", cfg.Chain.RPCURL),
			zap.String("custody", eth.Wallet().Hex()))
	} else {
		tokens = token.NewLedger()
		logger.Warn("no chain key configured, using the in-memory sandbox ledger")
	}

	// Persistent drivers keep request nonces next to instance state.
	nonces, _ := store.(sigauth.NonceStore)
	if cfg.Service.AllowMint {
		logger.Warn("sandbox minting is enabled")
	}

	h := host.New(store, tokens, clock, logger.Named("host"))
	apiServer := server.NewServer(cfg, server.Deps{
		Host:          h,
		Tokens:        tokens,
		Idempotency:   idem,
		Metrics:       metrics,
		Log:           logger.Named("api"),
		StorageHealth: storageHealth,
		Nonces:        nonces,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func openStorage(ctx context.Context, cfg *config.AppConfig) (storage.Store, func(context.Context) error, error) {
	switch cfg.Storage.Driver {
	case "badger":
		store, err := badgerstore.OpenPath(cfg.Storage.Path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open badger storage")
		}
		return store, nil, nil
	case "postgres":
		store, err := pgstore.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open postgres storage")
		}
		return store, store.Ping, nil
	default:
		return storage.NewMemoryStore(), nil, nil
	}
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Postgres.DSN != "" {
		store, err := idempotency.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "idempotency store")
		}
		return store, store.Close, nil
	}
	store, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "idempotency store")
	}
	return store, func() {}, nil
}

func exit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(2)
}
