package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fairpay/internal/contract"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileConfig models fairpay.yaml.
type FileConfig struct {
	Service struct {
		HTTPPort               int    `yaml:"http_port"`
		SignatureClockSkewSecs int    `yaml:"signature_clock_skew_seconds"`
		IdempotencyWindowSecs  int    `yaml:"idempotency_window_seconds"`
		IdempotencyStorePath   string `yaml:"idempotency_store_path"`
		DLQPath                string `yaml:"dlq_path"`
		ShutdownTimeoutSecs    int    `yaml:"shutdown_timeout_seconds"`
		AllowMint              bool   `yaml:"allow_mint"`
	} `yaml:"service"`
	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Chain struct {
		RPCURL        string `yaml:"rpc_url"`
		UseChainClock bool   `yaml:"use_chain_clock"`
		WaitReceipts  bool   `yaml:"wait_receipts"`
	} `yaml:"chain"`
	Retry struct {
		MaxAttempts       int `yaml:"max_attempts"`
		InitialBackoffMs  int `yaml:"initial_backoff_ms"`
		MaxBackoffMs      int `yaml:"max_backoff_ms"`
		BackoffMultiplier int `yaml:"backoff_multiplier"`
	} `yaml:"retry"`
	Policy contract.Policy `yaml:"policy"`
	Log    struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// AppConfig is the resolved configuration: file values overridden by the environment.
type AppConfig struct {
	Service  ServiceConfig
	Storage  StorageConfig
	Chain    ChainConfig
	Retry    RetryConfig
	Policy   contract.Policy
	Log      LogConfig
	Postgres PostgresConfig
}

type ServiceConfig struct {
	HTTPPort             int
	SignatureClockSkew   time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DLQPath              string
	ShutdownTimeout      time.Duration
	// AllowMint exposes the signed mint route of the sandbox ledger.
	AllowMint bool
}

// StorageConfig selects the instance storage backend: memory, badger or postgres.
type StorageConfig struct {
	Driver string
	Path   string
}

type PostgresConfig struct {
	DSN string
}

// ChainConfig enables the ERC20 token provider when PrivateKey is set;
// otherwise the in-memory sandbox ledger is used.
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	UseChainClock bool
	WaitReceipts  bool
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type LogConfig struct {
	Level       string
	Development bool
}

const (
	defaultConfigPath = "fairpay.yaml"
	defaultEnvPath    = ".env"
)

// Default returns the configuration used when no file is present.
func Default() FileConfig {
	var cfg FileConfig
	cfg.Service.HTTPPort = 3000
	cfg.Service.SignatureClockSkewSecs = 60
	cfg.Service.IdempotencyWindowSecs = 86400
	cfg.Service.IdempotencyStorePath = filepath.Join(os.TempDir(), "fairpay-idem.json")
	cfg.Service.ShutdownTimeoutSecs = 10
	cfg.Storage.Driver = "memory"
	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialBackoffMs = 500
	cfg.Retry.MaxBackoffMs = 5000
	cfg.Retry.BackoffMultiplier = 2
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the env file and the YAML config, then applies environment overrides.
// Empty paths fall back to CONFIG_PATH/ENV_PATH and then to the defaults; a
// missing default file is not an error.
func Load(configPath, envPath string) (*AppConfig, error) {
	if envPath == "" {
		envPath = envOr("ENV_PATH", defaultEnvPath)
	}
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(err, "load env file %s", envPath)
	}

	explicit := configPath != ""
	if !explicit {
		configPath = envOr("CONFIG_PATH", defaultConfigPath)
	}
	fileCfg, err := loadFile(configPath)
	if err != nil {
		if explicit || !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrap(err, "load config")
		}
		def := Default()
		fileCfg = &def
	}

	return resolve(fileCfg), nil
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &cfg, nil
}

func resolve(f *FileConfig) *AppConfig {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	millis := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	return &AppConfig{
		Service: ServiceConfig{
			HTTPPort:             envOrInt("API_HTTP_PORT", f.Service.HTTPPort),
			SignatureClockSkew:   seconds(envOrInt("SIGNATURE_CLOCK_SKEW_SECONDS", f.Service.SignatureClockSkewSecs)),
			IdempotencyWindow:    seconds(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", f.Service.IdempotencyWindowSecs)),
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", f.Service.IdempotencyStorePath),
			DLQPath:              envOr("DLQ_PATH", f.Service.DLQPath),
			ShutdownTimeout:      seconds(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", f.Service.ShutdownTimeoutSecs)),
			AllowMint:            envOrBool("ALLOW_MINT", f.Service.AllowMint),
		},
		Storage: StorageConfig{
			Driver: envOr("STORAGE_DRIVER", f.Storage.Driver),
			Path:   envOr("STORAGE_PATH", f.Storage.Path),
		},
		Postgres: PostgresConfig{
			DSN: envOr("POSTGRES_DSN", f.Postgres.DSN),
		},
		Chain: ChainConfig{
			RPCURL:        envOr("CHAIN_RPC_URL", f.Chain.RPCURL),
			PrivateKey:    envOr("CHAIN_PRIVATE_KEY", ""),
			UseChainClock: envOrBool("CHAIN_CLOCK", f.Chain.UseChainClock),
			WaitReceipts:  envOrBool("CHAIN_WAIT_RECEIPTS", f.Chain.WaitReceipts),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", f.Retry.MaxAttempts),
			InitialBackoff:    millis(envOrInt("RETRY_INITIAL_BACKOFF_MS", f.Retry.InitialBackoffMs)),
			MaxBackoff:        millis(envOrInt("RETRY_MAX_BACKOFF_MS", f.Retry.MaxBackoffMs)),
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", f.Retry.BackoffMultiplier),
		},
		Policy: contract.Policy{
			GuardReinit:      envOrBool("POLICY_GUARD_REINIT", f.Policy.GuardReinit),
			MatchTipToken:    envOrBool("POLICY_MATCH_TIP_TOKEN", f.Policy.MatchTipToken),
			RestrictClaimant: envOrBool("POLICY_RESTRICT_CLAIMANT", f.Policy.RestrictClaimant),
		},
		Log: LogConfig{
			Level:       envOr("LOG_LEVEL", f.Log.Level),
			Development: envOrBool("LOG_DEVELOPMENT", f.Log.Development),
		},
	}
}

// Validate checks the combinations the daemon cannot start with.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "badger":
		if c.Storage.Path == "" {
			return errors.New("storage path is required for the badger driver")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("postgres dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Chain.UseChainClock && c.Chain.PrivateKey == "" {
		return errors.New("chain clock requires the chain token provider")
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
