package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fairpay.yaml")
	envPath := filepath.Join(dir, ".env")

	yamlBody := `
service:
  http_port: 8080
  dlq_path: /tmp/fairpay-dlq
  allow_mint: true
storage:
  driver: badger
  path: /var/lib/fairpay
retry:
  max_attempts: 5
policy:
  restrict_claimant: true
log:
  level: debug
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlBody), 0o600))
	require.NoError(t, os.WriteFile(envPath, []byte("FAIRPAY_TEST_UNUSED=1\n"), 0o600))

	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("POLICY_GUARD_REINIT", "true")

	cfg, err := Load(cfgPath, envPath)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Service.HTTPPort)
	require.Equal(t, "/tmp/fairpay-dlq", cfg.Service.DLQPath)
	require.True(t, cfg.Service.AllowMint)
	require.Equal(t, time.Minute, cfg.Service.SignatureClockSkew, "default survives partial file")
	require.Equal(t, "badger", cfg.Storage.Driver)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.InitialBackoff)
	require.True(t, cfg.Policy.RestrictClaimant)
	require.True(t, cfg.Policy.GuardReinit)
	require.False(t, cfg.Policy.MatchTipToken)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "1", os.Getenv("FAIRPAY_TEST_UNUSED"))
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingDefaultsAreFine(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("ENV_PATH", filepath.Join(dir, "absent.env"))

	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, 3000, cfg.Service.HTTPPort)
	require.False(t, cfg.Service.AllowMint, "minting is off unless enabled")
	require.NoError(t, cfg.Validate())
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "absent.yaml"), filepath.Join(dir, "absent.env"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := resolve(func() *FileConfig { d := Default(); return &d }())

	cfg.Storage.Driver = "badger"
	require.Error(t, cfg.Validate())

	cfg.Storage.Driver = "postgres"
	require.Error(t, cfg.Validate())

	cfg.Storage.Driver = "sqlite"
	require.Error(t, cfg.Validate())

	cfg.Storage.Driver = "memory"
	cfg.Chain.UseChainClock = true
	require.Error(t, cfg.Validate())
}
