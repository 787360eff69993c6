package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.yaml")
	yaml := `
database:
  url: postgres://file@localhost/escrow
http:
  addr: ":9000"
auth:
  jwt_secret: from-file
settlement:
  timeout: 3s
  primary_attempts: 2
  intermediary:
    base_url: https://intermediary.example
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("ESCROW_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file@localhost/escrow", cfg.Database.URL)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.Settlement.Timeout)
	assert.Equal(t, uint(2), cfg.Settlement.PrimaryAttempts)
	assert.Equal(t, "https://intermediary.example", cfg.Settlement.Intermediary.BaseURL)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
}

func TestLoad_EnvOnlyUsesLegacyNames(t *testing.T) {
	t.Setenv("JWT_SECRET", "legacy")
	t.Setenv("DATABASE_URL", "postgres://legacy@localhost/escrow")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "legacy", cfg.Auth.JWTSecret)
	assert.Equal(t, "postgres://legacy@localhost/escrow", cfg.Database.URL)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, uint(1), cfg.Settlement.PrimaryAttempts)
}

func TestValidate(t *testing.T) {
	base := Config{
		Auth:       AuthConfig{JWTSecret: "s"},
		Settlement: SettlementConfig{Timeout: time.Second, PrimaryAttempts: 1},
	}
	require.NoError(t, base.Validate())

	noSecret := base
	noSecret.Auth.JWTSecret = ""
	require.Error(t, noSecret.Validate())

	partialChain := base
	partialChain.Settlement.Chain.RPCURL = "http://localhost:8545"
	require.Error(t, partialChain.Validate())
}
