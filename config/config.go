// Package config loads the escrow service configuration from a YAML file and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig configures the Postgres contract store. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig configures bearer token verification.
//
// WARNING: This data type contains sensitive fields and should not be logged.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"` // Secret: HS256 signing key
}

// ChainConfig configures the primary on-chain settlement backend. An empty RPCURL selects the
// in-memory sandbox ledger.
//
// WARNING: This data type contains sensitive fields and should not be logged.
type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url" yaml:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address" yaml:"contract_address"`
	ChainID         int64  `mapstructure:"chain_id" yaml:"chain_id"`
	PrivateKey      string `mapstructure:"private_key" yaml:"private_key"` // Secret: hex operator key
}

// IntermediaryConfig configures the fallback trusted-intermediary backend. An empty BaseURL
// selects the in-memory sandbox ledger.
//
// WARNING: This data type contains sensitive fields and should not be logged.
type IntermediaryConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"` // Secret: bearer credential
}

// SettlementConfig configures both backends and the degradation policy.
type SettlementConfig struct {
	Timeout         time.Duration      `mapstructure:"timeout" yaml:"timeout"`
	PrimaryAttempts uint               `mapstructure:"primary_attempts" yaml:"primary_attempts"`
	RetryDelay      time.Duration      `mapstructure:"retry_delay" yaml:"retry_delay"`
	Chain           ChainConfig        `mapstructure:"chain" yaml:"chain"`
	Intermediary    IntermediaryConfig `mapstructure:"intermediary" yaml:"intermediary"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Config wraps the entire service configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Settlement SettlementConfig `mapstructure:"settlement" yaml:"settlement"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

var (
	// envBindings maps config keys to environment variables. The first name is preferred;
	// later names are accepted for compatibility (DATABASE_URL is what the test harness exports).
	envBindings = map[string][]string{
		"database.url":                      {"ESCROW_DATABASE_URL", "DATABASE_URL"},
		"database.max_conns":                {"ESCROW_DATABASE_MAX_CONNS"},
		"database.min_conns":                {"ESCROW_DATABASE_MIN_CONNS"},
		"database.max_conn_lifetime":        {"ESCROW_DATABASE_MAX_CONN_LIFETIME"},
		"http.addr":                         {"ESCROW_HTTP_ADDR"},
		"http.shutdown_timeout":             {"ESCROW_HTTP_SHUTDOWN_TIMEOUT"},
		"auth.jwt_secret":                   {"ESCROW_JWT_SECRET", "JWT_SECRET"},
		"settlement.timeout":                {"ESCROW_SETTLEMENT_TIMEOUT"},
		"settlement.primary_attempts":       {"ESCROW_SETTLEMENT_PRIMARY_ATTEMPTS"},
		"settlement.retry_delay":            {"ESCROW_SETTLEMENT_RETRY_DELAY"},
		"settlement.chain.rpc_url":          {"ESCROW_CHAIN_RPC_URL"},
		"settlement.chain.contract_address": {"ESCROW_CHAIN_CONTRACT_ADDRESS"},
		"settlement.chain.chain_id":         {"ESCROW_CHAIN_ID"},
		"settlement.chain.private_key":      {"ESCROW_CHAIN_PRIVATE_KEY"},
		"settlement.intermediary.base_url":  {"ESCROW_INTERMEDIARY_BASE_URL"},
		"settlement.intermediary.api_key":   {"ESCROW_INTERMEDIARY_API_KEY"},
		"log.level":                         {"ESCROW_LOG_LEVEL"},
		"log.development":                   {"ESCROW_LOG_DEVELOPMENT"},
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("settlement.timeout", 15*time.Second)
	v.SetDefault("settlement.primary_attempts", 1)
	v.SetDefault("settlement.retry_delay", 500*time.Millisecond)
	v.SetDefault("log.level", "info")
}

// Load loads the config from filePath, falling back to env vars if the file does not exist.
// If the file exists, any env vars that are set override the values it provides.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	if filePath != "" {
		v.SetConfigFile(filePath)
		if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", filePath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	if c.Settlement.PrimaryAttempts == 0 {
		return errors.New("config: settlement.primary_attempts must be at least 1")
	}
	if c.Settlement.Timeout <= 0 {
		return errors.New("config: settlement.timeout must be positive")
	}
	chain := c.Settlement.Chain
	if chain.RPCURL != "" && (chain.ContractAddress == "" || chain.PrivateKey == "" || chain.ChainID == 0) {
		return errors.New("config: settlement.chain requires contract_address, private_key and chain_id")
	}
	return nil
}

// bindEnvs binds the environment variables to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		inputs := slices.Insert(slices.Clone(envs), 0, key)
		if err := v.BindEnv(inputs...); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	return nil
}
