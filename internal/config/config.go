// Package config loads the service configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Chain      ChainConfig      `yaml:"chain"`
	Settlement SettlementConfig `yaml:"settlement"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig selects the persistence backend. An empty DSN falls back
// to the in-memory store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ChainConfig points at the RPC node.
type ChainConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SettlementConfig holds the fee ledger accounts and admin credential.
type SettlementConfig struct {
	VaultAccount    string        `yaml:"vault_account"`
	TreasuryAccount string        `yaml:"treasury_account"`
	TreasuryKey     string        `yaml:"treasury_key"`
	AdminToken      string        `yaml:"admin_token"`
	MaxPayout       float64       `yaml:"max_payout"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	WatchInterval   time.Duration `yaml:"watch_interval"`
	AuditLogPath    string        `yaml:"audit_log_path"`
}

// RateLimitConfig tunes the fixed-window limiters. Each endpoint class
// gets its own window and ceiling.
type RateLimitConfig struct {
	PerIP         WindowConfig `yaml:"per_ip"`
	Registration  WindowConfig `yaml:"registration"`
	OrderMutation WindowConfig `yaml:"order_mutation"`
}

// WindowConfig is one fixed window.
type WindowConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			Timeout: 30 * time.Second,
		},
		Settlement: SettlementConfig{
			MaxPayout:      10,
			ConfirmTimeout: 30 * time.Second,
			WatchInterval:  time.Minute,
		},
		RateLimits: RateLimitConfig{
			PerIP:         WindowConfig{Max: 120, Window: time.Minute},
			Registration:  WindowConfig{Max: 10, Window: time.Minute},
			OrderMutation: WindowConfig{Max: 60, Window: time.Minute},
		},
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv lets deployments inject endpoints and secrets without a file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ATELIER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ATELIER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("ATELIER_CHAIN_RPC"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("ATELIER_VAULT_ACCOUNT"); v != "" {
		cfg.Settlement.VaultAccount = v
	}
	if v := os.Getenv("ATELIER_TREASURY_ACCOUNT"); v != "" {
		cfg.Settlement.TreasuryAccount = v
	}
	if v := os.Getenv("ATELIER_TREASURY_KEY"); v != "" {
		cfg.Settlement.TreasuryKey = v
	}
	if v := os.Getenv("ATELIER_ADMIN_TOKEN"); v != "" {
		cfg.Settlement.AdminToken = v
	}
}
