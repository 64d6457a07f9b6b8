package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML fields accept human readable strings
// like "90s" or "15m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration back out for config round trips.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the brokerd root configuration document.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Auth      AuthConfig      `toml:"auth"`
	Store     StoreConfig     `toml:"store"`
	Wallet    WalletConfig    `toml:"wallet"`
	Fees      FeesConfig      `toml:"fees"`
	Broker    BrokerConfig    `toml:"broker"`
	Recon     ReconConfig     `toml:"recon"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Ledgers   []LedgerConfig  `toml:"ledger"`
}

// ServiceConfig carries the process level knobs.
type ServiceConfig struct {
	ListenAddress string `toml:"listen"`
	DataDir       string `toml:"data_dir"`
	Environment   string `toml:"environment"`
}

// LogConfig configures the slog JSON sink and optional rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enable      bool     `toml:"enable"`
	Endpoint    string   `toml:"endpoint"`
	Insecure    bool     `toml:"insecure"`
	Metrics     bool     `toml:"metrics"`
	Traces      bool     `toml:"traces"`
	SampleRatio float64  `toml:"sample_ratio"`
	Headers     string   `toml:"headers"`
	Interval    Duration `toml:"interval"`
}

// AuthConfig configures API bearer authentication. The signing secret is
// never written into the file; it is named by environment variable and
// resolved at load time.
type AuthConfig struct {
	JWTSecretEnv string   `toml:"jwt_secret_env"`
	Issuer       string   `toml:"issuer"`
	Audience     string   `toml:"audience"`
	MaxSkew      Duration `toml:"max_skew"`

	// JWTSecret holds the resolved secret after Load. Not a TOML field.
	JWTSecret string `toml:"-"`
}

// StoreConfig names the three durable stores: the relational deal store, the
// sqlite payout queue and the bbolt watcher checkpoints.
type StoreConfig struct {
	DealDriver     string `toml:"deal_driver"`
	DealDSN        string `toml:"deal_dsn"`
	DealDSNEnv     string `toml:"deal_dsn_env"`
	PayoutPath     string `toml:"payout_path"`
	CheckpointPath string `toml:"checkpoint_path"`
}

// WalletConfig locates the escrow master seed and the derived-account cache.
// Exactly one of SeedEnv or SeedFile supplies the seed.
type WalletConfig struct {
	SeedEnv   string `toml:"seed_env"`
	SeedFile  string `toml:"seed_file"`
	Directory string `toml:"directory"`

	// Seed holds the resolved hex seed after Load. Not a TOML field.
	Seed string `toml:"-"`
}

// FeesConfig locates the YAML commission schedule and maps assets to their
// base-unit decimals for fixed-USD conversion.
type FeesConfig struct {
	PolicyFile string           `toml:"policy_file"`
	Decimals   map[string]int32 `toml:"decimals"`
}

// BrokerConfig tunes the worker loops.
type BrokerConfig struct {
	DriveInterval Duration `toml:"drive_interval"`
	PollInterval  Duration `toml:"poll_interval"`
	QueueInterval Duration `toml:"queue_interval"`
	StuckAfter    Duration `toml:"stuck_after"`
	AutoSettle    bool     `toml:"auto_settle"`
}

// ReconConfig schedules the daily settlement report.
type ReconConfig struct {
	Enable    bool   `toml:"enable"`
	OutputDir string `toml:"output_dir"`
	RunHour   int    `toml:"run_hour"`
	RunMinute int    `toml:"run_minute"`
	Timezone  string `toml:"timezone"`
}

// RateLimitConfig throttles the operational API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"rps"`
	Burst             int     `toml:"burst"`
}

// LedgerConfig parameterizes one chain adapter. Model selects the adapter
// family; the evm_* and utxo-specific tables are consulted only for the
// matching model.
type LedgerConfig struct {
	ID               string `toml:"id"`
	Model            string `toml:"model"`
	NativeAsset      string `toml:"native_asset"`
	MinConfirmations uint64 `toml:"min_confirmations"`
	ConfirmTarget    uint64 `toml:"confirm_target"`
	// Operator is the identity authorized to drive swap and revert on
	// broker-custodied escrows. Contract-backed ledgers derive theirs from
	// the operator key instead.
	Operator     string `toml:"operator"`
	FeeRecipient string `toml:"fee_recipient"`
	Reserve          string `toml:"reserve"`
	ReserveFloor     string `toml:"reserve_floor"`

	// Account-model fields.
	RPCURL        string            `toml:"rpc_url"`
	RPCURLEnv     string            `toml:"rpc_url_env"`
	ChainID       int64             `toml:"chain_id"`
	OperatorIndex uint32            `toml:"operator_index"`
	Factory       string            `toml:"factory"`
	InitCodeHash  string            `toml:"init_code_hash"`
	Tokens        map[string]string `toml:"tokens"`

	// UTXO-model fields.
	Network         string        `toml:"network"`
	CoinType        uint32        `toml:"coin_type"`
	FallbackFeeRate int64         `toml:"fallback_fee_rate"`
	DustLimit       int64         `toml:"dust_limit"`
	Node            NodeConfig    `toml:"node"`
	Indexer         IndexerConfig `toml:"indexer"`
	Seeds           SeedConfig    `toml:"seeds"`
}

// NodeConfig points a UTXO adapter at a full node RPC endpoint.
type NodeConfig struct {
	Host    string `toml:"host"`
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	PassEnv string `toml:"pass_env"`
}

// IndexerConfig points a UTXO adapter at an Esplora-compatible HTTP API used
// as the failover backend.
type IndexerConfig struct {
	BaseURL           string   `toml:"base_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           Duration `toml:"timeout"`
}

// SeedConfig lists DNS seeds used to discover fallback node endpoints.
type SeedConfig struct {
	Hosts    []string `toml:"hosts"`
	Port     string   `toml:"port"`
	Resolver string   `toml:"resolver"`
}

// Load reads, defaults, resolves and validates the configuration at path.
// Unknown keys are rejected so typos fail loudly instead of silently running
// with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	applyDefaults(cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.ListenAddress == "" {
		cfg.Service.ListenAddress = ":7090"
	}
	if cfg.Service.DataDir == "" {
		cfg.Service.DataDir = "./broker-data"
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "dev"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = 30 * time.Second
	}
	if cfg.Store.DealDriver == "" {
		cfg.Store.DealDriver = "sqlite"
	}
	if cfg.Store.DealDSN == "" && cfg.Store.DealDSNEnv == "" {
		cfg.Store.DealDSN = "deals.db"
	}
	if cfg.Store.PayoutPath == "" {
		cfg.Store.PayoutPath = "payouts.db"
	}
	if cfg.Store.CheckpointPath == "" {
		cfg.Store.CheckpointPath = "checkpoints.db"
	}
	if cfg.Wallet.Directory == "" {
		cfg.Wallet.Directory = "accounts"
	}
	if cfg.Fees.PolicyFile == "" {
		cfg.Fees.PolicyFile = "fees.yaml"
	}
	if cfg.Broker.DriveInterval.Duration == 0 {
		cfg.Broker.DriveInterval.Duration = 5 * time.Second
	}
	if cfg.Broker.PollInterval.Duration == 0 {
		cfg.Broker.PollInterval.Duration = 10 * time.Second
	}
	if cfg.Broker.QueueInterval.Duration == 0 {
		cfg.Broker.QueueInterval.Duration = 3 * time.Second
	}
	if cfg.Broker.StuckAfter.Duration == 0 {
		cfg.Broker.StuckAfter.Duration = 15 * time.Minute
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon"
	}
	if cfg.Recon.Timezone == "" {
		cfg.Recon.Timezone = "UTC"
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	for i := range cfg.Ledgers {
		ledger := &cfg.Ledgers[i]
		ledger.ID = strings.ToLower(strings.TrimSpace(ledger.ID))
		ledger.Model = strings.ToLower(strings.TrimSpace(ledger.Model))
		if ledger.ConfirmTarget == 0 {
			ledger.ConfirmTarget = ledger.MinConfirmations
		}
		if strings.TrimSpace(ledger.Operator) == "" {
			ledger.Operator = "brokerd"
		}
	}
}

// resolveSecrets pulls every *_env indirection out of the environment so the
// rest of the process never touches os.Getenv.
func (cfg *Config) resolveSecrets() error {
	if env := strings.TrimSpace(cfg.Auth.JWTSecretEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("auth: jwt_secret_env %s is empty", env)
		}
		cfg.Auth.JWTSecret = value
	}
	if env := strings.TrimSpace(cfg.Store.DealDSNEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("store: deal_dsn_env %s is empty", env)
		}
		cfg.Store.DealDSN = value
	}
	if env := strings.TrimSpace(cfg.Wallet.SeedEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("wallet: seed_env %s is empty", env)
		}
		cfg.Wallet.Seed = value
	}
	for i := range cfg.Ledgers {
		ledger := &cfg.Ledgers[i]
		if env := strings.TrimSpace(ledger.RPCURLEnv); env != "" {
			value := strings.TrimSpace(os.Getenv(env))
			if value == "" {
				return fmt.Errorf("ledger %s: rpc_url_env %s is empty", ledger.ID, env)
			}
			ledger.RPCURL = value
		}
		if env := strings.TrimSpace(ledger.Node.PassEnv); env != "" {
			value := strings.TrimSpace(os.Getenv(env))
			if value == "" {
				return fmt.Errorf("ledger %s: node.pass_env %s is empty", ledger.ID, env)
			}
			ledger.Node.Pass = value
		}
	}
	return nil
}

// ReserveFloorInt parses the ledger's reserve floor into base units. An empty
// field means no floor.
func (l LedgerConfig) ReserveFloorInt() (*big.Int, error) {
	trimmed := strings.TrimSpace(l.ReserveFloor)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("ledger %s: malformed reserve_floor %q", l.ID, l.ReserveFloor)
	}
	return value, nil
}
