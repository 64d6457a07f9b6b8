package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field consistency after defaults and secret
// resolution. It does not touch the filesystem or the network; path
// and endpoint reachability are the daemon's problem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth: jwt_secret_env must name a populated environment variable")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth: jwt secret must be at least 32 bytes")
	}
	switch cfg.Store.DealDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store: unsupported deal_driver %q", cfg.Store.DealDriver)
	}
	if strings.TrimSpace(cfg.Wallet.Seed) == "" && strings.TrimSpace(cfg.Wallet.SeedFile) == "" {
		return fmt.Errorf("wallet: one of seed_env or seed_file is required")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 {
		return fmt.Errorf("recon: run_hour %d out of range", cfg.Recon.RunHour)
	}
	if cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon: run_minute %d out of range", cfg.Recon.RunMinute)
	}
	if len(cfg.Ledgers) == 0 {
		return fmt.Errorf("at least one [[ledger]] entry is required")
	}
	seen := make(map[string]bool, len(cfg.Ledgers))
	for _, ledger := range cfg.Ledgers {
		if ledger.ID == "" {
			return fmt.Errorf("ledger: id is required")
		}
		if seen[ledger.ID] {
			return fmt.Errorf("ledger %s: duplicate id", ledger.ID)
		}
		seen[ledger.ID] = true
		if err := validateLedger(ledger); err != nil {
			return err
		}
	}
	return nil
}

func validateLedger(ledger LedgerConfig) error {
	if ledger.MinConfirmations == 0 {
		return fmt.Errorf("ledger %s: min_confirmations must be positive", ledger.ID)
	}
	if strings.TrimSpace(ledger.FeeRecipient) == "" {
		return fmt.Errorf("ledger %s: fee_recipient is required", ledger.ID)
	}
	if _, err := ledger.ReserveFloorInt(); err != nil {
		return err
	}
	switch ledger.Model {
	case "evm":
		if strings.TrimSpace(ledger.RPCURL) == "" {
			return fmt.Errorf("ledger %s: rpc_url is required for the evm model", ledger.ID)
		}
		if ledger.ChainID <= 0 {
			return fmt.Errorf("ledger %s: chain_id must be positive", ledger.ID)
		}
		if strings.TrimSpace(ledger.Factory) == "" {
			return fmt.Errorf("ledger %s: factory address is required", ledger.ID)
		}
		if strings.TrimSpace(ledger.InitCodeHash) == "" {
			return fmt.Errorf("ledger %s: init_code_hash is required", ledger.ID)
		}
	case "utxo":
		node := strings.TrimSpace(ledger.Node.Host) != ""
		indexer := strings.TrimSpace(ledger.Indexer.BaseURL) != ""
		if !node && !indexer {
			return fmt.Errorf("ledger %s: configure node.host, indexer.base_url or both", ledger.ID)
		}
		if node && strings.TrimSpace(ledger.Node.User) == "" {
			return fmt.Errorf("ledger %s: node.user is required when node.host is set", ledger.ID)
		}
	default:
		return fmt.Errorf("ledger %s: unknown model %q (want evm or utxo)", ledger.ID, ledger.Model)
	}
	return nil
}
