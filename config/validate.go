package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Ledger.RPC) == 0 {
		return fmt.Errorf("ledger.rpc must list at least one endpoint")
	}
	for i, url := range cfg.Ledger.RPC {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("ledger.rpc[%d] is empty", i)
		}
	}
	if cfg.Ledger.Contract == "" {
		return fmt.Errorf("ledger.contract is required (or set %s)", EnvContract)
	}
	if !common.IsHexAddress(cfg.Ledger.Contract) {
		return fmt.Errorf("ledger.contract %q is not a valid address", cfg.Ledger.Contract)
	}
	if cfg.Ledger.ChainID < 0 {
		return fmt.Errorf("ledger.chain_id must not be negative")
	}
	if cfg.Ledger.ProbeAttempts == 0 {
		return fmt.Errorf("ledger.probe_attempts must be at least 1")
	}
	if cfg.Ledger.ProbeDelay < 0 {
		return fmt.Errorf("ledger.probe_delay must not be negative")
	}

	if cfg.Key.Encrypted && cfg.Key.File == "" {
		return fmt.Errorf("key.encrypted requires key.file")
	}

	if cfg.Relayer.Interval <= 0 {
		return fmt.Errorf("relayer.interval must be positive")
	}
	if cfg.Scan.ChunkSize == 0 {
		return fmt.Errorf("scan.chunk_size must be positive")
	}

	if cfg.Live.Enabled {
		if cfg.Ledger.WS == "" {
			return fmt.Errorf("live.enabled requires ledger.ws")
		}
		if cfg.Live.ReconnectDelay <= 0 || cfg.Live.SetupRetryDelay <= 0 {
			return fmt.Errorf("live reconnect delays must be positive")
		}
	}

	if len(cfg.Retry.Delays) == 0 {
		return fmt.Errorf("retry.delays must not be empty")
	}
	for i, d := range cfg.Retry.Delays {
		if d <= 0 {
			return fmt.Errorf("retry.delays[%d] must be positive", i)
		}
		if i > 0 && d < cfg.Retry.Delays[i-1] {
			return fmt.Errorf("retry.delays must not decrease (%s after %s)", d, cfg.Retry.Delays[i-1])
		}
	}
	if cfg.Retry.ReasonMax <= 0 {
		return fmt.Errorf("retry.reason_max must be positive")
	}
	if cfg.Payment.ConfirmTimeout <= 0 {
		return fmt.Errorf("payment.confirm_timeout must be positive")
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port must be in range [0, 65535]")
	}

	return nil
}
