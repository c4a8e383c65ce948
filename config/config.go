// Package config handles relayer configuration.
//
// Values are layered: built-in defaults, the relayer.conf file in the data
// directory, environment variables (optionally from a .env file) and
// finally command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds the relayer's runtime configuration. It is treated as
// immutable once Load returns.
type Config struct {
	DataDir string `conf:"datadir"`

	// Ledger endpoints and contract
	Ledger LedgerConfig

	// Signing key
	Key KeyConfig

	// Reconciliation loop
	Relayer RelayerConfig

	// Event discovery
	Scan ScanConfig
	Live LiveConfig

	// Failure handling
	Retry   RetryConfig
	Payment PaymentConfig

	// Liveness endpoint
	Health HealthConfig

	// Logging
	Log LogConfig
}

// LedgerConfig holds the ledger connection settings.
type LedgerConfig struct {
	RPC           []string      `conf:"ledger.rpc"` // Ordered fallback list
	WS            string        `conf:"ledger.ws"`  // Push endpoint for live listening
	Contract      string        `conf:"ledger.contract"`
	ChainID       int64         `conf:"ledger.chain_id"` // 0 = accept any
	ProbeAttempts uint          `conf:"ledger.probe_attempts"`
	ProbeDelay    time.Duration `conf:"ledger.probe_delay"`
}

// KeyConfig points at the relayer's signing key. PRIVATE_KEY in the
// environment takes precedence over both files.
type KeyConfig struct {
	File         string `conf:"key.file"`
	Encrypted    bool   `conf:"key.encrypted"`
	MnemonicFile string `conf:"key.mnemonic_file"`
	Index        uint32 `conf:"key.index"`
}

// RelayerConfig holds the tick settings.
type RelayerConfig struct {
	Interval time.Duration `conf:"relayer.interval"`
}

// ScanConfig holds the incremental scan settings.
type ScanConfig struct {
	ChunkSize      uint64 `conf:"scan.chunk_size"`
	RecentWindow   uint64 `conf:"scan.recent_window"`   // Blocks kept when fast-forwarding
	StaleThreshold uint64 `conf:"scan.stale_threshold"` // Lag that triggers a fast-forward
	StartBlock     uint64 `conf:"scan.start_block"`     // Contract deployment block
}

// LiveConfig holds the push listener settings.
type LiveConfig struct {
	Enabled         bool          `conf:"live.enabled"`
	ReconnectDelay  time.Duration `conf:"live.reconnect_delay"`
	SetupRetryDelay time.Duration `conf:"live.setup_retry_delay"`
}

// RetryConfig holds the backoff table.
type RetryConfig struct {
	Delays    []time.Duration `conf:"retry.delays"`
	ReasonMax int             `conf:"retry.reason_max"` // Stored failure reason length
}

// PaymentConfig holds payment submission settings.
type PaymentConfig struct {
	ConfirmTimeout time.Duration `conf:"payment.confirm_timeout"`
}

// HealthConfig holds the liveness server settings.
type HealthConfig struct {
	Enabled bool   `conf:"health.enabled"`
	Addr    string `conf:"health.addr"`
	Port    int    `conf:"health.port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.recurve
//	macOS:   ~/Library/Application Support/Recurve
//	Windows: %APPDATA%\Recurve
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recurve"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Recurve")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Recurve")
		}
		return filepath.Join(home, "AppData", "Roaming", "Recurve")
	default:
		return filepath.Join(home, ".recurve")
	}
}

// StateDir returns the Badger directory holding cursor, watch-list and
// failure ledger.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "relayer.conf")
}

// HealthListenAddr returns host:port for the liveness server.
func (c *Config) HealthListenAddr() string {
	return joinHostPort(c.Health.Addr, c.Health.Port)
}
