package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads relayer configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "datadir":
		cfg.DataDir = value

	// Ledger
	case "ledger.rpc", "rpc":
		cfg.Ledger.RPC = parseStringList(value)
	case "ledger.ws", "ws":
		cfg.Ledger.WS = value
	case "ledger.contract", "contract":
		cfg.Ledger.Contract = value
	case "ledger.chain_id":
		cfg.Ledger.ChainID, err = strconv.ParseInt(value, 10, 64)
	case "ledger.probe_attempts":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 32)
		cfg.Ledger.ProbeAttempts = uint(n)
	case "ledger.probe_delay":
		cfg.Ledger.ProbeDelay, err = parseDuration(value)

	// Key
	case "key.file":
		cfg.Key.File = value
	case "key.encrypted":
		cfg.Key.Encrypted = parseBool(value)
	case "key.mnemonic_file":
		cfg.Key.MnemonicFile = value
	case "key.index":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 31)
		cfg.Key.Index = uint32(n)

	// Loop
	case "relayer.interval":
		cfg.Relayer.Interval, err = parseDuration(value)

	// Scan
	case "scan.chunk_size":
		cfg.Scan.ChunkSize, err = strconv.ParseUint(value, 10, 64)
	case "scan.recent_window":
		cfg.Scan.RecentWindow, err = strconv.ParseUint(value, 10, 64)
	case "scan.stale_threshold":
		cfg.Scan.StaleThreshold, err = strconv.ParseUint(value, 10, 64)
	case "scan.start_block":
		cfg.Scan.StartBlock, err = strconv.ParseUint(value, 10, 64)

	// Live listener
	case "live.enabled", "live":
		cfg.Live.Enabled = parseBool(value)
	case "live.reconnect_delay":
		cfg.Live.ReconnectDelay, err = parseDuration(value)
	case "live.setup_retry_delay":
		cfg.Live.SetupRetryDelay, err = parseDuration(value)

	// Retry
	case "retry.delays":
		cfg.Retry.Delays, err = parseDurationList(value)
	case "retry.reason_max":
		cfg.Retry.ReasonMax, err = strconv.Atoi(value)

	// Payment
	case "payment.confirm_timeout":
		cfg.Payment.ConfirmTimeout, err = parseDuration(value)

	// Health
	case "health.enabled", "health":
		cfg.Health.Enabled = parseBool(value)
	case "health.addr":
		cfg.Health.Addr = value
	case "health.port":
		cfg.Health.Port, err = strconv.Atoi(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseDuration extends time.ParseDuration with a day suffix ("3d").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// parseDurationList parses a comma-separated list of durations.
func parseDurationList(s string) ([]time.Duration, error) {
	parts := parseStringList(s)
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := parseDuration(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// WriteDefaultConfig writes a default relayer configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Recurve Relayer Configuration
#
# Environment variables override this file, and flags override both.
# Secrets (PRIVATE_KEY, RELAYER_KEY_PASSWORD) belong in the environment
# or a .env file, never here.

# Data directory (default: ~/.recurve)
# datadir = ~/.recurve

# ============================================================================
# Ledger
# ============================================================================

# RPC endpoints, tried in order (comma-separated)
ledger.rpc = ` + PublicRPC + `

# Websocket endpoint for live SubscriptionCreated events
ledger.ws = ` + PublicWS + `

# SubscriptionManager contract address
# ledger.contract = 0x...

# Reject endpoints reporting another chain id (0 = accept any)
# ledger.chain_id = 0

# Probe attempts per endpoint and the pause between them
ledger.probe_attempts = 2
ledger.probe_delay = 1s

# ============================================================================
# Signing key
# ============================================================================

# Hex private key file (or encrypted with recurve-cli encrypt-key)
# key.file = ~/.recurve/relayer.key
# key.encrypted = false

# BIP-39 mnemonic file, derives m/44'/60'/0'/0/<key.index>
# key.mnemonic_file =
# key.index = 0

# ============================================================================
# Reconciliation
# ============================================================================

relayer.interval = 30s

# Blocks per log query
scan.chunk_size = 500

# Fast-forward the cursor to head-recent_window when it lags by more
# than stale_threshold blocks (or on first start)
scan.recent_window = 100
scan.stale_threshold = 1000

# Never scan below the contract deployment block
# scan.start_block = 18080000

live.enabled = true
live.reconnect_delay = 5s
live.setup_retry_delay = 30s

# ============================================================================
# Retries
# ============================================================================

retry.delays = 1h,6h,24h,3d
retry.reason_max = 100
payment.confirm_timeout = 2m

# ============================================================================
# Health
# ============================================================================

health.enabled = true
health.addr = 0.0.0.0
health.port = 10000

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
