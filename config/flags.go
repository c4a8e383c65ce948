package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is the relayer release, printed by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	DataDir string
	Config  string
	EnvFile string

	// Ledger
	RPC      string
	WS       string
	Contract string
	ChainID  int64

	// Key
	KeyFile      string
	KeyEncrypted bool
	MnemonicFile string
	KeyIndex     uint

	// Loop
	Interval   time.Duration
	StartBlock uint64
	Live       bool

	// Health
	Health     bool
	HealthAddr string
	HealthPort int

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags (for true/false and zero-value overrides).
	SetKeyEncrypted bool
	SetKeyIndex     bool
	SetStartBlock   bool
	SetLive         bool
	SetHealth       bool
	SetLogJSON      bool
}

// ParseArgs parses command-line arguments (without the program name).
func ParseArgs(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("recurve-relayerd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.EnvFile, "env", "", "Dotenv file path")

	// Ledger
	fs.StringVar(&f.RPC, "rpc", "", "RPC endpoints, comma-separated, tried in order")
	fs.StringVar(&f.WS, "ws", "", "Websocket endpoint for live events")
	fs.StringVar(&f.Contract, "contract", "", "SubscriptionManager address")
	fs.Int64Var(&f.ChainID, "chain-id", 0, "Expected chain id")

	// Key
	fs.StringVar(&f.KeyFile, "key-file", "", "Relayer private key file")
	fs.BoolVar(&f.KeyEncrypted, "key-encrypted", false, "Key file is password-encrypted")
	fs.StringVar(&f.MnemonicFile, "mnemonic-file", "", "BIP-39 mnemonic file")
	fs.UintVar(&f.KeyIndex, "key-index", 0, "Mnemonic account index")

	// Loop
	fs.DurationVar(&f.Interval, "interval", 0, "Reconciliation interval")
	fs.Uint64Var(&f.StartBlock, "start-block", 0, "Lowest block to scan")
	fs.BoolVar(&f.Live, "live", true, "Listen for new subscriptions over websocket")

	// Health
	fs.BoolVar(&f.Health, "health", true, "Serve the liveness endpoint")
	fs.StringVar(&f.HealthAddr, "health-addr", "", "Liveness listen address")
	fs.IntVar(&f.HealthPort, "health-port", 0, "Liveness listen port")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetKeyEncrypted = isFlagSet(fs, "key-encrypted")
	f.SetKeyIndex = isFlagSet(fs, "key-index")
	f.SetStartBlock = isFlagSet(fs, "start-block")
	f.SetLive = isFlagSet(fs, "live")
	f.SetHealth = isFlagSet(fs, "health")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ParseFlags parses os.Args, exiting on error.
func ParseFlags() *Flags {
	f, err := ParseArgs(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			printUsage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run with --help for usage.")
		os.Exit(1)
	}
	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Ledger
	if f.RPC != "" {
		cfg.Ledger.RPC = parseStringList(f.RPC)
	}
	if f.WS != "" {
		cfg.Ledger.WS = f.WS
	}
	if f.Contract != "" {
		cfg.Ledger.Contract = f.Contract
	}
	if f.ChainID != 0 {
		cfg.Ledger.ChainID = f.ChainID
	}

	// Key
	if f.KeyFile != "" {
		cfg.Key.File = f.KeyFile
	}
	if f.SetKeyEncrypted {
		cfg.Key.Encrypted = f.KeyEncrypted
	}
	if f.MnemonicFile != "" {
		cfg.Key.MnemonicFile = f.MnemonicFile
	}
	if f.SetKeyIndex {
		cfg.Key.Index = uint32(f.KeyIndex)
	}

	// Loop
	if f.Interval != 0 {
		cfg.Relayer.Interval = f.Interval
	}
	if f.SetStartBlock {
		cfg.Scan.StartBlock = f.StartBlock
	}
	if f.SetLive {
		cfg.Live.Enabled = f.Live
	}

	// Health
	if f.SetHealth {
		cfg.Health.Enabled = f.Health
	}
	if f.HealthAddr != "" {
		cfg.Health.Addr = f.HealthAddr
	}
	if f.HealthPort != 0 {
		cfg.Health.Port = f.HealthPort
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Recurve Relayer - executes due recurring payments on the SubscriptionManager

Usage:
  recurve-relayerd [options]
  recurve-relayerd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --datadir       Data directory (default: ~/.recurve)
  --config, -c    Config file path (default: <datadir>/relayer.conf)
  --env           Dotenv file (default: ./.env when present)

Ledger Options:
  --rpc           RPC endpoints, comma-separated, tried in order
  --ws            Websocket endpoint for live SubscriptionCreated events
  --contract      SubscriptionManager contract address
  --chain-id      Reject endpoints reporting another chain id

Key Options:
  --key-file       Hex private key file
  --key-encrypted  Key file was written by recurve-cli encrypt-key
  --mnemonic-file  BIP-39 mnemonic file
  --key-index      Account index for m/44'/60'/0'/0/<index>

Loop Options:
  --interval      Reconciliation interval (default: 30s)
  --start-block   Contract deployment block, never scanned below
  --live          Listen for new subscriptions (default: true)

Health Options:
  --health        Serve /health (default: true)
  --health-addr   Listen address (default: 0.0.0.0)
  --health-port   Listen port (default: 10000, or $PORT)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Environment:
  RELAYER_RPC_URL, ARC_RPC_URL    Primary RPC endpoint(s), tried first
  RELAYER_WS_URL                  Websocket endpoint
  SUBSCRIPTION_MANAGER_ADDRESS    Contract address
  PRIVATE_KEY                     Relayer key (hex), overrides key files
  RELAYER_KEY_PASSWORD            Password for an encrypted key file
  PORT                            Health port

Examples:
  # Run against the public testnet endpoint
  SUBSCRIPTION_MANAGER_ADDRESS=0x... PRIVATE_KEY=... recurve-relayerd

  # Encrypted key, scan-only mode
  recurve-relayerd --key-file=~/.recurve/relayer.key --key-encrypted --live=false
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Environment (after loading the dotenv file)
// 5. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("recurve-relayerd version " + Version)
		os.Exit(0)
	}

	if err := LoadEnvFile(flags.EnvFile); err != nil {
		return nil, nil, err
	}
	cfg, err := Build(flags, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// Build layers defaults, the config file, the environment and flags.
func Build(flags *Flags, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent and safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.StateDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
