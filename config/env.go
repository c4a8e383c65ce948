package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables read by the relayer. The key variables are read
// by the signer, not stored in Config.
const (
	EnvRPCURL      = "RELAYER_RPC_URL"
	EnvArcRPCURL   = "ARC_RPC_URL"
	EnvWSURL       = "RELAYER_WS_URL"
	EnvContract    = "SUBSCRIPTION_MANAGER_ADDRESS"
	EnvPrivateKey  = "PRIVATE_KEY"
	EnvKeyPassword = "RELAYER_KEY_PASSWORD"
	EnvPort        = "PORT"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. An empty path means ".env"
// in the working directory, which may be absent.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies environment overrides. RPC URLs from the environment
// are placed ahead of the configured list so they are tried first.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var primary []string
	for _, key := range []string{EnvRPCURL, EnvArcRPCURL} {
		if v, ok := lookup(key); ok {
			primary = append(primary, parseStringList(v)...)
		}
	}
	if len(primary) > 0 {
		cfg.Ledger.RPC = prependUnique(primary, cfg.Ledger.RPC)
	}

	if v, ok := lookup(EnvWSURL); ok && v != "" {
		cfg.Ledger.WS = v
	}
	if v, ok := lookup(EnvContract); ok && v != "" {
		cfg.Ledger.Contract = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Health.Port = port
	}
	return nil
}

func prependUnique(front, rest []string) []string {
	seen := make(map[string]struct{}, len(front)+len(rest))
	out := make([]string, 0, len(front)+len(rest))
	for _, list := range [][]string{front, rest} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
