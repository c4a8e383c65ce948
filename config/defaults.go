package config

import "time"

// PublicRPC is the public Arc testnet endpoint kept at the end of the
// fallback list. It limits log queries to 500 blocks.
const PublicRPC = "https://rpc.testnet.arc.network/"

// PublicWS is the matching websocket endpoint.
const PublicWS = "wss://rpc.testnet.arc.network"

// Default returns the default relayer configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Ledger: LedgerConfig{
			RPC:           []string{PublicRPC},
			WS:            PublicWS,
			ProbeAttempts: 2,
			ProbeDelay:    time.Second,
		},
		Relayer: RelayerConfig{
			Interval: 30 * time.Second,
		},
		Scan: ScanConfig{
			ChunkSize:      500,
			RecentWindow:   100,
			StaleThreshold: 1000,
		},
		Live: LiveConfig{
			Enabled:         true,
			ReconnectDelay:  5 * time.Second,
			SetupRetryDelay: 30 * time.Second,
		},
		Retry: RetryConfig{
			Delays: []time.Duration{
				1 * time.Hour,
				6 * time.Hour,
				24 * time.Hour,
				72 * time.Hour,
			},
			ReasonMax: 100,
		},
		Payment: PaymentConfig{
			ConfirmTimeout: 2 * time.Minute,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    "0.0.0.0",
			Port:    10000,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
