// Recurve relayer daemon.
//
// Usage:
//
//	recurve-relayerd [--rpc=... --contract=...]  Run the relayer
//	recurve-relayerd --help                      Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/recurve-relayer/config"
	"github.com/Klingon-tech/recurve-relayer/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, node.Options{Password: keyPassword})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

// keyPassword unlocks an encrypted key file from RELAYER_KEY_PASSWORD, or
// prompts when stdin is a terminal.
func keyPassword() ([]byte, error) {
	if pw, ok := os.LookupEnv(config.EnvKeyPassword); ok {
		return []byte(pw), nil
	}
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s is not set and stdin is not a terminal", config.EnvKeyPassword)
	}
	fmt.Fprint(os.Stderr, "Key password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return pw, err
}
