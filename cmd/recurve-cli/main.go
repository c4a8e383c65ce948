// recurve-cli inspects and repairs a relayer's persisted state.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/recurve-relayer/config"
	"github.com/Klingon-tech/recurve-relayer/internal/health"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/log"
	"github.com/Klingon-tech/recurve-relayer/internal/retry"
	"github.com/Klingon-tech/recurve-relayer/internal/signer"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
	"github.com/Klingon-tech/recurve-relayer/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	healthURL := ""
	dataDir := config.DefaultDataDir()
	jsonOut := false

	// Global flags come before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--health" && len(args) > 1:
			healthURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--health="):
			healthURL = args[0][len("--health="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--json":
			jsonOut = true
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	if err := config.LoadEnvFile(""); err != nil {
		fatal("%v", err)
	}
	cfg := loadConfig(dataDir)
	if healthURL == "" {
		host := cfg.Health.Addr
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		healthURL = fmt.Sprintf("http://%s:%d", host, cfg.Health.Port)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(healthURL, jsonOut)
	case "watchlist":
		cmdWatchList(cfg, jsonOut)
	case "failures":
		cmdFailures(cfg, jsonOut)
	case "reactivate":
		cmdReactivate(cfg, cmdArgs)
	case "cursor":
		cmdCursor(cfg)
	case "encrypt-key":
		cmdEncryptKey(cmdArgs)
	case "address":
		cmdAddress(cfg)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: recurve-cli [global flags] <command> [args]

Global flags:
  --datadir <path>    Data directory (default: ~/.recurve)
  --health <url>      Daemon health URL (default: from relayer.conf)
  --json              Print JSON instead of text

Commands:
  status                      Show the daemon's health report
  watchlist                   List watched subscription ids
  failures                    Show the failure ledger
  reactivate <subId>          Delete a failure record so the id is paid again
  cursor                      Show the next block to scan
  encrypt-key <in> <out>      Encrypt a hex key file with a password
  address                     Show the relayer address for the configured key

watchlist, failures, reactivate and cursor open the state database and
need the daemon to be stopped.
`)
}

// loadConfig layers defaults, relayer.conf and the environment. Flags and
// validation are the daemon's business.
func loadConfig(dataDir string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dataDir

	values, err := config.LoadFile(cfg.ConfigFile())
	if err != nil {
		fatal("load %s: %v", cfg.ConfigFile(), err)
	}
	if err := config.ApplyFileConfig(cfg, values); err != nil {
		fatal("apply %s: %v", cfg.ConfigFile(), err)
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		fatal("environment: %v", err)
	}
	return cfg
}

func openState(cfg *config.Config) (*state.Store, func()) {
	if _, err := os.Stat(cfg.StateDir()); err != nil {
		fatal("no state at %s", cfg.StateDir())
	}
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		fatal("%v", err)
	}
	return state.Open(db, log.Storage), func() { db.Close() }
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(url string, jsonOut bool) {
	rep, err := health.NewClient(url).Status()
	if err != nil {
		fatal("health: %v", err)
	}
	if jsonOut {
		printJSON(rep)
		return
	}
	fmt.Printf("Service:    %s\n", rep.Service)
	fmt.Printf("Status:     %s\n", rep.Status)
	if rep.LastCheck != nil {
		fmt.Printf("Last check: %s (%s ago)\n", rep.LastCheck.Format(time.RFC3339), time.Since(*rep.LastCheck).Round(time.Second))
	} else {
		fmt.Println("Last check: never")
	}
	fmt.Printf("Uptime:     %s\n", (time.Duration(rep.Uptime * float64(time.Second))).Round(time.Second))
	if rep.Error != "" {
		fmt.Printf("Error:      %s\n", rep.Error)
	}
}

// ── state ───────────────────────────────────────────────────────────────

func cmdWatchList(cfg *config.Config, jsonOut bool) {
	store, closeDB := openState(cfg)
	defer closeDB()

	ids := store.WatchList()
	if jsonOut {
		printJSON(ids)
		return
	}
	for _, id := range ids {
		fmt.Println(id.Hex())
	}
	fmt.Fprintf(os.Stderr, "%d subscriptions\n", len(ids))
}

func cmdFailures(cfg *config.Config, jsonOut bool) {
	store, closeDB := openState(cfg)
	defer closeDB()

	recs, err := store.Failures()
	if err != nil {
		fatal("%v", err)
	}
	if jsonOut {
		out := make(map[string]state.FailureRecord, len(recs))
		for id, rec := range recs {
			out[id.Hex()] = rec
		}
		printJSON(out)
		return
	}
	if len(recs) == 0 {
		fmt.Println("No failures recorded")
		return
	}

	ids := make([]ledger.SubID, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	for _, id := range ids {
		rec := recs[id]
		next := "-"
		if t := rec.NextRetryTime(); !t.IsZero() {
			next = t.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-8s  fails=%d  last=%s  next=%s\n",
			id.Hex(), rec.Status, rec.FailCount,
			time.Unix(rec.LastAttempt, 0).Format(time.RFC3339), next)
		if rec.Reason != "" {
			fmt.Printf("    %s\n", rec.Reason)
		}
	}
}

func cmdReactivate(cfg *config.Config, args []string) {
	if len(args) != 1 {
		fatal("usage: recurve-cli reactivate <subId>")
	}
	id, err := ledger.ParseSubID(args[0])
	if err != nil {
		fatal("%v", err)
	}

	store, closeDB := openState(cfg)
	defer closeDB()

	sched, err := retry.New(store, cfg.Retry.Delays, log.Retry)
	if err != nil {
		fatal("%v", err)
	}
	rec, err := sched.Reactivate(id)
	if err != nil {
		fatal("reactivate %s: %v", id.Hex(), err)
	}
	fmt.Printf("Reactivated %s (was %s after %d failures)\n", id.Hex(), rec.Status, rec.FailCount)
}

func cmdCursor(cfg *config.Config) {
	store, closeDB := openState(cfg)
	defer closeDB()

	next, ok, err := store.Cursor()
	if err != nil {
		fatal("%v", err)
	}
	if !ok {
		fmt.Println("No cursor yet (the next start scans recent blocks)")
		return
	}
	fmt.Println(next)
}

// ── keys ────────────────────────────────────────────────────────────────

func cmdEncryptKey(args []string) {
	if len(args) != 2 {
		fatal("usage: recurve-cli encrypt-key <in> <out>")
	}
	if _, err := os.Stat(args[1]); err == nil {
		fatal("%s already exists", args[1])
	}

	password, err := readPassword("Password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if !bytes.Equal(password, confirm) {
		fatal("passwords do not match")
	}
	if len(password) == 0 {
		fatal("empty password")
	}

	addr, err := signer.EncryptKeyFile(args[0], args[1], password, signer.DefaultParams())
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Encrypted key for %s written to %s\n", addr.Hex(), args[1])
	fmt.Println("Set key.file and key.encrypted = true in relayer.conf to use it.")
}

func cmdAddress(cfg *config.Config) {
	s, err := signer.Load(signer.Options{
		EnvKey:       os.Getenv(config.EnvPrivateKey),
		File:         cfg.Key.File,
		Encrypted:    cfg.Key.Encrypted,
		Password:     keyPassword,
		MnemonicFile: cfg.Key.MnemonicFile,
		Index:        cfg.Key.Index,
	})
	if err != nil {
		fatal("%v", err)
	}
	defer s.Close()
	fmt.Printf("%s (%s)\n", s.Address().Hex(), s.Source())
}

func keyPassword() ([]byte, error) {
	if pw, ok := os.LookupEnv(config.EnvKeyPassword); ok {
		return []byte(pw), nil
	}
	return readPassword("Key password: ")
}

// ── Helpers ─────────────────────────────────────────────────────────────

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode: %v", err)
	}
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
