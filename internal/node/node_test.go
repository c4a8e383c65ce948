package node

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/recurve-relayer/config"
	"github.com/Klingon-tech/recurve-relayer/internal/discovery"
	"github.com/Klingon-tech/recurve-relayer/internal/health"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger/ledgertest"
	"github.com/Klingon-tech/recurve-relayer/internal/storage"
)

const (
	testKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Ledger.RPC = []string{"fake://primary"}
	cfg.Ledger.Contract = "0x1111111111111111111111111111111111111111"
	cfg.Ledger.ChainID = 1
	cfg.Relayer.Interval = time.Hour
	cfg.Health.Addr = "127.0.0.1"
	cfg.Health.Port = 0
	return cfg
}

func envKey(key string) config.LookupFunc {
	return func(name string) (string, bool) {
		if name == config.EnvPrivateKey {
			return key, true
		}
		return "", false
	}
}

func TestNode_Lifecycle(t *testing.T) {
	fake := ledgertest.New()
	fake.SetHead(100)
	fake.AddCreated(ledgertest.ID(0xAA), 100)

	cfg := testConfig(t)
	cfg.Live.Enabled = false

	n, err := New(cfg, Options{
		Lookup:      envKey(testKey),
		DB:          storage.NewMemory(),
		Dial:        func(ctx context.Context, url string) (ledger.Ledger, error) { return fake, nil },
		SkipLogInit: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := n.Address().Hex(); got != testAddress {
		t.Errorf("Address = %s, want %s", got, testAddress)
	}
	if n.HealthAddr() == "" {
		t.Fatal("health server should be listening")
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := health.NewClient("http://" + n.HealthAddr())
	deadline := time.Now().Add(5 * time.Second)
	var rep health.Report
	for {
		rep, err = client.Status()
		if err == nil && rep.LastCheck != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first tick not reported: %+v, %v", rep, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rep.Status != health.StatusOK || rep.Service != health.ServiceName {
		t.Errorf("report = %+v", rep)
	}

	n.Stop()
	if fake.Closed() == 0 {
		t.Error("tick connection was never closed")
	}
}

func TestNode_TickDiscovers(t *testing.T) {
	fake := ledgertest.New()
	fake.SetHead(100)
	fake.AddCreated(ledgertest.ID(0xAA), 100)

	cfg := testConfig(t)
	cfg.Health.Enabled = false
	cfg.Live.Enabled = false

	n, err := New(cfg, Options{
		Lookup:      envKey(testKey),
		DB:          storage.NewMemory(),
		Dial:        func(ctx context.Context, url string) (ledger.Ledger, error) { return fake, nil },
		SkipLogInit: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	rep := n.Tick(context.Background())
	if rep.Err != nil || rep.Scan.Added != 1 || rep.Scan.Cursor != 101 {
		t.Errorf("tick = %+v", rep)
	}
}

func TestNode_LiveListener(t *testing.T) {
	fake := ledgertest.New()
	cfg := testConfig(t)
	cfg.Health.Enabled = false
	cfg.Live.Enabled = true

	n, err := New(cfg, Options{
		Lookup:      envKey(testKey),
		DB:          storage.NewMemory(),
		Dial:        func(ctx context.Context, url string) (ledger.Ledger, error) { return fake, nil },
		LiveDial:    func(ctx context.Context) (discovery.LiveConn, error) { return fake, nil },
		SkipLogInit: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for fake.Subscribes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("live listener never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ev := ledger.SubscriptionCreated{SubID: ledgertest.ID(0xCC)}
	for fake.Emit(ev) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no live receiver")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for !n.store.Contains(ledgertest.ID(0xCC)) {
		if time.Now().After(deadline) {
			t.Fatal("live event never reached the watch-list")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_NoKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.Enabled = false

	_, err := New(cfg, Options{
		Lookup:      envKey(""),
		DB:          storage.NewMemory(),
		SkipLogInit: true,
	})
	if err == nil {
		t.Fatal("New should fail without a key")
	}
}

func TestStart_AfterStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.Enabled = false
	cfg.Live.Enabled = false

	n, err := New(cfg, Options{
		Lookup:      envKey(testKey),
		DB:          storage.NewMemory(),
		Dial:        func(ctx context.Context, url string) (ledger.Ledger, error) { return ledgertest.New(), nil },
		SkipLogInit: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Stop()
	if err := n.Start(); err == nil {
		t.Error("Start after Stop should fail")
	}
}
