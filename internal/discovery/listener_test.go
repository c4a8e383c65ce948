package discovery

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger/ledgertest"
	"github.com/Klingon-tech/recurve-relayer/internal/log"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
	"github.com/Klingon-tech/recurve-relayer/internal/storage"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startListener(t *testing.T, dial LiveDialFunc) (*state.Store, func()) {
	t.Helper()
	st := state.Open(storage.NewMemory(), log.Nop())
	l := NewListener(st, ListenerOptions{
		Dial:            dial,
		ReconnectDelay:  10 * time.Millisecond,
		SetupRetryDelay: 20 * time.Millisecond,
	}, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return st, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	}
}

func created(id ledger.SubID) ledger.SubscriptionCreated {
	return ledger.SubscriptionCreated{
		SubID:      id,
		Subscriber: common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		TierID:     big.NewInt(2),
	}
}

func TestListener_MergesEvents(t *testing.T) {
	fake := ledgertest.New()
	st, stop := startListener(t, func(ctx context.Context) (LiveConn, error) { return fake, nil })
	defer stop()

	waitFor(t, "subscription", func() bool { return fake.Subscribes() == 1 })
	if n := fake.Emit(created(ledgertest.ID(0xCC))); n != 1 {
		t.Fatalf("Emit delivered to %d subscribers", n)
	}
	fake.Emit(created(ledgertest.ID(0xCC)))
	waitFor(t, "watch-list merge", func() bool { return st.Contains(ledgertest.ID(0xCC)) })

	if st.WatchLen() != 1 {
		t.Errorf("duplicate events should merge once, watch-list = %v", st.WatchList())
	}
}

func TestListener_Reconnects(t *testing.T) {
	fake := ledgertest.New()
	st, stop := startListener(t, func(ctx context.Context) (LiveConn, error) { return fake, nil })
	defer stop()

	waitFor(t, "first subscription", func() bool { return fake.Subscribes() == 1 })
	fake.DropLive(errors.New("websocket: close 1006"))
	waitFor(t, "reconnect", func() bool { return fake.Subscribes() == 2 })
	waitFor(t, "closed connection", func() bool { return fake.Closed() >= 1 })

	waitFor(t, "event delivery", func() bool { return fake.Emit(created(ledgertest.ID(1))) == 1 })
	waitFor(t, "merge after reconnect", func() bool { return st.Contains(ledgertest.ID(1)) })
}

func TestListener_SetupRetries(t *testing.T) {
	var dials atomic.Int32
	fake := ledgertest.New()
	fake.SetSubscribeErr(errors.New("method not supported"))

	_, stop := startListener(t, func(ctx context.Context) (LiveConn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("dial failed")
		}
		return fake, nil
	})
	defer stop()

	waitFor(t, "subscribe retries", func() bool { return fake.Subscribes() >= 2 })
	if fake.Closed() < 1 {
		t.Error("connection should be closed after a failed subscribe")
	}

	fake.SetSubscribeErr(nil)
	waitFor(t, "recovery", func() bool { return fake.Emit(created(ledgertest.ID(9))) == 1 })
}
