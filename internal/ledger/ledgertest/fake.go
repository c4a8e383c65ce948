// Package ledgertest provides an in-memory ledger for relayer tests.
package ledgertest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
)

// ID builds a SubID whose last byte is b, e.g. ID(0xAA).
func ID(b byte) ledger.SubID {
	var id ledger.SubID
	id[ledger.SubIDSize-1] = b
	return id
}

// Fake is a scriptable ledger. All fields are guarded by the internal mutex;
// use the setters when a test mutates state concurrently with the relayer.
type Fake struct {
	mu sync.Mutex

	chainID *big.Int
	head    uint64
	events  []ledger.SubscriptionCreated
	due     map[ledger.SubID]bool

	networkErr error
	headErr    error
	upkeepErr  error
	subErr     error
	rangeErr   map[uint64]error // keyed by range start
	payErr     map[ledger.SubID]error

	payments    []ledger.SubID
	upkeepCalls [][]ledger.SubID
	rangeCalls  [][2]uint64
	closed      int
	subscribes  int

	feed event.Feed
	live []*liveSub
}

// New creates a fake at chain id 1 and head 0.
func New() *Fake {
	return &Fake{
		chainID:  big.NewInt(1),
		due:      make(map[ledger.SubID]bool),
		rangeErr: make(map[uint64]error),
		payErr:   make(map[ledger.SubID]error),
	}
}

// SetChainID changes the id returned by NetworkID.
func (f *Fake) SetChainID(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainID = big.NewInt(id)
}

// SetHead moves the chain head.
func (f *Fake) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

// AddCreated records a SubscriptionCreated event at block.
func (f *Fake) AddCreated(id ledger.SubID, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ledger.SubscriptionCreated{
		SubID:       id,
		Subscriber:  common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		TierID:      big.NewInt(1),
		BlockNumber: block,
	})
}

// SetDue marks id as due (or not) for CheckUpkeep.
func (f *Fake) SetDue(id ledger.SubID, due bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.due[id] = due
}

// SetPayErr makes ExecutePayment(id) fail with err (nil clears).
func (f *Fake) SetPayErr(id ledger.SubID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.payErr, id)
		return
	}
	f.payErr[id] = err
}

// SetNetworkErr makes the liveness probe fail.
func (f *Fake) SetNetworkErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networkErr = err
}

// SetHeadErr makes BlockNumber fail.
func (f *Fake) SetHeadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headErr = err
}

// SetUpkeepErr makes CheckUpkeep fail.
func (f *Fake) SetUpkeepErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upkeepErr = err
}

// SetSubscribeErr makes SubscribeCreated fail (nil clears).
func (f *Fake) SetSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErr = err
}

// SetRangeErr makes the range query starting at from fail (nil clears).
func (f *Fake) SetRangeErr(from uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.rangeErr, from)
		return
	}
	f.rangeErr[from] = err
}

// Payments returns every id passed to ExecutePayment, in call order.
func (f *Fake) Payments() []ledger.SubID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.SubID(nil), f.payments...)
}

// UpkeepCalls returns the id batches passed to CheckUpkeep.
func (f *Fake) UpkeepCalls() [][]ledger.SubID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]ledger.SubID(nil), f.upkeepCalls...)
}

// RangeCalls returns the [from, to] pairs passed to SubscriptionsCreated.
func (f *Fake) RangeCalls() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.rangeCalls...)
}

// Closed reports how many times Close was called.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Subscribes reports how many live subscriptions were opened.
func (f *Fake) Subscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

// Emit pushes an event to live subscribers and returns how many received it.
func (f *Fake) Emit(ev ledger.SubscriptionCreated) int {
	return f.feed.Send(ev)
}

// DropLive fails every open live subscription with err, as a dropped
// websocket would.
func (f *Fake) DropLive(err error) {
	f.mu.Lock()
	live := f.live
	f.live = nil
	f.mu.Unlock()

	for _, s := range live {
		s.fail(err)
	}
}

// liveSub mirrors go-ethereum subscription semantics: Err delivers at most
// one error and is closed by Unsubscribe.
type liveSub struct {
	inner event.Subscription
	err   chan error
	once  sync.Once
}

func (s *liveSub) Err() <-chan error { return s.err }

func (s *liveSub) fail(err error) {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		s.err <- err
		close(s.err)
	})
}

func (s *liveSub) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		close(s.err)
	})
}

// NetworkID implements ledger.NetworkProber.
func (f *Fake) NetworkID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networkErr != nil {
		return nil, f.networkErr
	}
	return new(big.Int).Set(f.chainID), nil
}

// BlockNumber implements ledger.HeadReader.
func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

// SubscriptionsCreated implements ledger.EventSource.
func (f *Fake) SubscriptionsCreated(ctx context.Context, from, to uint64) ([]ledger.SubscriptionCreated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls = append(f.rangeCalls, [2]uint64{from, to})
	if err := f.rangeErr[from]; err != nil {
		return nil, err
	}
	var out []ledger.SubscriptionCreated
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SubscribeCreated implements ledger.EventSource.
func (f *Fake) SubscribeCreated(ctx context.Context, sink chan<- ledger.SubscriptionCreated) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := &liveSub{inner: f.feed.Subscribe(sink), err: make(chan error, 1)}
	f.live = append(f.live, s)
	return s, nil
}

// CheckUpkeep implements ledger.UpkeepReader. Due ids come back in input order.
func (f *Fake) CheckUpkeep(ctx context.Context, ids []ledger.SubID) ([]ledger.SubID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upkeepCalls = append(f.upkeepCalls, append([]ledger.SubID(nil), ids...))
	if f.upkeepErr != nil {
		return nil, f.upkeepErr
	}
	var out []ledger.SubID
	for _, id := range ids {
		if f.due[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ExecutePayment implements ledger.PaymentWriter. A successful payment
// clears the due flag, the way lastPaid does on chain.
func (f *Fake) ExecutePayment(ctx context.Context, id ledger.SubID) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, id)
	if err := f.payErr[id]; err != nil {
		return nil, err
	}
	if !f.due[id] {
		return nil, errors.New("execution reverted: payment not due")
	}
	f.due[id] = false
	return &ledger.Receipt{BlockNumber: f.head, Amount: big.NewInt(1000)}, nil
}

// Close implements ledger.Ledger.
func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

var _ ledger.Ledger = (*Fake)(nil)
