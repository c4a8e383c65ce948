package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
)

// DefaultConfirmTimeout bounds the wait for a payment receipt.
const DefaultConfirmTimeout = 2 * time.Minute

// Options configures a Client.
type Options struct {
	// Contract is the SubscriptionManager address.
	Contract common.Address
	// Key signs executePayment transactions. Nil makes the client read-only.
	Key *ecdsa.PrivateKey
	// ConfirmTimeout bounds the receipt wait (0 = DefaultConfirmTimeout).
	ConfirmTimeout time.Duration
}

// Client implements Ledger over a go-ethereum RPC connection (HTTP or WS).
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	bound    *bind.BoundContract
	key      *ecdsa.PrivateKey
	confirm  time.Duration

	authMu sync.Mutex
	auth   *bind.TransactOpts
}

// Dial connects to an RPC endpoint. No request is made; callers probe with
// NetworkID.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(ec, opts), nil
}

// NewClient wraps an existing ethclient.
func NewClient(ec *ethclient.Client, opts Options) *Client {
	confirm := opts.ConfirmTimeout
	if confirm <= 0 {
		confirm = DefaultConfirmTimeout
	}
	return &Client{
		eth:      ec,
		contract: opts.Contract,
		bound:    bind.NewBoundContract(opts.Contract, ManagerABI, ec, ec, ec),
		key:      opts.Key,
		confirm:  confirm,
	}
}

// NetworkID returns the chain id reported by the endpoint.
func (c *Client) NetworkID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

func (c *Client) createdQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{CreatedTopic()}},
	}
}

// SubscriptionsCreated returns the SubscriptionCreated events in the
// inclusive block range [from, to].
func (c *Client) SubscriptionsCreated(ctx context.Context, from, to uint64) ([]SubscriptionCreated, error) {
	q := c.createdQuery()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d, %d]: %w", from, to, err)
	}

	events := make([]SubscriptionCreated, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := ParseCreated(l)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeCreated streams SubscriptionCreated events into sink. The
// endpoint must support subscriptions (websocket or IPC).
func (c *Client) SubscribeCreated(ctx context.Context, sink chan<- SubscriptionCreated) (Subscription, error) {
	logs := make(chan types.Log, 64)
	sub, err := c.eth.SubscribeFilterLogs(ctx, c.createdQuery(), logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				if l.Removed {
					continue
				}
				ev, err := ParseCreated(l)
				if err != nil {
					continue // Foreign or malformed log; the range scan is authoritative.
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				if err == nil {
					err = errors.New("subscription closed")
				}
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// CheckUpkeep asks the registry which of ids are due right now.
func (c *Client) CheckUpkeep(ctx context.Context, ids []SubID) ([]SubID, error) {
	in := make([][32]byte, len(ids))
	for i, id := range ids {
		in[i] = id
	}

	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, MethodCheckUpkeep, in); err != nil {
		return nil, fmt.Errorf("checkUpkeep(%d ids): %w", len(ids), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("checkUpkeep: %d return values", len(out))
	}
	raw := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)

	due := make([]SubID, len(raw))
	for i, b := range raw {
		due[i] = b
	}
	return due, nil
}

// transactor lazily builds the signing options; the chain id comes from the
// endpoint the first time a payment is sent.
func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.auth != nil {
		return c.auth, nil
	}
	if c.key == nil {
		return nil, errors.New("ledger client is read-only (no signing key)")
	}
	chainID, err := c.NetworkID(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	c.auth = auth
	return auth, nil
}

// ExecutePayment submits executePayment(id) and waits for its receipt.
// A mined-but-failed transaction yields ErrReverted.
func (c *Client) ExecutePayment(ctx context.Context, id SubID) (*Receipt, error) {
	auth, err := c.transactor(ctx)
	if err != nil {
		return nil, err
	}
	opts := *auth
	opts.Context = ctx

	tx, err := c.bound.Transact(&opts, MethodExecutePayment, [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("submit executePayment: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirm)
	defer cancel()
	rcpt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}

	out := &Receipt{
		TxHash:  rcpt.TxHash,
		GasUsed: rcpt.GasUsed,
		Amount:  paidAmount(rcpt.Logs, id),
	}
	if rcpt.BlockNumber != nil {
		out.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("tx %s: %w", rcpt.TxHash.Hex(), ErrReverted)
	}
	return out, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

var _ Ledger = (*Client)(nil)
