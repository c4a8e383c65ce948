// Package ledger defines the relayer's view of the subscription registry
// and its go-ethereum backed implementation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SubIDSize is the length of a subscription identifier in bytes.
const SubIDSize = 32

// ErrReverted is returned when a payment transaction was mined but failed.
var ErrReverted = errors.New("execution reverted")

// SubID is the registry-assigned subscription identifier (bytes32).
type SubID [SubIDSize]byte

// ParseSubID parses a 0x-prefixed (or bare) 64 character hex string.
func ParseSubID(s string) (SubID, error) {
	var id SubID
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return id, fmt.Errorf("decode sub id: %w", err)
	}
	if len(b) != SubIDSize {
		return id, fmt.Errorf("sub id must be %d bytes, got %d", SubIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the 0x-prefixed lowercase hex form.
func (id SubID) Hex() string { return hexutil.Encode(id[:]) }

// String implements fmt.Stringer.
func (id SubID) String() string { return id.Hex() }

// Short returns an abbreviated form for log lines.
func (id SubID) Short() string { return id.Hex()[:10] + "..." }

// MarshalText encodes the id as 0x-hex.
func (id SubID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText decodes a 0x-hex id.
func (id *SubID) UnmarshalText(text []byte) error {
	parsed, err := ParseSubID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SubscriptionCreated is a decoded SubscriptionCreated event.
type SubscriptionCreated struct {
	SubID       SubID
	Subscriber  common.Address
	TierID      *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// Receipt summarizes a confirmed payment transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	// Amount is taken from the SubscriptionPaid event, nil if absent.
	Amount *big.Int
}

// Subscription is a live event feed. Err delivers a value when the feed
// fails and is closed by Unsubscribe.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// NetworkProber answers the liveness probe used for endpoint selection.
type NetworkProber interface {
	NetworkID(ctx context.Context) (*big.Int, error)
}

// HeadReader reports the current chain head.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// EventSource exposes both read paths for SubscriptionCreated events:
// an inclusive block range query and a push subscription.
type EventSource interface {
	SubscriptionsCreated(ctx context.Context, from, to uint64) ([]SubscriptionCreated, error)
	SubscribeCreated(ctx context.Context, sink chan<- SubscriptionCreated) (Subscription, error)
}

// UpkeepReader runs the registry's batched due check.
type UpkeepReader interface {
	CheckUpkeep(ctx context.Context, ids []SubID) ([]SubID, error)
}

// PaymentWriter submits executePayment and waits for confirmation.
type PaymentWriter interface {
	ExecutePayment(ctx context.Context, id SubID) (*Receipt, error)
}

// Ledger is everything a reconciliation tick needs from one endpoint.
type Ledger interface {
	NetworkProber
	HeadReader
	EventSource
	UpkeepReader
	PaymentWriter
	Close()
}
