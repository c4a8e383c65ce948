package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event and method names on the SubscriptionManager contract.
const (
	EventSubscriptionCreated = "SubscriptionCreated"
	EventSubscriptionPaid    = "SubscriptionPaid"
	MethodExecutePayment     = "executePayment"
	MethodCheckUpkeep        = "checkUpkeep"
)

// managerABIJSON is the subset of the SubscriptionManager ABI the relayer uses.
const managerABIJSON = `[
  {"type":"function","name":"executePayment","stateMutability":"nonpayable",
   "inputs":[{"name":"_subId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"checkUpkeep","stateMutability":"view",
   "inputs":[{"name":"_subIds","type":"bytes32[]"}],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"event","name":"SubscriptionCreated","anonymous":false,
   "inputs":[{"name":"subId","type":"bytes32","indexed":true},
             {"name":"subscriber","type":"address","indexed":true},
             {"name":"tierId","type":"uint256","indexed":false}]},
  {"type":"event","name":"SubscriptionPaid","anonymous":false,
   "inputs":[{"name":"subId","type":"bytes32","indexed":true},
             {"name":"amount","type":"uint256","indexed":false},
             {"name":"timestamp","type":"uint256","indexed":false}]}
]`

// ManagerABI is the parsed contract ABI.
var ManagerABI = mustParseABI(managerABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse SubscriptionManager ABI: %v", err))
	}
	return parsed
}

// CreatedTopic is topic[0] of SubscriptionCreated logs.
func CreatedTopic() common.Hash {
	return ManagerABI.Events[EventSubscriptionCreated].ID
}

// PaidTopic is topic[0] of SubscriptionPaid logs.
func PaidTopic() common.Hash {
	return ManagerABI.Events[EventSubscriptionPaid].ID
}

// ParseCreated decodes a SubscriptionCreated log.
func ParseCreated(l types.Log) (SubscriptionCreated, error) {
	if len(l.Topics) != 3 || l.Topics[0] != CreatedTopic() {
		return SubscriptionCreated{}, fmt.Errorf("log %s/%d is not SubscriptionCreated", l.TxHash.Hex(), l.Index)
	}
	vals, err := ManagerABI.Unpack(EventSubscriptionCreated, l.Data)
	if err != nil {
		return SubscriptionCreated{}, fmt.Errorf("unpack SubscriptionCreated: %w", err)
	}
	if len(vals) != 1 {
		return SubscriptionCreated{}, fmt.Errorf("unpack SubscriptionCreated: %d values", len(vals))
	}
	tier, ok := vals[0].(*big.Int)
	if !ok {
		return SubscriptionCreated{}, fmt.Errorf("unpack SubscriptionCreated: tierId is %T", vals[0])
	}

	return SubscriptionCreated{
		SubID:       SubID(l.Topics[1]),
		Subscriber:  common.BytesToAddress(l.Topics[2].Bytes()),
		TierID:      tier,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
	}, nil
}

// paidAmount returns the amount of the SubscriptionPaid log for id in logs.
func paidAmount(logs []*types.Log, id SubID) *big.Int {
	for _, l := range logs {
		if len(l.Topics) != 2 || l.Topics[0] != PaidTopic() || SubID(l.Topics[1]) != id {
			continue
		}
		vals, err := ManagerABI.Unpack(EventSubscriptionPaid, l.Data)
		if err != nil || len(vals) != 2 {
			continue
		}
		if amount, ok := vals[0].(*big.Int); ok {
			return amount
		}
	}
	return nil
}
