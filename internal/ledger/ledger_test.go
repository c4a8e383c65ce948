package ledger

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestParseSubID(t *testing.T) {
	full := "0x" + strings.Repeat("00", 31) + "aa"

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"prefixed", full, false},
		{"bare", strings.TrimPrefix(full, "0x"), false},
		{"upper prefix", "0X" + strings.TrimPrefix(full, "0x"), false},
		{"padded", "  " + full + "\n", false},
		{"short", "0xaa", true},
		{"not hex", "0x" + strings.Repeat("zz", 32), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseSubID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSubID(%q) should fail", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSubID(%q): %v", tt.in, err)
			}
			if id[31] != 0xaa || id.Hex() != full {
				t.Errorf("ParseSubID(%q) = %s", tt.in, id.Hex())
			}
		})
	}
}

func TestSubID_JSON(t *testing.T) {
	var a, b SubID
	a[31] = 0xaa
	b[0] = 0xbb

	data, err := json.Marshal([]SubID{a, b})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"0x`+strings.Repeat("00", 31)+`aa"`) {
		t.Errorf("marshal = %s, want hex strings", data)
	}

	var back []SubID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back) != 2 || back[0] != a || back[1] != b {
		t.Errorf("unmarshal = %v", back)
	}
}

func TestSubID_Short(t *testing.T) {
	var id SubID
	id[0] = 0xab
	if got := id.Short(); got != "0xab000000..." {
		t.Errorf("Short() = %q", got)
	}
}

func createdLog(t *testing.T, id SubID, subscriber common.Address, tier int64, block uint64) types.Log {
	t.Helper()
	data, err := ManagerABI.Events[EventSubscriptionCreated].Inputs.NonIndexed().Pack(big.NewInt(tier))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Topics:      []common.Hash{CreatedTopic(), common.Hash(id), common.BytesToHash(subscriber.Bytes())},
		Data:        data,
		BlockNumber: block,
	}
}

func TestParseCreated(t *testing.T) {
	var id SubID
	id[31] = 0xaa
	subscriber := common.HexToAddress("0x1111111111111111111111111111111111111111")

	ev, err := ParseCreated(createdLog(t, id, subscriber, 3, 100))
	if err != nil {
		t.Fatalf("ParseCreated: %v", err)
	}
	if ev.SubID != id {
		t.Errorf("SubID = %s, want %s", ev.SubID, id)
	}
	if ev.Subscriber != subscriber {
		t.Errorf("Subscriber = %s, want %s", ev.Subscriber.Hex(), subscriber.Hex())
	}
	if ev.TierID.Int64() != 3 {
		t.Errorf("TierID = %s, want 3", ev.TierID)
	}
	if ev.BlockNumber != 100 {
		t.Errorf("BlockNumber = %d, want 100", ev.BlockNumber)
	}
}

func TestParseCreated_Rejects(t *testing.T) {
	var id SubID
	good := createdLog(t, id, common.Address{}, 1, 1)

	wrongTopic := good
	wrongTopic.Topics = []common.Hash{PaidTopic(), common.Hash(id), {}}
	if _, err := ParseCreated(wrongTopic); err == nil {
		t.Error("ParseCreated should reject a foreign event topic")
	}

	missingTopics := good
	missingTopics.Topics = good.Topics[:1]
	if _, err := ParseCreated(missingTopics); err == nil {
		t.Error("ParseCreated should reject missing indexed topics")
	}

	badData := good
	badData.Data = []byte{0x01}
	if _, err := ParseCreated(badData); err == nil {
		t.Error("ParseCreated should reject truncated data")
	}
}

func TestPaidAmount(t *testing.T) {
	var id, other SubID
	id[31] = 0xaa
	other[31] = 0xbb

	pack := func(amount int64) []byte {
		data, err := ManagerABI.Events[EventSubscriptionPaid].Inputs.NonIndexed().Pack(big.NewInt(amount), big.NewInt(1700000000))
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		return data
	}
	logs := []*types.Log{
		{Topics: []common.Hash{PaidTopic(), common.Hash(other)}, Data: pack(1)},
		{Topics: []common.Hash{PaidTopic(), common.Hash(id)}, Data: pack(5_000_000)},
	}

	if got := paidAmount(logs, id); got == nil || got.Int64() != 5_000_000 {
		t.Errorf("paidAmount = %v, want 5000000", got)
	}
	var missing SubID
	if got := paidAmount(logs, missing); got != nil {
		t.Errorf("paidAmount for unknown id = %v, want nil", got)
	}
}
