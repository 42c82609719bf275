package suiswap

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Bytes is a Move vector<u8>. The node renders it as an array of numbers, hex and base64 strings are accepted too.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err == nil {
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return fmt.Errorf("byte out of range: %v", n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid vector<u8>: %s", data)
	}
	if strings.HasPrefix(s, "0x") {
		decoded, err := hexutil.Decode(s)
		if err != nil {
			return err
		}
		*b = decoded
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

type TransactionBytes struct {
	TxBytes string `json:"txBytes"`
}

type ExecutionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Event struct {
	Type       string          `json:"type"`
	ParsedJSON json.RawMessage `json:"parsedJson"`
}

type TransactionResponse struct {
	Digest  string `json:"digest"`
	Effects struct {
		Status ExecutionStatus `json:"status"`
	} `json:"effects"`
	Events []Event `json:"events"`
}

type Coin struct {
	CoinType     string `json:"coinType"`
	CoinObjectID string `json:"coinObjectId"`
	Balance      string `json:"balance"`
}

type CoinPage struct {
	Data        []Coin  `json:"data"`
	NextCursor  *string `json:"nextCursor"`
	HasNextPage bool    `json:"hasNextPage"`
}

type Checkpoint struct {
	SequenceNumber string `json:"sequenceNumber"`
	TimestampMs    string `json:"timestampMs"`
}

// EscrowFields are the fields of an escrow_factory::Escrow object.
type EscrowFields struct {
	OrderHash     Bytes  `json:"order_hash"`
	HashLock      Bytes  `json:"hash_lock"`
	Maker         string `json:"maker"`
	Taker         string `json:"taker"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	SafetyDeposit string `json:"safety_deposit"`
	TimeLocks     Bytes  `json:"time_locks"`
	DeployedAt    string `json:"deployed_at"`
	IsSrc         bool   `json:"is_src"`
	Status        uint8  `json:"status"`

	// Secret is set by withdraw.
	Secret Bytes `json:"secret"`
}

type ObjectResponse struct {
	Data *struct {
		ObjectID string `json:"objectId"`
		Content  struct {
			DataType string       `json:"dataType"`
			Type     string       `json:"type"`
			Fields   EscrowFields `json:"fields"`
		} `json:"content"`
	} `json:"data,omitempty"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error,omitempty"`
}

// EscrowCreated is the event emitted by deploy_src and deploy_escrow.
type EscrowCreated struct {
	EscrowID   string `json:"escrow_id"`
	OrderHash  Bytes  `json:"order_hash"`
	HashLock   Bytes  `json:"hash_lock"`
	Taker      string `json:"taker"`
	IsSrc      bool   `json:"is_src"`
	DeployedAt string `json:"deployed_at"`
}

type EventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq string `json:"eventSeq"`
}

type EventPage struct {
	Data        []Event  `json:"data"`
	NextCursor  *EventID `json:"nextCursor"`
	HasNextPage bool     `json:"hasNextPage"`
}

// Escrow object status values.
const (
	statusActive    = 0
	statusWithdrawn = 1
	statusCancelled = 2
)
