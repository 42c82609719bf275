package orchestrator

import (
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

type State uint8

const (
	OrderSigned State = iota
	SrcDeployed
	DstDeployed
	SecretRevealed
	BothWithdrawn
	BothCancelled

	// Failed is reached when the fill is refused before any funds are locked.
	Failed
)

func (state State) String() string {
	switch state {
	case OrderSigned:
		return "OrderSigned"
	case SrcDeployed:
		return "SrcDeployed"
	case DstDeployed:
		return "DstDeployed"
	case SecretRevealed:
		return "SecretRevealed"
	case BothWithdrawn:
		return "BothWithdrawn"
	case BothCancelled:
		return "BothCancelled"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", state)
	}
}

func (state State) Terminal() bool {
	return state == BothWithdrawn || state == BothCancelled || state == Failed
}

// Leg is our view of the escrow on one side of the swap.
type Leg struct {
	Ref        escrow.Ref         `json:"ref,omitempty"`
	TxHash     string             `json:"txHash,omitempty"`
	Immutables *escrow.Immutables `json:"immutables,omitempty"`
	Status     escrow.Status      `json:"status"`
}

func (leg Leg) Deployed() bool {
	return leg.Ref != ""
}

// Window returns the time-lock window of the escrow, TooEarly when it is not deployed.
func (leg Leg) Window(side timelock.Side, now time.Time) timelock.Window {
	if leg.Immutables == nil {
		return timelock.TooEarly
	}
	return leg.Immutables.TimeLocks.Window(side, leg.Immutables.DeployedAt, now)
}

// Swap is the persisted progress of a single fill.
type Swap struct {
	ID        string      `json:"id"`
	OrderHash common.Hash `json:"orderHash"`
	Order     order.Order `json:"order"`
	Signature string      `json:"signature"`

	Amount     *big.Int      `json:"amount"`
	LeafIndex  int           `json:"leafIndex"`
	SecretHash common.Hash   `json:"secretHash"`
	Proof      []common.Hash `json:"proof"`

	State    State `json:"state"`
	Reserved bool  `json:"reserved"`
	Src      Leg   `json:"src"`
	Dst      Leg   `json:"dst"`

	// DstSubmitted is set before the destination escrow is first sent, a resumed swap looks for it before sending
	// again.
	DstSubmitted bool `json:"dstSubmitted"`

	// DstSkipped is set when the destination escrow can no longer be deployed in time, the swap goes to cancellation.
	DstSkipped bool `json:"dstSkipped"`

	Secret hexutil.Bytes `json:"secret,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// NewSwap starts tracking a fill of amount of the signed order, using the secret hash at leafIndex.
func NewSwap(o order.Order, signature string, amount *big.Int, leafIndex int, secretHash common.Hash, proof []common.Hash) (Swap, error) {
	orderHash, err := o.Hash()
	if err != nil {
		return Swap{}, err
	}
	return Swap{
		ID:         uuid.NewString(),
		OrderHash:  orderHash,
		Order:      o,
		Signature:  signature,
		Amount:     new(big.Int).Set(amount),
		LeafIndex:  leafIndex,
		SecretHash: secretHash,
		Proof:      proof,
		State:      OrderSigned,
	}, nil
}

func (s Swap) FillRequest() escrow.FillRequest {
	return escrow.FillRequest{
		Order:      s.Order,
		Signature:  s.Signature,
		Amount:     s.Amount,
		LeafIndex:  s.LeafIndex,
		SecretHash: s.SecretHash,
		Proof:      s.Proof,
	}
}

func (s Swap) String() string {
	return fmt.Sprintf("swap %v of order %v (%v, leaf %v)", s.ID, s.OrderHash.Hex(), s.State, s.LeafIndex)
}
