package ethswap

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/escrow"
	"github.com/catalogfi/resolver/pkg/swap/order"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const immutablesComponents = `[
	{"name":"orderHash","type":"bytes32"},
	{"name":"hashlock","type":"bytes32"},
	{"name":"maker","type":"uint256"},
	{"name":"taker","type":"uint256"},
	{"name":"token","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"safetyDeposit","type":"uint256"},
	{"name":"timelocks","type":"uint256"}
]`

const orderComponents = `[
	{"name":"salt","type":"uint256"},
	{"name":"maker","type":"uint256"},
	{"name":"receiver","type":"uint256"},
	{"name":"makerAsset","type":"uint256"},
	{"name":"takerAsset","type":"uint256"},
	{"name":"makingAmount","type":"uint256"},
	{"name":"takingAmount","type":"uint256"},
	{"name":"makerTraits","type":"uint256"}
]`

const complementComponents = `[
	{"name":"maker","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"token","type":"uint256"},
	{"name":"safetyDeposit","type":"uint256"},
	{"name":"chainId","type":"uint256"}
]`

// Custom errors of the limit order protocol, the escrow factory and the escrows.
const errorsJSON = `
	{"type":"error","name":"BadSignature","inputs":[]},
	{"type":"error","name":"PrivateOrder","inputs":[]},
	{"type":"error","name":"InvalidatedOrder","inputs":[]},
	{"type":"error","name":"InvalidPartialFill","inputs":[]},
	{"type":"error","name":"InvalidSecretsAmount","inputs":[]},
	{"type":"error","name":"InvalidSecretIndex","inputs":[]},
	{"type":"error","name":"InvalidProof","inputs":[]},
	{"type":"error","name":"TakingAmountExceeded","inputs":[]},
	{"type":"error","name":"InsufficientEscrowBalance","inputs":[]},
	{"type":"error","name":"InvalidCreationTime","inputs":[]},
	{"type":"error","name":"InvalidCaller","inputs":[]},
	{"type":"error","name":"InvalidImmutables","inputs":[]},
	{"type":"error","name":"InvalidSecret","inputs":[]},
	{"type":"error","name":"InvalidTime","inputs":[]},
	{"type":"error","name":"NativeTokenSendingFailure","inputs":[]}`

var resolverJSON = `[
	{"type":"function","name":"deploySrc","stateMutability":"payable","outputs":[],"inputs":[
		{"name":"immutables","type":"tuple","components":` + immutablesComponents + `},
		{"name":"order","type":"tuple","components":` + orderComponents + `},
		{"name":"r","type":"bytes32"},
		{"name":"vs","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"takerTraits","type":"uint256"},
		{"name":"args","type":"bytes"}]},
	{"type":"function","name":"deployDst","stateMutability":"payable","outputs":[],"inputs":[
		{"name":"dstImmutables","type":"tuple","components":` + immutablesComponents + `},
		{"name":"srcCancellationTimestamp","type":"uint256"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrow","type":"address"},
		{"name":"secret","type":"bytes32"},
		{"name":"immutables","type":"tuple","components":` + immutablesComponents + `}]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrow","type":"address"},
		{"name":"immutables","type":"tuple","components":` + immutablesComponents + `}]},` + errorsJSON + `
]`

var factoryJSON = `[
	{"type":"function","name":"addressOfEscrowSrc","stateMutability":"view","inputs":[
		{"name":"immutables","type":"tuple","components":` + immutablesComponents + `}],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"addressOfEscrowDst","stateMutability":"view","inputs":[
		{"name":"immutables","type":"tuple","components":` + immutablesComponents + `}],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"SrcEscrowCreated","anonymous":false,"inputs":[
		{"name":"srcImmutables","type":"tuple","indexed":false,"components":` + immutablesComponents + `},
		{"name":"dstImmutablesComplement","type":"tuple","indexed":false,"components":` + complementComponents + `}]},
	{"type":"event","name":"DstEscrowCreated","anonymous":false,"inputs":[
		{"name":"escrow","type":"address","indexed":false},
		{"name":"hashlock","type":"bytes32","indexed":false},
		{"name":"taker","type":"uint256","indexed":false}]}
]`

var escrowJSON = `[
	{"type":"event","name":"Withdrawal","anonymous":false,"inputs":[{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"EscrowCancelled","anonymous":false,"inputs":[]}
]`

var erc20JSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]}
]`

var (
	ResolverABI = mustParseABI(resolverJSON)
	FactoryABI  = mustParseABI(factoryJSON)
	EscrowABI   = mustParseABI(escrowJSON)
	ERC20ABI    = mustParseABI(erc20JSON)
)

func mustParseABI(data string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// ImmutablesTuple is the ABI encoding of escrow immutables. Addresses are encoded as uint256 words.
type ImmutablesTuple struct {
	OrderHash     [32]byte
	Hashlock      [32]byte
	Maker         *big.Int
	Taker         *big.Int
	Token         *big.Int
	Amount        *big.Int
	SafetyDeposit *big.Int
	Timelocks     *big.Int
}

// OrderTuple is the ABI encoding of a limit order.
type OrderTuple struct {
	Salt         *big.Int
	Maker        *big.Int
	Receiver     *big.Int
	MakerAsset   *big.Int
	TakerAsset   *big.Int
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

func addressWord(addr chain.Address) *big.Int {
	word := addr.Word()
	return new(big.Int).SetBytes(word[:])
}

func wordAddress(word *big.Int) chain.Address {
	return chain.EVMAddress(common.BigToAddress(word))
}

// NewImmutablesTuple encodes the immutables, the deployment time is packed with the time-locks when not zero.
func NewImmutablesTuple(imm escrow.Immutables) ImmutablesTuple {
	return ImmutablesTuple{
		OrderHash:     imm.OrderHash,
		Hashlock:      imm.HashLock,
		Maker:         addressWord(imm.Maker),
		Taker:         addressWord(imm.Taker),
		Token:         addressWord(imm.Token),
		Amount:        new(big.Int).Set(imm.Amount),
		SafetyDeposit: new(big.Int).Set(imm.SafetyDeposit),
		Timelocks:     imm.TimeLocks.PackBig(imm.DeployedAt),
	}
}

func (tuple ImmutablesTuple) Immutables() (escrow.Immutables, error) {
	timeLocks, deployedAt, err := timelock.UnpackBig(tuple.Timelocks)
	if err != nil {
		return escrow.Immutables{}, err
	}
	return escrow.Immutables{
		OrderHash:     tuple.OrderHash,
		HashLock:      tuple.Hashlock,
		Maker:         wordAddress(tuple.Maker),
		Taker:         wordAddress(tuple.Taker),
		Token:         wordAddress(tuple.Token),
		Amount:        tuple.Amount,
		SafetyDeposit: tuple.SafetyDeposit,
		TimeLocks:     timeLocks,
		DeployedAt:    deployedAt,
	}, nil
}

// WithDeployedAt returns the tuple with the deployment time replaced.
func (tuple ImmutablesTuple) WithDeployedAt(deployedAt time.Time) (ImmutablesTuple, error) {
	timeLocks, _, err := timelock.UnpackBig(tuple.Timelocks)
	if err != nil {
		return ImmutablesTuple{}, err
	}
	tuple.Timelocks = timeLocks.PackBig(deployedAt)
	return tuple, nil
}

func NewOrderTuple(o order.Order) (OrderTuple, error) {
	salt, err := o.FullSalt()
	if err != nil {
		return OrderTuple{}, err
	}
	takerAsset := o.TakerAsset.Word()
	return OrderTuple{
		Salt:         salt,
		Maker:        addressWord(o.Maker),
		Receiver:     new(big.Int),
		MakerAsset:   addressWord(o.MakerAsset),
		TakerAsset:   new(big.Int).SetBytes(takerAsset[12:]),
		MakingAmount: new(big.Int).Set(o.MakingAmount),
		TakingAmount: new(big.Int).Set(o.TakingAmount),
		MakerTraits:  o.MakerTraits(),
	}, nil
}

// unpackImmutables decodes the first tuple of values returned by the abi package.
func unpackImmutables(value interface{}) (ImmutablesTuple, error) {
	tuple, ok := abi.ConvertType(value, new(ImmutablesTuple)).(*ImmutablesTuple)
	if !ok {
		return ImmutablesTuple{}, fmt.Errorf("unexpected immutables type %T", value)
	}
	return *tuple, nil
}

// interactionArgs carry the claimed leaf of a multiple secrets order to the escrow factory post interaction.
var interactionArgs = func() abi.Arguments {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	bytes32Type, _ := abi.NewType("bytes32", "", nil)
	proofType, _ := abi.NewType("bytes32[]", "", nil)
	return abi.Arguments{{Type: uint256Type}, {Type: bytes32Type}, {Type: proofType}}
}()

// Taker traits offsets of the limit order protocol.
const (
	makerAmountFlag       = 255
	argsExtensionOffset   = 224
	argsInteractionOffset = 200
)

// fillArgs returns the taker traits and the args of a fill: the order extension followed by the interaction.
func fillArgs(req escrow.FillRequest) (*big.Int, []byte, error) {
	extension, err := req.Order.Extension()
	if err != nil {
		return nil, nil, err
	}
	var interaction []byte
	if req.Order.HashLock.IsMultiple() {
		proof := make([][32]byte, len(req.Proof))
		for i, node := range req.Proof {
			proof[i] = node
		}
		interaction, err = interactionArgs.Pack(big.NewInt(int64(req.LeafIndex)), [32]byte(req.SecretHash), proof)
		if err != nil {
			return nil, nil, err
		}
	}

	traits := new(big.Int).Lsh(big.NewInt(1), makerAmountFlag)
	traits.Or(traits, new(big.Int).Lsh(big.NewInt(int64(len(extension))), argsExtensionOffset))
	traits.Or(traits, new(big.Int).Lsh(big.NewInt(int64(len(interaction))), argsInteractionOffset))
	return traits, append(extension, interaction...), nil
}

// compactSignature splits a 65 bytes signature into r and vs as defined by EIP-2098.
func compactSignature(signature string) ([32]byte, [32]byte, error) {
	var r, vs [32]byte
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return r, vs, swap.Validationf("decode signature: %v", err)
	}
	if len(sig) != 65 {
		return r, vs, swap.Validationf("signature has %v bytes", len(sig))
	}
	copy(r[:], sig[:32])
	copy(vs[:], sig[32:64])
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return r, vs, swap.Validationf("invalid signature recovery id %v", sig[64])
	}
	if v == 1 {
		vs[0] |= 0x80
	}
	return r, vs, nil
}
