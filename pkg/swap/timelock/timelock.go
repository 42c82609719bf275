package timelock

import (
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/holiman/uint256"
)

// Stage indexes the seven deltas, it is also the slot of the delta in the packed representation.
type Stage uint8

const (
	SrcWithdrawal Stage = iota
	SrcPublicWithdrawal
	SrcCancellation
	SrcPublicCancellation
	DstWithdrawal
	DstPublicWithdrawal
	DstCancellation
)

const deployedAtOffset = 224

type Side uint8

const (
	Src Side = iota
	Dst
)

func (side Side) String() string {
	if side == Src {
		return "src"
	}
	return "dst"
}

// Window is the phase an escrow is in, windows only ever move forward.
type Window uint8

const (
	TooEarly Window = iota
	PrivateWithdrawal
	PublicWithdrawal
	Cancellable
	PublicCancellable
)

func (w Window) String() string {
	switch w {
	case TooEarly:
		return "TooEarly"
	case PrivateWithdrawal:
		return "PrivateWithdrawal"
	case PublicWithdrawal:
		return "PublicWithdrawal"
	case Cancellable:
		return "Cancellable"
	case PublicCancellable:
		return "PublicCancellable"
	default:
		return fmt.Sprintf("Window(%d)", w)
	}
}

// Role of the caller of an escrow action.
type Role uint8

const (
	Resolver Role = iota
	Public
)

func (w Window) CanWithdraw(role Role) bool {
	switch w {
	case PrivateWithdrawal:
		return role == Resolver
	case PublicWithdrawal:
		return true
	default:
		return false
	}
}

func (w Window) CanCancel(role Role) bool {
	switch w {
	case Cancellable:
		return role == Resolver
	case PublicCancellable:
		return true
	default:
		return false
	}
}

// TimeLocks are the deltas in seconds from the deployment of the respective escrow.
type TimeLocks struct {
	SrcWithdrawal         uint32 `json:"srcWithdrawal"`
	SrcPublicWithdrawal   uint32 `json:"srcPublicWithdrawal"`
	SrcCancellation       uint32 `json:"srcCancellation"`
	SrcPublicCancellation uint32 `json:"srcPublicCancellation"`
	DstWithdrawal         uint32 `json:"dstWithdrawal"`
	DstPublicWithdrawal   uint32 `json:"dstPublicWithdrawal"`
	DstCancellation       uint32 `json:"dstCancellation"`
}

// Default returns the schedule used for local and test networks, 10s finality lock on both sides.
func Default() TimeLocks {
	return TimeLocks{
		SrcWithdrawal:         10,
		SrcPublicWithdrawal:   120,
		SrcCancellation:       121,
		SrcPublicCancellation: 122,
		DstWithdrawal:         10,
		DstPublicWithdrawal:   100,
		DstCancellation:       101,
	}
}

func (tl TimeLocks) Validate() error {
	if !(tl.SrcWithdrawal < tl.SrcPublicWithdrawal &&
		tl.SrcPublicWithdrawal < tl.SrcCancellation &&
		tl.SrcCancellation < tl.SrcPublicCancellation) {
		return swap.Validationf("source time-locks not strictly increasing: %v", tl)
	}
	if !(tl.DstWithdrawal < tl.DstPublicWithdrawal && tl.DstPublicWithdrawal < tl.DstCancellation) {
		return swap.Validationf("destination time-locks not strictly increasing: %v", tl)
	}
	if tl.DstCancellation >= tl.SrcCancellation {
		return swap.Validationf("destination cancellation (%v) must come before source cancellation (%v)", tl.DstCancellation, tl.SrcCancellation)
	}
	return nil
}

func (tl TimeLocks) Get(stage Stage) time.Duration {
	return time.Duration(tl.delta(stage)) * time.Second
}

// At returns the absolute time a stage starts for an escrow deployed at deployedAt.
func (tl TimeLocks) At(stage Stage, deployedAt time.Time) time.Time {
	return deployedAt.Add(tl.Get(stage))
}

// Window returns the phase of the escrow on the given side at now. A stage starts at deployedAt + delta, inclusive.
// The destination side has no public cancellation, it stays Cancellable.
func (tl TimeLocks) Window(side Side, deployedAt, now time.Time) Window {
	elapsed := now.Sub(deployedAt)
	if side == Src {
		switch {
		case elapsed < tl.Get(SrcWithdrawal):
			return TooEarly
		case elapsed < tl.Get(SrcPublicWithdrawal):
			return PrivateWithdrawal
		case elapsed < tl.Get(SrcCancellation):
			return PublicWithdrawal
		case elapsed < tl.Get(SrcPublicCancellation):
			return Cancellable
		default:
			return PublicCancellable
		}
	}
	switch {
	case elapsed < tl.Get(DstWithdrawal):
		return TooEarly
	case elapsed < tl.Get(DstPublicWithdrawal):
		return PrivateWithdrawal
	case elapsed < tl.Get(DstCancellation):
		return PublicWithdrawal
	default:
		return Cancellable
	}
}

// CheckDstDeployment makes sure the destination escrow deployed at dstDeployedAt becomes cancellable strictly before
// the source escrow deployed at srcDeployedAt does.
func (tl TimeLocks) CheckDstDeployment(srcDeployedAt, dstDeployedAt time.Time) error {
	dstCancel := tl.At(DstCancellation, dstDeployedAt)
	srcCancel := tl.At(SrcCancellation, srcDeployedAt)
	if !dstCancel.Before(srcCancel) {
		return swap.TimeWindowf("destination cancellation at %v not before source cancellation at %v", dstCancel.Unix(), srcCancel.Unix())
	}
	return nil
}

// SrcCancellationTime is when the source escrow deployed at srcDeployedAt becomes cancellable by the resolver.
func (tl TimeLocks) SrcCancellationTime(srcDeployedAt time.Time) time.Time {
	return tl.At(SrcCancellation, srcDeployedAt)
}

// LatestDstDeployment is the last moment a destination escrow can be deployed for a source escrow deployed at
// srcDeployedAt.
func (tl TimeLocks) LatestDstDeployment(srcDeployedAt time.Time) time.Time {
	return tl.At(SrcCancellation, srcDeployedAt).Add(-tl.Get(DstCancellation) - time.Second)
}

// Pack encodes the deltas together with the deployment time into the 256 bits word used by the escrow contracts.
// Stage i takes bits [32i, 32i+32), deployedAt takes the top 32 bits.
func (tl TimeLocks) Pack(deployedAt time.Time) *uint256.Int {
	packed := new(uint256.Int)
	for stage := SrcWithdrawal; stage <= DstCancellation; stage++ {
		v := uint256.NewInt(uint64(tl.delta(stage)))
		packed.Or(packed, v.Lsh(v, uint(stage)*32))
	}
	if !deployedAt.IsZero() {
		at := uint256.NewInt(uint64(uint32(deployedAt.Unix())))
		packed.Or(packed, at.Lsh(at, deployedAtOffset))
	}
	return packed
}

func (tl TimeLocks) PackBig(deployedAt time.Time) *big.Int {
	return tl.Pack(deployedAt).ToBig()
}

// Unpack decodes a packed word, the returned time is zero when no deployment time was set.
func Unpack(packed *uint256.Int) (TimeLocks, time.Time) {
	var tl TimeLocks
	mask := uint256.NewInt(0xffffffff)
	for stage := SrcWithdrawal; stage <= DstCancellation; stage++ {
		v := new(uint256.Int).Rsh(packed, uint(stage)*32)
		tl.set(stage, uint32(v.And(v, mask).Uint64()))
	}
	at := new(uint256.Int).Rsh(packed, deployedAtOffset).Uint64()
	if at == 0 {
		return tl, time.Time{}
	}
	return tl, time.Unix(int64(at), 0)
}

func UnpackBig(packed *big.Int) (TimeLocks, time.Time, error) {
	v, overflow := uint256.FromBig(packed)
	if overflow {
		return TimeLocks{}, time.Time{}, fmt.Errorf("packed time-locks overflow 256 bits")
	}
	tl, at := Unpack(v)
	return tl, at, nil
}

func (tl TimeLocks) delta(stage Stage) uint32 {
	switch stage {
	case SrcWithdrawal:
		return tl.SrcWithdrawal
	case SrcPublicWithdrawal:
		return tl.SrcPublicWithdrawal
	case SrcCancellation:
		return tl.SrcCancellation
	case SrcPublicCancellation:
		return tl.SrcPublicCancellation
	case DstWithdrawal:
		return tl.DstWithdrawal
	case DstPublicWithdrawal:
		return tl.DstPublicWithdrawal
	case DstCancellation:
		return tl.DstCancellation
	default:
		panic(fmt.Sprintf("unknown stage %d", stage))
	}
}

func (tl *TimeLocks) set(stage Stage, v uint32) {
	switch stage {
	case SrcWithdrawal:
		tl.SrcWithdrawal = v
	case SrcPublicWithdrawal:
		tl.SrcPublicWithdrawal = v
	case SrcCancellation:
		tl.SrcCancellation = v
	case SrcPublicCancellation:
		tl.SrcPublicCancellation = v
	case DstWithdrawal:
		tl.DstWithdrawal = v
	case DstPublicWithdrawal:
		tl.DstPublicWithdrawal = v
	case DstCancellation:
		tl.DstCancellation = v
	}
}
