package escrow

import (
	"fmt"
	"time"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/hashlock"
	"github.com/catalogfi/resolver/pkg/swap/timelock"
)

// RoleOf returns the role of caller on the escrow, only the taker acts in the private windows.
func (esc Escrow) RoleOf(caller chain.Address) timelock.Role {
	if caller.Equal(esc.Taker) {
		return timelock.Resolver
	}
	return timelock.Public
}

// CheckWithdraw tells whether a withdrawal by the given role with secret would succeed at now.
func (esc Escrow) CheckWithdraw(now time.Time, role timelock.Role, secret []byte) error {
	if esc.Status.Terminal() {
		return swap.Desyncf("escrow %v already %v", esc.Ref, esc.Status)
	}
	if window := esc.Window(now); !window.CanWithdraw(role) {
		return swap.TimeWindowf("cannot withdraw escrow %v in window %v", esc.Ref, window)
	}
	if hashlock.HashSecret(secret) != esc.HashLock {
		return fmt.Errorf("%w: secret does not open escrow %v", swap.ErrProofVerification, esc.Ref)
	}
	return nil
}

// CheckCancel tells whether a cancellation by the given role would succeed at now.
func (esc Escrow) CheckCancel(now time.Time, role timelock.Role) error {
	if esc.Status.Terminal() {
		return swap.Desyncf("escrow %v already %v", esc.Ref, esc.Status)
	}
	if window := esc.Window(now); !window.CanCancel(role) {
		return swap.TimeWindowf("cannot cancel escrow %v in window %v", esc.Ref, window)
	}
	return nil
}
