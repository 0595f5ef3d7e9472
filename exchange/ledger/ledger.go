// Package ledger accounts for the pledges the exchange holds in escrow.
// The Book tracks the aggregate held balance and pays releases out through
// a Transfer port; it never decides when value moves, the engine does.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fairmail/fairmail/exchange"
	errs "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/log"
)

// Transfer moves the released amount to its recipient. A non-nil error means
// the funds did not move and the enclosing transition must roll back.
type Transfer func(ctx context.Context, to common.Address, amount *uint256.Int) error

// Book tracks how much pledge value the exchange currently holds. The
// conservation property is that Held always equals the sum of unreleased
// pledges across stored entries; Audit recomputes the sum to check it.
type Book struct {
	mu       sync.Mutex
	held     *uint256.Int
	transfer Transfer

	log log.Logger
}

// NewBook returns an empty book paying releases through transfer.
func NewBook(l log.Logger, transfer Transfer) *Book {
	return &Book{
		held:     new(uint256.Int),
		transfer: transfer,
		log:      l,
	}
}

// Stake records an incoming pledge. The amount must be positive.
func (b *Book) Stake(pid common.Hash, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errs.ErrPledgeTooLow
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	held, overflow := new(uint256.Int).AddOverflow(b.held, amount)
	if overflow {
		return fmt.Errorf("ledger: held balance overflow staking %s", amount)
	}
	b.held = held
	b.log.Debugw("pledge staked", "pid", pid, "amount", amount, "held", b.held)
	return nil
}

// Void cancels a stake whose entry never materialized, handing the amount
// straight back without a transfer. Only the create path uses it, to undo
// the stake when the store rejects the entry.
func (b *Book) Void(pid common.Hash, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.held.Lt(amount) {
		b.log.Errorw("voiding more than held", "pid", pid, "amount", amount, "held", b.held)
		b.held = new(uint256.Int)
		return
	}
	b.held = new(uint256.Int).Sub(b.held, amount)
	b.log.Debugw("pledge voided", "pid", pid, "amount", amount, "held", b.held)
}

// Release pays the full recorded amount to its recipient. The held balance
// only drops once the transfer port accepted the payment; a rejection
// surfaces as ErrTransferFailed with the balance untouched.
func (b *Book) Release(ctx context.Context, pid common.Hash, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errs.ErrPledgeTooLow
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.held.Lt(amount) {
		return fmt.Errorf("ledger: releasing %s exceeds held balance %s", amount, b.held)
	}
	if err := b.transfer(ctx, to, amount); err != nil {
		b.log.Errorw("pledge transfer rejected", "pid", pid, "to", to, "amount", amount, "err", err)
		return fmt.Errorf("%w: %s", errs.ErrTransferFailed, err)
	}
	b.held = new(uint256.Int).Sub(b.held, amount)
	b.log.Infow("pledge released", "pid", pid, "to", to, "amount", amount, "held", b.held)
	return nil
}

// Held returns a copy of the aggregate held balance.
func (b *Book) Held() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held.Clone()
}

// HeldFloat reports the held balance for gauge export. Amounts beyond the
// float range lose precision in the metric only, never in the book.
func (b *Book) HeldFloat() float64 {
	f, _ := new(big.Float).SetInt(b.Held().ToBig()).Float64()
	return f
}

// Audit recomputes the sum of unreleased pledges over the store and
// requires it to equal the held balance.
func (b *Book) Audit(ctx context.Context, store exchange.Store) error {
	sum, err := unreleasedSum(ctx, store)
	if err != nil {
		return err
	}

	held := b.Held()
	if !held.Eq(sum) {
		return fmt.Errorf("ledger: held balance %s does not match unreleased pledge sum %s", held, sum)
	}
	return nil
}

// Reload rebuilds the held balance from the persisted entries. Daemons call
// it once at boot, before the engine accepts transitions.
func (b *Book) Reload(ctx context.Context, store exchange.Store) error {
	sum, err := unreleasedSum(ctx, store)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = sum
	b.log.Infow("escrow reloaded", "held", b.held)
	return nil
}

func unreleasedSum(ctx context.Context, store exchange.Store) (*uint256.Int, error) {
	sum := new(uint256.Int)
	err := store.Cursor(ctx, func(ctx context.Context, c exchange.Cursor) error {
		for e, err := c.First(ctx); ; e, err = c.Next(ctx) {
			if err != nil {
				return err
			}
			if e.Pledged() && !e.PledgeReleased {
				var overflow bool
				sum, overflow = new(uint256.Int).AddOverflow(sum, e.Pledge)
				if overflow {
					return fmt.Errorf("ledger: pledge sum overflow at %s", e.PID)
				}
			}
		}
	})
	if err != nil && !errors.Is(err, errs.ErrEntryNotFound) {
		return nil, err
	}
	return sum, nil
}
