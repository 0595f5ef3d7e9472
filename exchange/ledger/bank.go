package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryBank is the default transfer port: a per-address credit book kept in
// memory. Deployments settling against an external system supply their own
// Transfer instead.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
}

// NewMemoryBank returns an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[common.Address]*uint256.Int),
	}
}

// Transfer credits the amount to the recipient's balance.
func (m *MemoryBank) Transfer(_ context.Context, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[to]
	if !ok {
		balance = new(uint256.Int)
	}
	credited, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("bank: balance overflow crediting %s", to)
	}
	m.balances[to] = credited
	return nil
}

// Balance returns a copy of the credit held for addr.
func (m *MemoryBank) Balance(addr common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balance, ok := m.balances[addr]
	if !ok {
		return new(uint256.Int)
	}
	return balance.Clone()
}

// Balances returns a copy of every non-zero balance.
func (m *MemoryBank) Balances() map[common.Address]*uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[common.Address]*uint256.Int, len(m.balances))
	for addr, balance := range m.balances {
		out[addr] = balance.Clone()
	}
	return out
}
