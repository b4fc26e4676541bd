// Package transfer provides token-transfer services for the ledger.
package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

// Memory is an in-process token ledger. Every account is controlled by
// itself unless SetAuthority delegates it; a transfer must be authorized
// by the source account's authority.
type Memory struct {
	mu          sync.Mutex
	balances    map[string]uint64
	authorities map[string]string
}

var _ domain.Transferer = (*Memory)(nil)

// NewMemory creates an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[string]uint64),
		authorities: make(map[string]string),
	}
}

// Mint credits amount to account out of thin air. Used to fund local
// accounts.
func (m *Memory) Mint(account string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := safemath.Add(m.balances[account], amount)
	if err != nil {
		return err
	}
	m.balances[account] = b
	return nil
}

// SetAuthority makes authority the only signer allowed to move funds out
// of account.
func (m *Memory) SetAuthority(account, authority string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorities[account] = authority
}

// Balance returns the balance of account.
func (m *Memory) Balance(account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Balances returns a snapshot of every non-zero balance, keyed by account.
func (m *Memory) Balances() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.balances))
	for k, v := range m.balances {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Transfer moves amount from one account to another. Refusals wrap
// domain.ErrTransferFailed.
func (m *Memory) Transfer(ctx context.Context, from, to, authority string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := from
	if a, ok := m.authorities[from]; ok {
		owner = a
	}
	if authority != owner {
		return fmt.Errorf("%w: %s may not move funds from %s", domain.ErrTransferFailed, authority, from)
	}
	if m.balances[from] < amount {
		return fmt.Errorf("%w: insufficient balance in %s", domain.ErrTransferFailed, from)
	}
	credited, err := safemath.Add(m.balances[to], amount)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	m.balances[from] -= amount
	m.balances[to] = credited
	return nil
}
