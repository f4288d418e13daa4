package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Transfer is one completed payout.
type Transfer struct {
	To    common.Address `json:"to"`
	Value uint64         `json:"value"`
}

// Vault credits payouts to recipient balances and keeps a transfer log.
type Vault struct {
	mu        sync.RWMutex
	balances  map[common.Address]uint64
	transfers []Transfer

	logger log.Logger
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		balances: make(map[common.Address]uint64),
		logger:   log.New("module", "vault"),
	}
}

// TransferTo credits value to recipient.
func (v *Vault) TransferTo(recipient common.Address, value uint64) {
	v.mu.Lock()
	v.balances[recipient] += value
	v.transfers = append(v.transfers, Transfer{To: recipient, Value: value})
	v.mu.Unlock()

	v.logger.Debug("Value transferred", "to", recipient.Hex(), "value", value)
}

// BalanceOf returns everything paid out to addr so far.
func (v *Vault) BalanceOf(addr common.Address) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[addr]
}

// Transfers returns a copy of the transfer log.
func (v *Vault) Transfers() []Transfer {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Transfer, len(v.transfers))
	copy(out, v.transfers)
	return out
}
