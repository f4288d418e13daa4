package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/pkg/types"
)

var (
	// ErrNothingHeld is returned when slashing an id with no deposit.
	ErrNothingHeld = errors.New("no deposit held")

	// ErrShortDeposit is returned when withdrawing more than is held.
	ErrShortDeposit = errors.New("deposit smaller than withdrawal")

	// ErrInvalidPolicy is returned for a reward share above 100%.
	ErrInvalidPolicy = errors.New("reward share exceeds 10000 bps")
)

// MaxBps is the basis-point denominator of a slash policy.
const MaxBps = 10_000

// Ledger is an in-memory fee custodian. Deposits are keyed by proposal id;
// slashed remainders accumulate in the treasury.
type Ledger struct {
	mu       sync.RWMutex
	held     map[common.Hash]uint64
	treasury uint64
	vault    *Vault

	logger log.Logger
}

// New creates an empty ledger that pays slash rewards through vault.
func New(vault *Vault) *Ledger {
	return &Ledger{
		held:   make(map[common.Hash]uint64),
		vault:  vault,
		logger: log.New("module", "ledger"),
	}
}

// Deposit places amount in custody under id, adding to any existing deposit.
func (l *Ledger) Deposit(id common.Hash, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.held[id]
	if cur > math.MaxUint64-amount {
		return fmt.Errorf("deposit %d on %d for %s: %w", amount, cur, id.Hex(), types.ErrOverflow)
	}
	l.held[id] = cur + amount
	l.logger.Trace("Fee deposited", "id", id.Hex(), "amount", amount, "held", cur+amount)
	return nil
}

// Withdraw takes amount back out of the deposit under id and leaves the rest
// in custody. It is the undo of a single Deposit.
func (l *Ledger) Withdraw(id common.Hash, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.held[id]
	if cur < amount {
		return fmt.Errorf("withdraw %d of %d for %s: %w", amount, cur, id.Hex(), ErrShortDeposit)
	}
	if cur == amount {
		delete(l.held, id)
	} else {
		l.held[id] = cur - amount
	}
	l.logger.Trace("Fee withdrawn", "id", id.Hex(), "amount", amount, "held", cur-amount)
	return nil
}

// Refund releases everything held under id. Refunding an id with nothing
// held returns zero.
func (l *Ledger) Refund(id common.Hash) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, ok := l.held[id]
	if !ok {
		return 0, nil
	}
	delete(l.held, id)
	l.logger.Trace("Fee refunded", "id", id.Hex(), "amount", amount)
	return amount, nil
}

// SlashWithDistribution confiscates the deposit under id. RewardBps of it
// goes to policy.Recipient and the remainder to the treasury.
func (l *Ledger) SlashWithDistribution(id common.Hash, policy types.SlashPolicy) (reward, remainder uint64, err error) {
	if policy.RewardBps > MaxBps {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidPolicy, policy.RewardBps)
	}

	l.mu.Lock()
	amount, ok := l.held[id]
	if !ok {
		l.mu.Unlock()
		return 0, 0, fmt.Errorf("slash %s: %w", id.Hex(), ErrNothingHeld)
	}
	delete(l.held, id)

	// amount*bps can exceed 64 bits; split to keep it exact.
	reward = amount/MaxBps*uint64(policy.RewardBps) + amount%MaxBps*uint64(policy.RewardBps)/MaxBps
	remainder = amount - reward
	l.treasury += remainder
	l.mu.Unlock()

	if reward > 0 && l.vault != nil {
		l.vault.TransferTo(policy.Recipient, reward)
	}
	l.logger.Info("Deposit slashed",
		"id", id.Hex(),
		"amount", amount,
		"reward", reward,
		"recipient", policy.Recipient.Hex(),
		"remainder", remainder,
	)
	return reward, remainder, nil
}

// Held returns the amount custodied under id.
func (l *Ledger) Held(id common.Hash) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held[id]
}

// Treasury returns the accumulated slash remainders.
func (l *Ledger) Treasury() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.treasury
}

// TotalHeld sums every open deposit.
func (l *Ledger) TotalHeld() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total uint64
	for _, v := range l.held {
		total += v
	}
	return total
}
