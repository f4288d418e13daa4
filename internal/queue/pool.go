package queue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/insoblok/inso-govqueue/pkg/types"
)

// FeeLedger custodies fee deposits. The queue never holds fee amounts itself.
type FeeLedger interface {
	// Deposit places amount in custody under id.
	Deposit(id common.Hash, amount uint64) error

	// Withdraw takes back amount from the deposit under id, undoing one
	// Deposit without touching anything held before it.
	Withdraw(id common.Hash, amount uint64) error

	// Refund releases everything held under id and returns the amount.
	Refund(id common.Hash) (uint64, error)

	// SlashWithDistribution confiscates the deposit under id, paying reward
	// per the policy and keeping the remainder. Only Slash calls it.
	SlashWithDistribution(id common.Hash, policy types.SlashPolicy) (reward, remainder uint64, err error)
}

// ValueTransfer moves value to a recipient. Used for bond and fee refunds.
type ValueTransfer interface {
	TransferTo(recipient common.Address, value uint64)
}

// ResourceOwner is told when an evicted proposal still held an external
// resource. It is responsible for its own cleanup.
type ResourceOwner interface {
	NotifyEviction(notice types.ResourceCleanupNotice)
}

// EventSource is implemented by anything that publishes QueueEvents.
type EventSource interface {
	SubscribeEvents(ch chan<- types.QueueEvent) event.Subscription
}
