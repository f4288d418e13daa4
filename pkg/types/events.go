package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies a queue or registry event.
type EventKind uint8

const (
	EventProposalQueued EventKind = iota + 1
	EventProposalEvicted
	EventFeeUpdated
	EventProposalCancelled
	EventProposalActivated
	EventProposalFinalized
	EventReservationCreated
	EventProposalRecreated
	EventReservationsPruned
	EventResourceCleanup
	EventProposalSlashed
)

var eventKindNames = map[EventKind]string{
	EventProposalQueued:     "proposal-queued",
	EventProposalEvicted:    "proposal-evicted",
	EventFeeUpdated:         "fee-updated",
	EventProposalCancelled:  "proposal-cancelled",
	EventProposalActivated:  "proposal-activated",
	EventProposalFinalized:  "proposal-finalized",
	EventReservationCreated: "reservation-created",
	EventProposalRecreated:  "proposal-recreated",
	EventReservationsPruned: "reservations-pruned",
	EventResourceCleanup:    "resource-cleanup",
	EventProposalSlashed:    "proposal-slashed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for kind, name := range eventKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(b))
}

// QueueEvent is the observable record emitted for indexing and UIs. It is
// not a binding wire format.
type QueueEvent struct {
	Kind       EventKind      `json:"kind"`
	ScopeID    common.Hash    `json:"scopeId"`
	ProposalID common.Hash    `json:"proposalId"`
	Proposer   common.Address `json:"proposer"`
	Fee        uint64         `json:"fee"`
	Priority   PriorityScore  `json:"priority"`
	Timestamp  uint64         `json:"timestamp"`

	// Position is the post-insertion queue position for queued events.
	Position int `json:"position,omitempty"`
	// QueueSize is the queue depth after the operation.
	QueueSize int `json:"queueSize"`
	// Related links a second proposal: the evicting insert for evictions,
	// the reservation for recreations.
	Related common.Hash `json:"related,omitempty"`
	// Count carries batch sizes, e.g. reservations removed by a prune.
	Count int `json:"count,omitempty"`
}

// ResourceCleanupNotice tells an external resource owner that an evicted
// proposal still held a resource it must release.
type ResourceCleanupNotice struct {
	ProposalID  common.Hash `json:"proposalId"`
	ResourceKey common.Hash `json:"resourceKey"`
	ScopeID     common.Hash `json:"scopeId"`
	Timestamp   uint64      `json:"timestamp"`
}
