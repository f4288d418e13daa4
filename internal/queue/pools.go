package queue

import "github.com/insoblok/inso-govqueue/pkg/types"

// Pool is one of the two independent admission pools.
type Pool int

const (
	// PoolShared is the single, mutually exclusive slot for proposals funded
	// from the shared (DAO) pool.
	PoolShared Pool = iota
	// PoolIndividual holds proposals funded by their own submitter, capped by
	// the individually-funded limit.
	PoolIndividual
)

// ClassifyPool determines which admission pool a proposal draws from.
func ClassifyPool(usesSharedPool bool) Pool {
	if usesSharedPool {
		return PoolShared
	}
	return PoolIndividual
}

func (p Pool) String() string {
	switch p {
	case PoolShared:
		return "shared"
	case PoolIndividual:
		return "individual"
	default:
		return "unknown"
	}
}

// admission is the outcome of the read-only admission check.
type admission struct {
	victim int // heap index to evict, or -1
}

// admit decides whether a proposal with the given score may enter the
// queue at now. It never mutates state, so Insert and WouldAccept share it.
func (q *ProposalQueue) admit(score types.PriorityScore, usesSharedPool bool, now uint64) (admission, error) {
	return q.admitIn(q.pending, score, usesSharedPool, now)
}

// admitIn runs the admission rules against h, which is either the live heap
// or a scratch copy of it.
//
// Shared-pool proposals are refused only while the shared slot is occupied
// and every active slot is taken. Individually-funded proposals are admitted
// directly below the cap; at the cap they must evict the global minimum,
// which is searched across both pools.
func (q *ProposalQueue) admitIn(h proposalHeap, score types.PriorityScore, usesSharedPool bool, now uint64) (admission, error) {
	if ClassifyPool(usesSharedPool) == PoolShared {
		if q.sharedPoolSlotOccupied && q.activeCount >= q.maxConcurrentActive {
			return admission{victim: -1}, types.ErrCapacityExceeded
		}
		return admission{victim: -1}, nil
	}

	if h.individuallyFunded() < q.maxIndividuallyFunded {
		return admission{victim: -1}, nil
	}

	idx := h.findMinLeaf()
	if idx < 0 {
		// Zero cap and nothing to displace.
		return admission{victim: -1}, types.ErrCapacityExceeded
	}
	incumbent := h[idx]

	if !score.Greater(incumbent.Priority) {
		return admission{victim: -1}, types.ErrPriorityTooLow
	}
	if now < incumbent.SubmittedAt || now-incumbent.SubmittedAt < q.evictionGracePeriod {
		return admission{victim: -1}, types.ErrGracePeriodActive
	}
	return admission{victim: idx}, nil
}
