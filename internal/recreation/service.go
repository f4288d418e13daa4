package recreation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/queue"
	"github.com/insoblok/inso-govqueue/internal/reservation"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

// ErrWrongScope is returned when a reservation's template belongs to
// another scope than the queue it would re-enter.
var ErrWrongScope = errors.New("reservation scope does not match queue")

// Submission is a new proposal as handed in by a caller.
type Submission struct {
	// ID is optional; a fresh id is generated when zero.
	ID             common.Hash
	Proposer       common.Address
	Fee            uint64
	Bond           types.Bond
	UsesSharedPool bool
	ResourceKey    *common.Hash
	Payload        []byte
}

// Result reports the outcome of an admission.
type Result struct {
	Proposal *types.QueuedProposal
	Evicted  *types.EvictionInfo
	// Reservation is the reservation raised for the evicted proposal, if any.
	Reservation *reservation.Reservation
}

// Service ties the queue, the fee ledger and the reservation registry
// together: it deposits fees before admission, raises a reservation for
// every eviction, and turns reservations back into queued proposals.
type Service struct {
	queue            *queue.ProposalQueue
	registry         *reservation.Registry
	ledger           queue.FeeLedger
	ids              *IDGenerator
	recreationPeriod uint64

	logger log.Logger
}

// NewService wires a service for one scope. recreationPeriod is in
// milliseconds.
func NewService(q *queue.ProposalQueue, registry *reservation.Registry, ledger queue.FeeLedger, recreationPeriod uint64) *Service {
	return &Service{
		queue:            q,
		registry:         registry,
		ledger:           ledger,
		ids:              NewIDGenerator(q.ScopeID()),
		recreationPeriod: recreationPeriod,
		logger:           log.New("module", "recreation"),
	}
}

// Queue returns the underlying queue.
func (s *Service) Queue() *queue.ProposalQueue { return s.queue }

// Registry returns the underlying reservation registry.
func (s *Service) Registry() *reservation.Registry { return s.registry }

func (s *Service) taken(id common.Hash) bool {
	if s.queue.Has(id) {
		return true
	}
	_, ok := s.registry.Get(id)
	return ok
}

// Submit deposits the fee and admits a new proposal at now. If admission
// fails the deposit is released again. A caller-chosen ID already used by a
// queued, active or reserved proposal is refused before any money moves.
func (s *Service) Submit(sub Submission, now uint64) (*Result, error) {
	id := sub.ID
	if id == (common.Hash{}) {
		id = s.ids.Next(common.BytesToHash(sub.Proposer.Bytes()), s.taken)
	} else if s.taken(id) {
		return nil, fmt.Errorf("proposal %s: %w", id.Hex(), queue.ErrAlreadyKnown)
	}
	p := &types.QueuedProposal{
		Bond:                sub.Bond,
		ID:                  id,
		ScopeID:             s.queue.ScopeID(),
		Proposer:            sub.Proposer,
		Fee:                 sub.Fee,
		SubmittedAt:         now,
		ExternalResourceKey: sub.ResourceKey,
		UsesSharedPool:      sub.UsesSharedPool,
		Payload:             common.CopyBytes(sub.Payload),
	}
	p.ComputePriority()
	snapshot := p.Clone()

	info, publish, err := s.admit(p)
	publish()
	if err != nil {
		return nil, err
	}
	res := &Result{Proposal: snapshot, Evicted: info}
	if info != nil {
		res.Reservation = s.reserveEvicted(info, now)
	}
	return res, nil
}

// admit deposits p's fee and inserts it. On failure exactly the amount
// deposited here is withdrawn again. The queue's events are held in the
// returned publish func, which is never nil.
func (s *Service) admit(p *types.QueuedProposal) (*types.EvictionInfo, func(), error) {
	nop := func() {}
	if s.queue.Has(p.ID) {
		return nil, nop, fmt.Errorf("proposal %s: %w", p.ID.Hex(), queue.ErrAlreadyKnown)
	}
	if err := s.ledger.Deposit(p.ID, p.Fee); err != nil {
		return nil, nop, fmt.Errorf("deposit fee: %w", err)
	}
	info, publish, err := s.queue.InsertDeferred(p, p.SubmittedAt)
	if err != nil {
		if werr := s.ledger.Withdraw(p.ID, p.Fee); werr != nil {
			s.logger.Error("Deposit rollback failed", "id", p.ID.Hex(), "fee", p.Fee, "err", werr)
		}
		return nil, publish, err
	}
	return info, publish, nil
}

// reserveEvicted raises the recreation right for an evicted proposal. The
// eviction has already happened, so failures are logged rather than
// returned.
func (s *Service) reserveEvicted(info *types.EvictionInfo, now uint64) *reservation.Reservation {
	res, err := s.registry.Create(reservation.CreateRequest{
		ProposalID:       info.EvictedProposalID,
		Lineage:          info.RecreatedFrom,
		Template:         info.Template,
		OriginalFee:      info.Fee,
		OriginalProposer: info.EvictedProposer,
		RecreationPeriod: s.recreationPeriod,
		Now:              now,
	})
	if err != nil {
		s.logger.Error("Failed to reserve evicted proposal", "id", info.EvictedProposalID.Hex(), "err", err)
		return nil
	}
	return &res
}

// Flag raises a reservation for a proposal still in the queue, so it can be
// resubmitted later even if it never gets evicted.
func (s *Service) Flag(id common.Hash, now uint64) (reservation.Reservation, error) {
	p, ok := s.queue.Get(id)
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("proposal %s: %w", id.Hex(), types.ErrNotFound)
	}
	return s.registry.Create(reservation.CreateRequest{
		ProposalID:       p.ID,
		Lineage:          p.RecreatedFrom,
		Template:         p.Template(),
		OriginalFee:      p.Fee,
		OriginalProposer: p.Proposer,
		RecreationPeriod: s.recreationPeriod,
		Now:              now,
	})
}

// template decodes res and checks it belongs to this queue's scope.
func (s *Service) template(res reservation.Reservation) (types.ProposalTemplate, error) {
	tmpl, err := res.Template()
	if err != nil {
		return tmpl, fmt.Errorf("%w: reservation %s: %v", types.ErrInvariantViolation, res.ParentProposalID.Hex(), err)
	}
	if tmpl.ScopeID != s.queue.ScopeID() {
		return tmpl, fmt.Errorf("%w: %s", ErrWrongScope, tmpl.ScopeID.Hex())
	}
	return tmpl, nil
}

// deferred collects what a registry callback leaves to do once the
// registry lock is released.
type deferred struct {
	evicted []*types.EvictionInfo
	publish []func()
}

// finish publishes the queue events held back under the registry lock and
// raises reservations for every eviction.
func (s *Service) finish(rc *deferred, now uint64) *Result {
	for _, publish := range rc.publish {
		publish()
	}
	res := new(Result)
	for _, info := range rc.evicted {
		res.Evicted = info
		res.Reservation = s.reserveEvicted(info, now)
	}
	return res
}

// recreateFunc builds the registry callback for a recreation at now.
func (s *Service) recreateFunc(now uint64, rc *deferred) reservation.RecreateFunc {
	return func(res reservation.Reservation, payment uint64) (*types.QueuedProposal, error) {
		tmpl, err := s.template(res)
		if err != nil {
			return nil, err
		}

		// The registry is locked here, so only the queue is consulted.
		id := s.ids.Next(res.ParentProposalID, s.queue.Has)
		p := tmpl.Proposal(id, payment, now)
		p.RecreatedFrom = res.ParentProposalID
		snapshot := p.Clone()

		info, publish, err := s.admit(p)
		rc.publish = append(rc.publish, publish)
		if err != nil {
			return nil, err
		}
		if info != nil {
			rc.evicted = append(rc.evicted, info)
		}
		return snapshot, nil
	}
}

// chainCheck dry-runs the admission of a whole chain at now, so that a chain
// one of whose members would be refused is refused before anything is paid
// or inserted.
func (s *Service) chainCheck(now uint64) reservation.ChainCheck {
	return func(chain []reservation.Reservation, payments []uint64) error {
		cands := make([]queue.Candidate, len(chain))
		for i, res := range chain {
			tmpl, err := s.template(res)
			if err != nil {
				return fmt.Errorf("position %d: %w", i, err)
			}
			cands[i] = queue.Candidate{Fee: payments[i], UsesSharedPool: tmpl.UsesSharedPool}
		}
		return s.queue.CheckAdmission(cands, now)
	}
}

// Recreate resubmits the reserved proposal for payment at now. The new
// proposal gets a fresh id and submission time; the reservation stays live
// until pruned.
func (s *Service) Recreate(reservationID common.Hash, payment, now uint64) (*Result, error) {
	var rc deferred
	p, err := s.registry.Recreate(reservationID, payment, now, s.recreateFunc(now, &rc))
	res := s.finish(&rc, now)
	if err != nil {
		return nil, err
	}
	res.Proposal = p
	return res, nil
}

// RecreateChain resubmits a root reservation and each of its children. The
// whole chain is checked against the queue first and nothing happens unless
// every member would be admitted.
func (s *Service) RecreateChain(rootID common.Hash, payments []uint64, now uint64) ([]*types.QueuedProposal, error) {
	var rc deferred
	created, err := s.registry.RecreateChain(rootID, payments, now, s.chainCheck(now), s.recreateFunc(now, &rc))
	s.finish(&rc, now)
	return created, err
}

// Slash withdraws a queued proposal as a penalty: its fee deposit is split
// between policy.Recipient and the treasury instead of being refunded.
func (s *Service) Slash(id common.Hash, policy types.SlashPolicy, now uint64) (*types.QueuedProposal, error) {
	return s.queue.Slash(id, policy, now)
}
