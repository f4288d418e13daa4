package queue

import (
	"container/heap"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/fees"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

// Config holds the per-scope admission limits. Times are milliseconds.
type Config struct {
	ScopeID             common.Hash
	MaxConcurrentActive uint64
	// MaxIndividuallyFunded caps proposals funded by their own submitter.
	// Configured as max_shared_funded for compatibility with older configs.
	MaxIndividuallyFunded uint64
	EvictionGracePeriod   uint64
}

// ProposalQueue is the per-scope admission queue: a max-heap of pending
// proposals ordered by fee then submission time, plus the accounting for
// proposals already activated.
//
// Every operation validates before it mutates, so a returned error means
// nothing changed. Events are published after the lock is released.
type ProposalQueue struct {
	mu sync.RWMutex

	scopeID common.Hash
	pending proposalHeap

	maxConcurrentActive   uint64
	maxIndividuallyFunded uint64
	evictionGracePeriod   uint64

	active                 map[common.Hash]*types.QueuedProposal
	activeCount            uint64
	sharedPoolSlotOccupied bool
	sharedPoolHolder       common.Hash

	reservedNext *common.Hash

	fees      *fees.ScalingPolicy
	ledger    FeeLedger
	transfer  ValueTransfer
	resources ResourceOwner

	feed   event.Feed
	scope  event.SubscriptionScope
	logger log.Logger
}

// New creates an empty queue for one scope. resources may be nil.
func New(cfg Config, policy *fees.ScalingPolicy, ledger FeeLedger, transfer ValueTransfer, resources ResourceOwner) *ProposalQueue {
	q := &ProposalQueue{
		scopeID:               cfg.ScopeID,
		pending:               make(proposalHeap, 0, cfg.MaxConcurrentActive+cfg.MaxIndividuallyFunded),
		maxConcurrentActive:   cfg.MaxConcurrentActive,
		maxIndividuallyFunded: cfg.MaxIndividuallyFunded,
		evictionGracePeriod:   cfg.EvictionGracePeriod,
		active:                make(map[common.Hash]*types.QueuedProposal),
		fees:                  policy,
		ledger:                ledger,
		transfer:              transfer,
		resources:             resources,
		logger:                log.New("module", "proposal-queue", "scope", cfg.ScopeID.TerminalString()),
	}
	heap.Init(&q.pending)
	return q
}

// outbox collects side effects that must leave the queue after unlocking.
type outbox struct {
	events  []types.QueueEvent
	notices []types.ResourceCleanupNotice
}

func (o *outbox) emit(ev types.QueueEvent) { o.events = append(o.events, ev) }

func (q *ProposalQueue) flush(o *outbox) {
	if q.resources != nil {
		for _, n := range o.notices {
			q.resources.NotifyEviction(n)
		}
	}
	for _, ev := range o.events {
		q.feed.Send(ev)
	}
}

func (q *ProposalQueue) event(kind types.EventKind, p *types.QueuedProposal, now uint64) types.QueueEvent {
	return types.QueueEvent{
		Kind:       kind,
		ScopeID:    q.scopeID,
		ProposalID: p.ID,
		Proposer:   p.Proposer,
		Fee:        p.Fee,
		Priority:   p.Priority,
		Timestamp:  now,
		QueueSize:  len(q.pending),
	}
}

// Insert admits p at time now. When the individually-funded cap is reached
// the lowest-priority entry is evicted, its bond and fee deposit refunded,
// and an EvictionInfo returned. The queue takes ownership of p.
func (q *ProposalQueue) Insert(p *types.QueuedProposal, now uint64) (*types.EvictionInfo, error) {
	info, publish, err := q.InsertDeferred(p, now)
	publish()
	return info, err
}

// InsertDeferred is Insert without the side effects: events and resource
// notices are held back until the returned publish func runs. Callers that
// insert while holding a lock of their own call publish after releasing it.
// publish is never nil.
func (q *ProposalQueue) InsertDeferred(p *types.QueuedProposal, now uint64) (*types.EvictionInfo, func(), error) {
	out := new(outbox)
	q.mu.Lock()
	info, err := q.insertLocked(p, now, out)
	q.mu.Unlock()

	return info, func() { q.flush(out) }, err
}

func (q *ProposalQueue) insertLocked(p *types.QueuedProposal, now uint64, out *outbox) (*types.EvictionInfo, error) {
	if p == nil || p.ID == (common.Hash{}) {
		return nil, ErrInvalidProposal
	}
	if p.ScopeID != q.scopeID {
		return nil, fmt.Errorf("%w: %s", ErrScopeMismatch, p.ScopeID.Hex())
	}
	if q.known(p.ID) {
		return nil, ErrAlreadyKnown
	}
	if minFee := q.minFeeLocked(); p.Fee < minFee {
		q.logger.Debug("Proposal below minimum fee", "id", p.ID.Hex(), "fee", p.Fee, "minFee", minFee)
		return nil, fmt.Errorf("%w: fee %d < %d", ErrFeeTooLow, p.Fee, minFee)
	}

	p.ComputePriority()
	adm, err := q.admit(p.Priority, p.UsesSharedPool, now)
	if err != nil {
		q.logger.Debug("Proposal rejected",
			"id", p.ID.Hex(),
			"pool", ClassifyPool(p.UsesSharedPool),
			"fee", p.Fee,
			"err", err,
		)
		return nil, err
	}

	var info *types.EvictionInfo
	if adm.victim >= 0 {
		info = q.evictLocked(adm.victim, p, now, out)
	}

	heap.Push(&q.pending, p)
	ev := q.event(types.EventProposalQueued, p, now)
	ev.Position = len(q.pending) - 1
	out.emit(ev)

	q.logger.Debug("Proposal queued",
		"id", p.ID.Hex(),
		"proposer", p.Proposer.Hex(),
		"fee", p.Fee,
		"priority", p.Priority,
		"pool", ClassifyPool(p.UsesSharedPool),
		"queueSize", len(q.pending),
	)
	return info, nil
}

// evictLocked removes the entry at idx on behalf of the incoming proposal.
// Refunds cannot fail, so eviction never aborts once admission decided it.
func (q *ProposalQueue) evictLocked(idx int, by *types.QueuedProposal, now uint64, out *outbox) *types.EvictionInfo {
	victim := heap.Remove(&q.pending, idx).(*types.QueuedProposal)
	q.clearReservedIf(victim.ID)

	info := &types.EvictionInfo{
		EvictedProposalID: victim.ID,
		EvictedProposer:   victim.Proposer,
		Fee:               victim.Fee,
		RecreatedFrom:     victim.RecreatedFrom,
		Template:          victim.Template(),
	}

	if victim.ExternalResourceKey != nil {
		out.notices = append(out.notices, types.ResourceCleanupNotice{
			ProposalID:  victim.ID,
			ResourceKey: *victim.ExternalResourceKey,
			ScopeID:     q.scopeID,
			Timestamp:   now,
		})
		resEv := q.event(types.EventResourceCleanup, victim, now)
		resEv.Related = *victim.ExternalResourceKey
		out.emit(resEv)
	}

	q.refundBond(victim)
	q.refundFee(victim)

	ev := q.event(types.EventProposalEvicted, victim, now)
	ev.Related = by.ID
	out.emit(ev)

	q.logger.Info("Proposal evicted",
		"evicted", victim.ID.Hex(),
		"proposer", victim.Proposer.Hex(),
		"fee", victim.Fee,
		"by", by.ID.Hex(),
		"byFee", by.Fee,
	)
	return info
}

// refundBond returns the bond to its proposer. Both arms are explicit: an
// empty slot is a legitimate state, not an error.
func (q *ProposalQueue) refundBond(p *types.QueuedProposal) {
	value, ok := p.Bond.Take()
	if !ok {
		q.logger.Trace("No bond to refund", "id", p.ID.Hex())
		return
	}
	q.transfer.TransferTo(p.Proposer, value)
	q.logger.Debug("Bond refunded", "id", p.ID.Hex(), "proposer", p.Proposer.Hex(), "value", value)
}

// refundFee releases the ledger deposit held for p to its proposer.
func (q *ProposalQueue) refundFee(p *types.QueuedProposal) {
	amount, err := q.ledger.Refund(p.ID)
	if err != nil {
		q.logger.Warn("Fee refund failed", "id", p.ID.Hex(), "err", err)
		return
	}
	if amount > 0 {
		q.transfer.TransferTo(p.Proposer, amount)
	}
}

// ExtractMax removes and returns the highest-priority proposal, or nil when
// the queue is empty. Ownership of the bond passes to the caller.
func (q *ProposalQueue) ExtractMax() *types.QueuedProposal {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	p := heap.Pop(&q.pending).(*types.QueuedProposal)
	q.clearReservedIf(p.ID)
	return p
}

// Cancel withdraws a queued proposal. Only its proposer may cancel; the fee
// deposit and any bond go back to the proposer.
func (q *ProposalQueue) Cancel(id common.Hash, caller common.Address, now uint64) (*types.QueuedProposal, error) {
	var out outbox
	q.mu.Lock()
	p, err := q.cancelLocked(id, caller, now, &out)
	q.mu.Unlock()

	q.flush(&out)
	return p, err
}

func (q *ProposalQueue) cancelLocked(id common.Hash, caller common.Address, now uint64, out *outbox) (*types.QueuedProposal, error) {
	idx := q.pending.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("proposal %s: %w", id.Hex(), types.ErrNotFound)
	}
	p := q.pending[idx]
	if p.Proposer != caller {
		return nil, fmt.Errorf("cancel %s by %s: %w", id.Hex(), caller.Hex(), types.ErrUnauthorized)
	}

	// The ledger is the only fallible step; run it before touching the heap.
	amount, err := q.ledger.Refund(id)
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", id.Hex(), err)
	}

	heap.Remove(&q.pending, idx)
	q.clearReservedIf(id)
	if amount > 0 {
		q.transfer.TransferTo(p.Proposer, amount)
	}
	q.refundBond(p)

	out.emit(q.event(types.EventProposalCancelled, p, now))
	q.logger.Info("Proposal cancelled", "id", id.Hex(), "proposer", p.Proposer.Hex(), "refund", amount)
	return p, nil
}

// Slash removes a queued proposal and confiscates its fee deposit under
// policy. The bond is not part of the deposit and goes back to the proposer.
func (q *ProposalQueue) Slash(id common.Hash, policy types.SlashPolicy, now uint64) (*types.QueuedProposal, error) {
	var out outbox
	q.mu.Lock()
	p, err := q.slashLocked(id, policy, now, &out)
	q.mu.Unlock()

	q.flush(&out)
	return p, err
}

func (q *ProposalQueue) slashLocked(id common.Hash, policy types.SlashPolicy, now uint64, out *outbox) (*types.QueuedProposal, error) {
	idx := q.pending.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("proposal %s: %w", id.Hex(), types.ErrNotFound)
	}
	p := q.pending[idx]

	reward, remainder, err := q.ledger.SlashWithDistribution(id, policy)
	if err != nil {
		return nil, fmt.Errorf("slash %s: %w", id.Hex(), err)
	}

	heap.Remove(&q.pending, idx)
	q.clearReservedIf(id)
	q.refundBond(p)

	ev := q.event(types.EventProposalSlashed, p, now)
	ev.Related = common.BytesToHash(policy.Recipient.Bytes())
	out.emit(ev)
	q.logger.Warn("Proposal slashed",
		"id", id.Hex(),
		"proposer", p.Proposer.Hex(),
		"reward", reward,
		"treasury", remainder,
	)
	return p, nil
}

// UpdateFee raises a queued proposal's fee by delta. The proposal is
// re-keyed with submittedAt = now, so it gives up its FIFO seniority among
// equal fees.
func (q *ProposalQueue) UpdateFee(id common.Hash, delta uint64, caller common.Address, now uint64) (*types.QueuedProposal, error) {
	var out outbox
	q.mu.Lock()
	p, err := q.updateFeeLocked(id, delta, caller, now, &out)
	q.mu.Unlock()

	q.flush(&out)
	return p, err
}

func (q *ProposalQueue) updateFeeLocked(id common.Hash, delta uint64, caller common.Address, now uint64, out *outbox) (*types.QueuedProposal, error) {
	idx := q.pending.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("proposal %s: %w", id.Hex(), types.ErrNotFound)
	}
	p := q.pending[idx]
	if p.Proposer != caller {
		return nil, fmt.Errorf("update fee %s by %s: %w", id.Hex(), caller.Hex(), types.ErrUnauthorized)
	}
	if p.Fee > math.MaxUint64-delta {
		return nil, fmt.Errorf("fee %d + %d: %w", p.Fee, delta, types.ErrOverflow)
	}
	if delta > 0 {
		if err := q.ledger.Deposit(id, delta); err != nil {
			return nil, fmt.Errorf("deposit fee delta for %s: %w", id.Hex(), err)
		}
	}

	heap.Remove(&q.pending, idx)
	p.Fee += delta
	p.SubmittedAt = now
	p.ComputePriority()
	heap.Push(&q.pending, p)

	out.emit(q.event(types.EventFeeUpdated, p, now))
	q.logger.Debug("Proposal fee updated", "id", id.Hex(), "fee", p.Fee, "priority", p.Priority)
	return p.Clone(), nil
}

// Activate moves the next proposal into the active set: the reserved
// proposal if one is set, otherwise the highest-priority one.
func (q *ProposalQueue) Activate(now uint64) (*types.QueuedProposal, error) {
	var out outbox
	q.mu.Lock()
	p, err := q.activateLocked(now, &out)
	q.mu.Unlock()

	q.flush(&out)
	return p, err
}

func (q *ProposalQueue) activateLocked(now uint64, out *outbox) (*types.QueuedProposal, error) {
	if q.activeCount >= q.maxConcurrentActive {
		return nil, fmt.Errorf("%d/%d active: %w", q.activeCount, q.maxConcurrentActive, types.ErrCapacityExceeded)
	}
	if len(q.pending) == 0 {
		return nil, fmt.Errorf("queue empty: %w", types.ErrNotFound)
	}

	idx := 0
	if q.reservedNext != nil {
		idx = q.pending.indexOf(*q.reservedNext)
		if idx < 0 {
			q.logger.Error("Reserved proposal missing from queue", "id", q.reservedNext.Hex())
			return nil, fmt.Errorf("%w: reserved proposal %s not queued", types.ErrInvariantViolation, q.reservedNext.Hex())
		}
	}
	next := q.pending[idx]
	if next.UsesSharedPool && q.sharedPoolSlotOccupied {
		return nil, fmt.Errorf("shared pool slot held by %s: %w", q.sharedPoolHolder.Hex(), types.ErrCapacityExceeded)
	}

	heap.Remove(&q.pending, idx)
	q.clearReservedIf(next.ID)
	q.active[next.ID] = next
	q.activeCount++
	if next.UsesSharedPool {
		q.sharedPoolSlotOccupied = true
		q.sharedPoolHolder = next.ID
	}

	out.emit(q.event(types.EventProposalActivated, next, now))
	q.logger.Info("Proposal activated", "id", next.ID.Hex(), "fee", next.Fee, "active", q.activeCount)
	return next.Clone(), nil
}

// Finalize releases an active proposal's slot. The proposal, including any
// bond it still owns, is handed back to the caller.
func (q *ProposalQueue) Finalize(id common.Hash, now uint64) (*types.QueuedProposal, error) {
	var out outbox
	q.mu.Lock()
	p, ok := q.active[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("active proposal %s: %w", id.Hex(), types.ErrNotFound)
	}
	delete(q.active, id)
	q.activeCount--
	if q.sharedPoolSlotOccupied && q.sharedPoolHolder == id {
		q.sharedPoolSlotOccupied = false
		q.sharedPoolHolder = common.Hash{}
	}
	out.emit(q.event(types.EventProposalFinalized, p, now))
	q.mu.Unlock()

	q.flush(&out)
	q.logger.Info("Proposal finalized", "id", id.Hex())
	return p, nil
}

// SetReserved locks id as the next proposal to activate. At most one
// proposal may be reserved; a second call without ClearReserved is a defect.
func (q *ProposalQueue) SetReserved(id common.Hash) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.reservedNext != nil {
		q.logger.Error("Reserved slot already taken", "current", q.reservedNext.Hex(), "requested", id.Hex())
		return fmt.Errorf("%w: %s already reserved", types.ErrInvariantViolation, q.reservedNext.Hex())
	}
	if q.pending.indexOf(id) < 0 {
		return fmt.Errorf("proposal %s: %w", id.Hex(), types.ErrNotFound)
	}
	reserved := id
	q.reservedNext = &reserved
	return nil
}

// ClearReserved releases the reserved slot. It is a no-op when unset.
func (q *ProposalQueue) ClearReserved() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reservedNext = nil
}

// Reserved returns the reserved proposal id, if any.
func (q *ProposalQueue) Reserved() (common.Hash, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.reservedNext == nil {
		return common.Hash{}, false
	}
	return *q.reservedNext, true
}

func (q *ProposalQueue) clearReservedIf(id common.Hash) {
	if q.reservedNext != nil && *q.reservedNext == id {
		q.reservedNext = nil
	}
}

// MinFee returns the occupancy-scaled minimum fee.
func (q *ProposalQueue) MinFee() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.minFeeLocked()
}

func (q *ProposalQueue) minFeeLocked() uint64 {
	return q.fees.MinFee(uint64(len(q.pending)), q.maxConcurrentActive)
}

// WouldAccept runs the admission checks read-only for a hypothetical
// proposal submitted at now.
func (q *ProposalQueue) WouldAccept(fee uint64, usesSharedPool bool, now uint64) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if fee < q.minFeeLocked() {
		return false
	}
	_, err := q.admit(types.NewPriorityScore(fee, now), usesSharedPool, now)
	return err == nil
}

// Candidate describes a proposal not yet built, for CheckAdmission.
type Candidate struct {
	Fee            uint64
	UsesSharedPool bool
}

// CheckAdmission reports whether every candidate would be admitted when
// inserted in order at now. Each one is judged against the queue as the
// earlier candidates left it, their evictions included. The queue itself is
// not modified.
func (q *ProposalQueue) CheckAdmission(candidates []Candidate, now uint64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	sim := make(proposalHeap, len(q.pending), len(q.pending)+len(candidates))
	copy(sim, q.pending)
	for i, c := range candidates {
		if minFee := q.fees.MinFee(uint64(len(sim)), q.maxConcurrentActive); c.Fee < minFee {
			return fmt.Errorf("position %d: %w: fee %d < %d", i, ErrFeeTooLow, c.Fee, minFee)
		}
		score := types.NewPriorityScore(c.Fee, now)
		adm, err := q.admitIn(sim, score, c.UsesSharedPool, now)
		if err != nil {
			return fmt.Errorf("position %d: %w", i, err)
		}
		if adm.victim >= 0 {
			heap.Remove(&sim, adm.victim)
		}
		heap.Push(&sim, &types.QueuedProposal{
			Fee:            c.Fee,
			SubmittedAt:    now,
			Priority:       score,
			UsesSharedPool: c.UsesSharedPool,
		})
	}
	return nil
}

func (q *ProposalQueue) known(id common.Hash) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	return q.pending.indexOf(id) >= 0
}

// Has reports whether id is queued or active.
func (q *ProposalQueue) Has(id common.Hash) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.known(id)
}

// Get returns a copy of the queued proposal with id.
func (q *ProposalQueue) Get(id common.Hash) (*types.QueuedProposal, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	idx := q.pending.indexOf(id)
	if idx < 0 {
		return nil, false
	}
	return q.pending[idx].Clone(), true
}

// Peek returns a copy of the highest-priority proposal.
func (q *ProposalQueue) Peek() *types.QueuedProposal {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0].Clone()
}

// Len returns the number of queued proposals.
func (q *ProposalQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// ActiveCount returns the number of activated proposals.
func (q *ProposalQueue) ActiveCount() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.activeCount
}

// Pending returns copies of the queued proposals in heap array order
// (index 0 is the maximum).
func (q *ProposalQueue) Pending() []*types.QueuedProposal {
	q.mu.RLock()
	defer q.mu.RUnlock()

	snapshot := make([]*types.QueuedProposal, len(q.pending))
	for i, p := range q.pending {
		snapshot[i] = p.Clone()
	}
	return snapshot
}

// ScopeID returns the scope this queue serves.
func (q *ProposalQueue) ScopeID() common.Hash { return q.scopeID }

// Verify checks the heap invariant.
func (q *ProposalQueue) Verify() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pending.verify()
}

// Stats returns queue occupancy figures.
func (q *ProposalQueue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Stats{
		ScopeID:                q.scopeID,
		Queued:                 len(q.pending),
		IndividuallyFunded:     q.pending.individuallyFunded(),
		Active:                 q.activeCount,
		MaxConcurrentActive:    q.maxConcurrentActive,
		MaxIndividuallyFunded:  q.maxIndividuallyFunded,
		SharedPoolSlotOccupied: q.sharedPoolSlotOccupied,
		MinFee:                 q.minFeeLocked(),
	}
	if q.reservedNext != nil {
		r := *q.reservedNext
		s.ReservedNext = &r
	}
	return s
}

// Stats contains queue metrics.
type Stats struct {
	ScopeID                common.Hash  `json:"scopeId"`
	Queued                 int          `json:"queued"`
	IndividuallyFunded     uint64       `json:"individuallyFunded"`
	Active                 uint64       `json:"active"`
	MaxConcurrentActive    uint64       `json:"maxConcurrentActive"`
	MaxIndividuallyFunded  uint64       `json:"maxIndividuallyFunded"`
	SharedPoolSlotOccupied bool         `json:"sharedPoolSlotOccupied"`
	ReservedNext           *common.Hash `json:"reservedNext,omitempty"`
	MinFee                 uint64       `json:"minFee"`
}

// SubscribeEvents registers ch for queue events. Subscribers must keep
// draining ch: sends block until every subscriber has received.
func (q *ProposalQueue) SubscribeEvents(ch chan<- types.QueueEvent) event.Subscription {
	return q.scope.Track(q.feed.Subscribe(ch))
}

// Close terminates all event subscriptions.
func (q *ProposalQueue) Close() {
	q.scope.Close()
}
