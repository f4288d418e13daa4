package reservation

import (
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/pkg/types"
)

// Reservation is a time-boxed right to resubmit an evicted or flagged
// proposal. It may be used any number of times before it expires, each time
// for at least the original fee.
type Reservation struct {
	ParentProposalID    common.Hash    `json:"parentProposalId"`
	RootProposalID      common.Hash    `json:"rootProposalId"`
	ChainDepth          uint32         `json:"chainDepth"`
	OriginalFee         uint64         `json:"originalFee"`
	OriginalProposer    common.Address `json:"originalProposer"`
	RecreationExpiresAt uint64         `json:"recreationExpiresAt"`
	RecreationCount     uint64         `json:"recreationCount"`
	ChildProposals      []common.Hash  `json:"childProposals"`
	Payload             hexutil.Bytes  `json:"payload"`

	// Lineage is the reservation this one descends from, zero for a root.
	Lineage     common.Hash `json:"lineage"`
	BucketStart uint64      `json:"bucketStart"`
	CreatedAt   uint64      `json:"createdAt"`
}

// Template decodes the stored proposal body.
func (r *Reservation) Template() (types.ProposalTemplate, error) {
	return types.DecodeTemplate(r.Payload)
}

func (r *Reservation) copy() Reservation {
	c := *r
	c.ChildProposals = append([]common.Hash(nil), r.ChildProposals...)
	c.Payload = common.CopyBytes(r.Payload)
	return c
}

// CreateRequest carries everything needed to raise a reservation.
type CreateRequest struct {
	ProposalID common.Hash
	// Lineage optionally names the reservation this proposal descends from.
	// When that reservation is live, root and depth are inherited from it.
	Lineage          common.Hash
	Template         types.ProposalTemplate
	OriginalFee      uint64
	OriginalProposer common.Address
	RecreationPeriod uint64
	Now              uint64
}

// RecreateFunc performs the admission side of a recreation while the
// registry is locked. It returns the proposal that entered the queue.
type RecreateFunc func(res Reservation, payment uint64) (*types.QueuedProposal, error)

// ChainCheck vets a whole chain, root first, before any of it is recreated.
// It runs with the registry locked and must not modify anything.
type ChainCheck func(chain []Reservation, payments []uint64) error

// Config holds registry settings. Durations are milliseconds.
type Config struct {
	ScopeID        common.Hash
	BucketDuration uint64
}

// Registry stores reservations for one scope and indexes them by expiry
// bucket so that expired entries can be dropped one bucket at a time.
type Registry struct {
	mu sync.RWMutex

	scopeID        common.Hash
	bucketDuration uint64
	reservations   map[common.Hash]*Reservation
	buckets        *bucketIndex

	feed   event.Feed
	scope  event.SubscriptionScope
	logger log.Logger
}

// NewRegistry creates an empty registry. A zero bucket duration is treated
// as one millisecond.
func NewRegistry(cfg Config) *Registry {
	duration := cfg.BucketDuration
	if duration == 0 {
		duration = 1
	}
	return &Registry{
		scopeID:        cfg.ScopeID,
		bucketDuration: duration,
		reservations:   make(map[common.Hash]*Reservation),
		buckets:        newBucketIndex(),
		logger:         log.New("module", "reservations", "scope", cfg.ScopeID.TerminalString()),
	}
}

// BucketStart quantizes an expiry timestamp to its bucket.
func (r *Registry) BucketStart(expiresAt uint64) uint64 {
	return expiresAt - expiresAt%r.bucketDuration
}

// Create raises a reservation for req.ProposalID.
func (r *Registry) Create(req CreateRequest) (Reservation, error) {
	if req.ProposalID == (common.Hash{}) {
		return Reservation{}, fmt.Errorf("reservation for zero id: %w", types.ErrInvariantViolation)
	}
	if req.Now > math.MaxUint64-req.RecreationPeriod {
		return Reservation{}, fmt.Errorf("expiry %d + %d: %w", req.Now, req.RecreationPeriod, types.ErrOverflow)
	}
	payload, err := types.EncodeTemplate(req.Template)
	if err != nil {
		return Reservation{}, err
	}
	expiresAt := req.Now + req.RecreationPeriod
	start := r.BucketStart(expiresAt)

	r.mu.Lock()
	if _, ok := r.reservations[req.ProposalID]; ok {
		r.mu.Unlock()
		return Reservation{}, fmt.Errorf("%s: %w", req.ProposalID.Hex(), ErrAlreadyReserved)
	}
	b, exists := r.buckets.get(start)
	if !exists {
		if tail, ok := r.buckets.tail(); ok && start < tail.start {
			r.mu.Unlock()
			r.logger.Error("Bucket would precede chain tail", "start", start, "tail", tail.start)
			return Reservation{}, fmt.Errorf("%w: bucket %d before tail %d", types.ErrInvariantViolation, start, tail.start)
		}
	}

	res := &Reservation{
		ParentProposalID:    req.ProposalID,
		RootProposalID:      req.ProposalID,
		ChainDepth:          1,
		OriginalFee:         req.OriginalFee,
		OriginalProposer:    req.OriginalProposer,
		RecreationExpiresAt: expiresAt,
		Payload:             payload,
		BucketStart:         start,
		CreatedAt:           req.Now,
	}
	if parent, ok := r.reservations[req.Lineage]; ok && req.Lineage != (common.Hash{}) {
		res.Lineage = req.Lineage
		res.RootProposalID = parent.RootProposalID
		res.ChainDepth = parent.ChainDepth + 1
		parent.ChildProposals = append(parent.ChildProposals, req.ProposalID)
	}

	if !exists {
		b = &bucket{start: start}
		r.buckets.insert(b)
	}
	b.ids = append(b.ids, req.ProposalID)
	r.reservations[req.ProposalID] = res
	out := res.copy()
	r.mu.Unlock()

	r.feed.Send(types.QueueEvent{
		Kind:       types.EventReservationCreated,
		ScopeID:    r.scopeID,
		ProposalID: out.ParentProposalID,
		Proposer:   out.OriginalProposer,
		Fee:        out.OriginalFee,
		Timestamp:  req.Now,
		Related:    out.RootProposalID,
	})
	r.logger.Info("Reservation created",
		"id", out.ParentProposalID.Hex(),
		"root", out.RootProposalID.Hex(),
		"depth", out.ChainDepth,
		"fee", out.OriginalFee,
		"expiresAt", out.RecreationExpiresAt,
		"bucket", start,
	)
	return out, nil
}

// Get returns a copy of the reservation for id.
func (r *Registry) Get(id common.Hash) (Reservation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return res.copy(), true
}

// validate checks that res may be recreated for payment at now.
func validate(id common.Hash, res *Reservation, payment, now uint64) error {
	if res == nil {
		return fmt.Errorf("reservation %s: %w", id.Hex(), types.ErrNotFound)
	}
	if now >= res.RecreationExpiresAt {
		return fmt.Errorf("reservation %s expired at %d: %w", id.Hex(), res.RecreationExpiresAt, types.ErrExpired)
	}
	if payment < res.OriginalFee {
		return fmt.Errorf("payment %d < fee %d: %w", payment, res.OriginalFee, types.ErrInsufficientFunds)
	}
	return nil
}

// Recreate validates the reservation for id and hands it to fn. The
// recreation count only advances when fn succeeds. The registry stays locked
// for the duration of fn, so fn must not call back into the registry.
func (r *Registry) Recreate(id common.Hash, payment, now uint64, fn RecreateFunc) (*types.QueuedProposal, error) {
	r.mu.Lock()
	res := r.reservations[id]
	if err := validate(id, res, payment, now); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	p, err := fn(res.copy(), payment)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	res.RecreationCount++
	count := res.RecreationCount
	r.mu.Unlock()

	r.emitRecreated(id, p, now)
	r.logger.Info("Proposal recreated", "reservation", id.Hex(), "proposal", p.ID.Hex(), "fee", p.Fee, "count", count)
	return p, nil
}

// RecreateChain recreates the root reservation followed by each of its
// children in order. payments holds one amount per reservation, root first.
// Every reservation is validated, and the chain passed to check, before fn
// is first called. A chain rejected there leaves the registry untouched.
// After that each recreation stands on its own: should fn still fail, the
// proposals created before the failure are returned alongside the error.
func (r *Registry) RecreateChain(rootID common.Hash, payments []uint64, now uint64, check ChainCheck, fn RecreateFunc) ([]*types.QueuedProposal, error) {
	r.mu.Lock()
	root := r.reservations[rootID]
	if root == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("reservation %s: %w", rootID.Hex(), types.ErrNotFound)
	}
	chain := append([]common.Hash{rootID}, root.ChildProposals...)
	if len(payments) != len(chain) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d payments for %d reservations", ErrChainPayments, len(payments), len(chain))
	}
	for i, id := range chain {
		if err := validate(id, r.reservations[id], payments[i], now); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	if check != nil {
		snapshot := make([]Reservation, len(chain))
		for i, id := range chain {
			snapshot[i] = r.reservations[id].copy()
		}
		if err := check(snapshot, payments); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("chain %s: %w", rootID.Hex(), err)
		}
	}

	var (
		created []*types.QueuedProposal
		sources []common.Hash
		failure error
	)
	for i, id := range chain {
		res := r.reservations[id]
		p, err := fn(res.copy(), payments[i])
		if err != nil {
			failure = fmt.Errorf("chain %s position %d: %w", rootID.Hex(), i, err)
			break
		}
		res.RecreationCount++
		created = append(created, p)
		sources = append(sources, id)
	}
	r.mu.Unlock()

	for i, p := range created {
		r.emitRecreated(sources[i], p, now)
	}
	r.logger.Info("Chain recreated", "root", rootID.Hex(), "recreated", len(created), "chain", len(chain))
	return created, failure
}

func (r *Registry) emitRecreated(reservationID common.Hash, p *types.QueuedProposal, now uint64) {
	r.feed.Send(types.QueueEvent{
		Kind:       types.EventProposalRecreated,
		ScopeID:    r.scopeID,
		ProposalID: p.ID,
		Proposer:   p.Proposer,
		Fee:        p.Fee,
		Priority:   p.Priority,
		Timestamp:  now,
		Related:    reservationID,
	})
}

// PruneOldestExpiredBucket drops the head bucket if it lies strictly before
// now - safetyBuffer, and every reservation still listed in it. It reports
// how many reservations went with it and whether a bucket was pruned.
func (r *Registry) PruneOldestExpiredBucket(now, safetyBuffer uint64) (removed int, pruned bool) {
	r.mu.Lock()
	removed, pruned = r.pruneHeadLocked(cutoff(now, safetyBuffer))
	r.mu.Unlock()

	if pruned {
		r.emitPruned(now, 1, removed)
	}
	return removed, pruned
}

// PruneExpired drains up to maxBuckets expired buckets. A maxBuckets of zero
// or less means no bound.
func (r *Registry) PruneExpired(now, safetyBuffer uint64, maxBuckets int) (buckets, removed int) {
	limit := cutoff(now, safetyBuffer)

	r.mu.Lock()
	for maxBuckets <= 0 || buckets < maxBuckets {
		n, ok := r.pruneHeadLocked(limit)
		if !ok {
			break
		}
		buckets++
		removed += n
	}
	r.mu.Unlock()

	if buckets > 0 {
		r.emitPruned(now, buckets, removed)
	}
	return buckets, removed
}

func cutoff(now, safetyBuffer uint64) uint64 {
	if safetyBuffer > now {
		return 0
	}
	return now - safetyBuffer
}

func (r *Registry) pruneHeadLocked(limit uint64) (int, bool) {
	head, ok := r.buckets.head()
	if !ok || head.start >= limit {
		return 0, false
	}
	r.buckets.popHead()

	removed := 0
	for _, id := range head.ids {
		res, ok := r.reservations[id]
		if !ok || res.BucketStart != head.start {
			continue
		}
		delete(r.reservations, id)
		if parent, ok := r.reservations[res.Lineage]; ok {
			parent.ChildProposals = removeID(parent.ChildProposals, id)
		}
		removed++
	}
	r.logger.Debug("Pruned reservation bucket", "start", head.start, "removed", removed, "remaining", len(r.reservations))
	return removed, true
}

func removeID(ids []common.Hash, id common.Hash) []common.Hash {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (r *Registry) emitPruned(now uint64, buckets, removed int) {
	r.feed.Send(types.QueueEvent{
		Kind:      types.EventReservationsPruned,
		ScopeID:   r.scopeID,
		Timestamp: now,
		Count:     removed,
		QueueSize: r.Len(),
	})
	r.logger.Info("Expired reservations pruned", "buckets", buckets, "removed", removed)
}

// Len returns the number of live reservations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reservations)
}

// Head returns the start of the oldest bucket.
func (r *Registry) Head() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets.head()
	if !ok {
		return 0, false
	}
	return b.start, true
}

// Tail returns the start of the newest bucket.
func (r *Registry) Tail() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets.tail()
	if !ok {
		return 0, false
	}
	return b.start, true
}

// Buckets lists the expiry index oldest first.
func (r *Registry) Buckets() []BucketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BucketInfo, 0, r.buckets.len())
	r.buckets.ascend(func(b *bucket) bool {
		prev, next := r.buckets.neighbours(b.start)
		infos = append(infos, BucketInfo{
			Start:        b.start,
			Reservations: len(b.ids),
			Prev:         prev,
			Next:         next,
		})
		return true
	})
	return infos
}

// Stats returns registry metrics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		ScopeID:        r.scopeID,
		Reservations:   len(r.reservations),
		Buckets:        r.buckets.len(),
		BucketDuration: r.bucketDuration,
	}
	if b, ok := r.buckets.head(); ok {
		start := b.start
		s.Head = &start
	}
	if b, ok := r.buckets.tail(); ok {
		start := b.start
		s.Tail = &start
	}
	return s
}

// Stats contains registry metrics.
type Stats struct {
	ScopeID        common.Hash `json:"scopeId"`
	Reservations   int         `json:"reservations"`
	Buckets        int         `json:"buckets"`
	BucketDuration uint64      `json:"bucketDuration"`
	Head           *uint64     `json:"head,omitempty"`
	Tail           *uint64     `json:"tail,omitempty"`
}

// SubscribeEvents registers ch for reservation events.
func (r *Registry) SubscribeEvents(ch chan<- types.QueueEvent) event.Subscription {
	return r.scope.Track(r.feed.Subscribe(ch))
}

// Close terminates all event subscriptions.
func (r *Registry) Close() {
	r.scope.Close()
}
