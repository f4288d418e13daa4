package queue

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/insoblok/inso-govqueue/internal/fees"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

var testScope = common.HexToHash("0x5c0e")

type mockLedger struct {
	held       map[common.Hash]uint64
	refunds    []common.Hash
	slashed    []common.Hash
	failRefund bool
}

func newMockLedger() *mockLedger {
	return &mockLedger{held: make(map[common.Hash]uint64)}
}

func (l *mockLedger) Deposit(id common.Hash, amount uint64) error {
	l.held[id] += amount
	return nil
}

func (l *mockLedger) Withdraw(id common.Hash, amount uint64) error {
	if l.held[id] < amount {
		return errors.New("short deposit")
	}
	l.held[id] -= amount
	return nil
}

func (l *mockLedger) Refund(id common.Hash) (uint64, error) {
	if l.failRefund {
		return 0, errors.New("ledger unavailable")
	}
	amount := l.held[id]
	delete(l.held, id)
	l.refunds = append(l.refunds, id)
	return amount, nil
}

func (l *mockLedger) SlashWithDistribution(id common.Hash, policy types.SlashPolicy) (uint64, uint64, error) {
	amount, ok := l.held[id]
	if !ok {
		return 0, 0, errors.New("nothing held")
	}
	delete(l.held, id)
	l.slashed = append(l.slashed, id)
	return 0, amount, nil
}

type transfer struct {
	to    common.Address
	value uint64
}

type mockTransfer struct {
	transfers []transfer
}

func (m *mockTransfer) TransferTo(recipient common.Address, value uint64) {
	m.transfers = append(m.transfers, transfer{recipient, value})
}

func (m *mockTransfer) total(to common.Address) uint64 {
	var sum uint64
	for _, t := range m.transfers {
		if t.to == to {
			sum += t.value
		}
	}
	return sum
}

type mockResources struct {
	notices []types.ResourceCleanupNotice
}

func (m *mockResources) NotifyEviction(n types.ResourceCleanupNotice) {
	m.notices = append(m.notices, n)
}

type testQueue struct {
	*ProposalQueue
	ledger    *mockLedger
	transfer  *mockTransfer
	resources *mockResources
}

func newTestQueue(t *testing.T, maxActive, maxIndividual, grace uint64) *testQueue {
	t.Helper()
	tq := &testQueue{
		ledger:    newMockLedger(),
		transfer:  &mockTransfer{},
		resources: &mockResources{},
	}
	tq.ProposalQueue = New(Config{
		ScopeID:               testScope,
		MaxConcurrentActive:   maxActive,
		MaxIndividuallyFunded: maxIndividual,
		EvictionGracePeriod:   grace,
	}, fees.NewScalingPolicy(1), tq.ledger, tq.transfer, tq.resources)
	t.Cleanup(tq.Close)
	return tq
}

func makeID(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n))
}

func makeProposal(id uint64, proposer common.Address, fee, at uint64, shared bool) *types.QueuedProposal {
	p := &types.QueuedProposal{
		Bond:           types.NoBond(),
		ID:             makeID(id),
		ScopeID:        testScope,
		Proposer:       proposer,
		Fee:            fee,
		SubmittedAt:    at,
		UsesSharedPool: shared,
		Payload:        []byte{byte(id)},
	}
	p.ComputePriority()
	return p
}

// insert deposits the fee the way callers do before admission.
func (tq *testQueue) insert(t *testing.T, p *types.QueuedProposal, now uint64) (*types.EvictionInfo, error) {
	t.Helper()
	_ = tq.ledger.Deposit(p.ID, p.Fee)
	info, err := tq.Insert(p, now)
	if err != nil {
		delete(tq.ledger.held, p.ID)
	}
	return info, err
}

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	carol = common.HexToAddress("0xca401")
)

func TestScenarioA(t *testing.T) {
	q := newTestQueue(t, 2, 1, 300_000)

	events := make(chan types.QueueEvent, 16)
	sub := q.SubscribeEvents(events)
	defer sub.Unsubscribe()

	a := makeProposal(1, alice, 1_000_000, 0, false)
	if _, err := q.insert(t, a, 0); err != nil {
		t.Fatalf("insert A: %v", err)
	}

	b := makeProposal(2, bob, 500_000, 100_000, false)
	if _, err := q.insert(t, b, 100_000); !errors.Is(err, types.ErrPriorityTooLow) {
		t.Fatalf("insert B: err = %v, want ErrPriorityTooLow", err)
	}

	c := makeProposal(3, carol, 2_000_000, 400_000, false)
	info, err := q.insert(t, c, 400_000)
	if err != nil {
		t.Fatalf("insert C: %v", err)
	}
	if info == nil || info.EvictedProposalID != a.ID || info.EvictedProposer != alice {
		t.Fatalf("eviction info = %+v, want A evicted", info)
	}
	if q.Len() != 1 || q.Peek().ID != c.ID {
		t.Errorf("queue should hold only C, len=%d", q.Len())
	}
	if got := q.transfer.total(alice); got != 1_000_000 {
		t.Errorf("alice refunded %d, want 1000000", got)
	}

	var kinds []types.EventKind
	var evicted types.QueueEvent
	for len(events) > 0 {
		ev := <-events
		kinds = append(kinds, ev.Kind)
		if ev.Kind == types.EventProposalEvicted {
			evicted = ev
		}
	}
	want := []types.EventKind{types.EventProposalQueued, types.EventProposalEvicted, types.EventProposalQueued}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, kinds[i], want[i])
		}
	}
	if evicted.ProposalID != a.ID || evicted.Related != c.ID {
		t.Errorf("eviction event names %s by %s, want A by C", evicted.ProposalID.Hex(), evicted.Related.Hex())
	}
}

func TestScenarioB(t *testing.T) {
	q := newTestQueue(t, 2, 10, 0)

	late := makeProposal(2, bob, 1_000_000, 200, false)
	early := makeProposal(1, alice, 1_000_000, 100, false)
	if _, err := q.insert(t, late, 200); err != nil {
		t.Fatalf("insert late: %v", err)
	}
	if _, err := q.insert(t, early, 200); err != nil {
		t.Fatalf("insert early: %v", err)
	}

	if got := q.ExtractMax(); got.ID != early.ID {
		t.Errorf("ExtractMax = %s, want t=100 proposal", got.ID.Hex())
	}
	if got := q.ExtractMax(); got.ID != late.ID {
		t.Errorf("second ExtractMax = %s, want t=200 proposal", got.ID.Hex())
	}
	if got := q.ExtractMax(); got != nil {
		t.Errorf("ExtractMax on empty queue = %v, want nil", got)
	}
}

func TestOrderingAndHeapInvariant(t *testing.T) {
	q := newTestQueue(t, 4, 100, 0)

	// Deterministic spread with repeated fees to exercise the FIFO tie-break.
	var seed uint64 = 7
	for i := uint64(1); i <= 60; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		fee := 10 + (seed>>33)%8*100
		if _, err := q.insert(t, makeProposal(i, alice, fee, i, false), i); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if err := q.Verify(); err != nil {
			t.Fatalf("after insert %d: %v", i, err)
		}
	}

	prev := q.ExtractMax()
	for q.Len() > 0 {
		next := q.ExtractMax()
		if err := q.Verify(); err != nil {
			t.Fatalf("after extract: %v", err)
		}
		if next.Fee > prev.Fee {
			t.Fatalf("fee increased: %d after %d", next.Fee, prev.Fee)
		}
		if next.Fee == prev.Fee && next.SubmittedAt < prev.SubmittedAt {
			t.Fatalf("FIFO broken for fee %d: t=%d after t=%d", next.Fee, next.SubmittedAt, prev.SubmittedAt)
		}
		prev = next
	}
}

func TestEvictionGate(t *testing.T) {
	const grace = 1000

	tests := []struct {
		name     string
		fee      uint64
		now      uint64
		wantErr  error
		wantEvct bool
	}{
		{"higher priority, grace elapsed", 200, grace, nil, true},
		{"higher priority, grace active", 200, grace - 1, types.ErrGracePeriodActive, false},
		{"equal fee later time", 100, grace, types.ErrPriorityTooLow, false},
		{"lower fee", 50, grace * 10, types.ErrPriorityTooLow, false},
		{"lower fee inside grace", 50, 1, types.ErrPriorityTooLow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, 2, 1, grace)
			incumbent := makeProposal(1, alice, 100, 0, false)
			if _, err := q.insert(t, incumbent, 0); err != nil {
				t.Fatalf("insert incumbent: %v", err)
			}

			info, err := q.insert(t, makeProposal(2, bob, tt.fee, tt.now, false), tt.now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if (info != nil) != tt.wantEvct {
				t.Fatalf("eviction = %v, want %v", info != nil, tt.wantEvct)
			}
			if !tt.wantEvct && !q.Has(incumbent.ID) {
				t.Error("rejected insert removed the incumbent")
			}
			if err := q.Verify(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestEvictionBondSafety(t *testing.T) {
	tests := []struct {
		name     string
		bond     types.Bond
		wantBond uint64
	}{
		{"bond present", types.SomeBond(5_000), 5_000},
		{"bond absent", types.NoBond(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, 2, 1, 0)
			victim := makeProposal(1, alice, 100, 0, false)
			victim.Bond = tt.bond
			if _, err := q.insert(t, victim, 0); err != nil {
				t.Fatalf("insert victim: %v", err)
			}

			info, err := q.insert(t, makeProposal(2, bob, 300, 1, false), 1)
			if err != nil {
				t.Fatalf("evicting insert: %v", err)
			}
			if info == nil || info.EvictedProposalID != victim.ID {
				t.Fatalf("eviction info = %+v", info)
			}

			// Fee deposit (100) plus the bond, paid exactly once.
			if got := q.transfer.total(alice); got != 100+tt.wantBond {
				t.Errorf("alice received %d, want %d", got, 100+tt.wantBond)
			}
			if victim.Bond.IsSome() {
				t.Error("bond still present after eviction")
			}
			if q.transfer.total(bob) != 0 {
				t.Error("evicting proposer received a transfer")
			}
		})
	}
}

func TestEvictionResourceNotice(t *testing.T) {
	q := newTestQueue(t, 2, 1, 0)
	key := common.HexToHash("0xbeef")
	victim := makeProposal(1, alice, 100, 0, false)
	victim.ExternalResourceKey = &key
	if _, err := q.insert(t, victim, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.insert(t, makeProposal(2, bob, 300, 5, false), 5); err != nil {
		t.Fatal(err)
	}

	if len(q.resources.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(q.resources.notices))
	}
	n := q.resources.notices[0]
	if n.ProposalID != victim.ID || n.ResourceKey != key || n.ScopeID != testScope || n.Timestamp != 5 {
		t.Errorf("notice = %+v", n)
	}
}

// The individually-funded cap evicts the global minimum, which may be a
// shared-pool proposal. This pins the current cross-pool behaviour.
func TestCrossPoolEviction(t *testing.T) {
	q := newTestQueue(t, 4, 1, 0)

	shared := makeProposal(1, alice, 10, 0, true)
	individual := makeProposal(2, bob, 100, 0, false)
	if _, err := q.insert(t, shared, 0); err != nil {
		t.Fatalf("insert shared: %v", err)
	}
	if _, err := q.insert(t, individual, 0); err != nil {
		t.Fatalf("insert individual: %v", err)
	}

	info, err := q.insert(t, makeProposal(3, carol, 50, 1, false), 1)
	if err != nil {
		t.Fatalf("insert at cap: %v", err)
	}
	if info == nil || info.EvictedProposalID != shared.ID {
		t.Fatalf("evicted %+v, want the shared-pool proposal", info)
	}
	if got := q.Stats().IndividuallyFunded; got != 2 {
		t.Errorf("individually funded = %d, want 2 (cap exceeded via cross-pool eviction)", got)
	}
}

func TestSharedPoolCapacity(t *testing.T) {
	q := newTestQueue(t, 1, 5, 0)

	first := makeProposal(1, alice, 100, 0, true)
	if _, err := q.insert(t, first, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Activate(1); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	_, err := q.insert(t, makeProposal(2, bob, 100, 2, true), 2)
	if !errors.Is(err, types.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if q.WouldAccept(100, true, 2) {
		t.Error("WouldAccept true while shared slot held and active set full")
	}

	if _, err := q.Finalize(first.ID, 3); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := q.insert(t, makeProposal(2, bob, 100, 4, true), 4); err != nil {
		t.Errorf("insert after finalize: %v", err)
	}
}

func TestInsertValidation(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	q.fees.SetBaseFee(100)

	if _, err := q.Insert(makeProposal(1, alice, 99, 0, false), 0); !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("low fee: err = %v, want ErrFeeTooLow", err)
	}

	p := makeProposal(2, alice, 100, 0, false)
	if _, err := q.Insert(p, 0); err != nil {
		t.Fatal(err)
	}
	// One of two slots filled: occupancy 50% doubles the minimum.
	if got := q.MinFee(); got != 200 {
		t.Errorf("MinFee = %d, want 200", got)
	}
	if _, err := q.Insert(makeProposal(2, bob, 500, 1, false), 1); !errors.Is(err, ErrAlreadyKnown) {
		t.Errorf("duplicate: err = %v, want ErrAlreadyKnown", err)
	}

	other := makeProposal(3, alice, 500, 1, false)
	other.ScopeID = common.HexToHash("0x0123")
	if _, err := q.Insert(other, 1); !errors.Is(err, ErrScopeMismatch) {
		t.Errorf("scope: err = %v, want ErrScopeMismatch", err)
	}

	zero := makeProposal(0, alice, 500, 1, false)
	if _, err := q.Insert(zero, 1); !errors.Is(err, ErrInvalidProposal) {
		t.Errorf("zero id: err = %v, want ErrInvalidProposal", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestCancel(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	p := makeProposal(1, alice, 400, 0, false)
	p.Bond = types.SomeBond(50)
	if _, err := q.insert(t, p, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Cancel(p.ID, bob, 1); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("cancel by bob: err = %v, want ErrUnauthorized", err)
	}
	if _, err := q.Cancel(makeID(99), alice, 1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("cancel unknown: err = %v, want ErrNotFound", err)
	}

	q.ledger.failRefund = true
	if _, err := q.Cancel(p.ID, alice, 1); err == nil {
		t.Fatal("cancel succeeded with failing ledger")
	}
	if !q.Has(p.ID) || len(q.transfer.transfers) != 0 {
		t.Fatal("failed cancel changed state")
	}

	q.ledger.failRefund = false
	if _, err := q.Cancel(p.ID, alice, 2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if q.Has(p.ID) {
		t.Error("proposal still queued after cancel")
	}
	if got := q.transfer.total(alice); got != 450 {
		t.Errorf("alice refunded %d, want 450", got)
	}
}

func TestUpdateFeeResetsSeniority(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	first := makeProposal(1, alice, 100, 100, false)
	second := makeProposal(2, bob, 100, 200, false)
	for _, p := range []*types.QueuedProposal{first, second} {
		if _, err := q.insert(t, p, p.SubmittedAt); err != nil {
			t.Fatal(err)
		}
	}
	if q.Peek().ID != first.ID {
		t.Fatal("earlier proposal should lead")
	}

	if _, err := q.UpdateFee(first.ID, 0, alice, 300); err != nil {
		t.Fatalf("UpdateFee: %v", err)
	}
	if q.Peek().ID != second.ID {
		t.Error("zero-delta update should forfeit FIFO seniority")
	}

	updated, err := q.UpdateFee(first.ID, 1, alice, 400)
	if err != nil {
		t.Fatalf("UpdateFee: %v", err)
	}
	if updated.Fee != 101 || updated.SubmittedAt != 400 {
		t.Errorf("updated = fee %d at %d, want 101 at 400", updated.Fee, updated.SubmittedAt)
	}
	if updated.Priority != types.NewPriorityScore(101, 400) {
		t.Error("priority not recomputed")
	}
	if q.Peek().ID != first.ID {
		t.Error("higher fee should lead")
	}
	if q.ledger.held[first.ID] != 101 {
		t.Errorf("ledger holds %d, want 101", q.ledger.held[first.ID])
	}
	if err := q.Verify(); err != nil {
		t.Error(err)
	}
}

func TestUpdateFeeRejections(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	p := makeProposal(1, alice, 100, 0, false)
	if _, err := q.insert(t, p, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := q.UpdateFee(p.ID, 10, bob, 1); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if _, err := q.UpdateFee(makeID(9), 10, alice, 1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := q.UpdateFee(p.ID, math.MaxUint64, alice, 1); !errors.Is(err, types.ErrOverflow) {
		t.Errorf("err = %v, want ErrOverflow", err)
	}
	if got, _ := q.Get(p.ID); got.Fee != 100 || got.SubmittedAt != 0 {
		t.Errorf("rejected update mutated proposal: %+v", got)
	}
}

func TestReservedSlot(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	high := makeProposal(1, alice, 900, 0, false)
	low := makeProposal(2, bob, 100, 0, false)
	for _, p := range []*types.QueuedProposal{high, low} {
		if _, err := q.insert(t, p, 0); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.SetReserved(makeID(42)); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("reserve unknown: err = %v, want ErrNotFound", err)
	}
	if err := q.SetReserved(low.ID); err != nil {
		t.Fatalf("SetReserved: %v", err)
	}
	if err := q.SetReserved(high.ID); !errors.Is(err, types.ErrInvariantViolation) {
		t.Errorf("second reserve: err = %v, want ErrInvariantViolation", err)
	}

	got, err := q.Activate(1)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got.ID != low.ID {
		t.Errorf("activated %s, want reserved proposal", got.ID.Hex())
	}
	if _, ok := q.Reserved(); ok {
		t.Error("reserved slot not cleared after activation")
	}

	if err := q.SetReserved(high.ID); err != nil {
		t.Fatalf("SetReserved after clear: %v", err)
	}
	q.ClearReserved()
	if _, ok := q.Reserved(); ok {
		t.Error("ClearReserved left the slot set")
	}
}

func TestActivateFinalize(t *testing.T) {
	q := newTestQueue(t, 1, 5, 0)
	if _, err := q.Activate(0); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("activate empty: err = %v, want ErrNotFound", err)
	}

	a := makeProposal(1, alice, 500, 0, false)
	b := makeProposal(2, bob, 100, 0, false)
	for _, p := range []*types.QueuedProposal{a, b} {
		if _, err := q.insert(t, p, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, err := q.Activate(1)
	if err != nil || got.ID != a.ID {
		t.Fatalf("Activate = %v, %v; want highest priority", got, err)
	}
	if _, err := q.Activate(2); !errors.Is(err, types.ErrCapacityExceeded) {
		t.Errorf("over capacity: err = %v, want ErrCapacityExceeded", err)
	}
	if !q.Has(a.ID) {
		t.Error("active proposal not known")
	}
	if _, err := q.insert(t, makeProposal(1, carol, 900, 3, false), 3); !errors.Is(err, ErrAlreadyKnown) {
		t.Errorf("re-insert active id: err = %v, want ErrAlreadyKnown", err)
	}

	if _, err := q.Finalize(a.ID, 4); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := q.Finalize(a.ID, 5); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("double finalize: err = %v, want ErrNotFound", err)
	}
	if q.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", q.ActiveCount())
	}
}

func TestWouldAcceptDoesNotMutate(t *testing.T) {
	q := newTestQueue(t, 2, 1, 100)
	p := makeProposal(1, alice, 100, 0, false)
	if _, err := q.insert(t, p, 0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fee  uint64
		now  uint64
		want bool
	}{
		{"would evict", 500, 100, true},
		{"grace active", 500, 50, false},
		{"priority too low", 50, 100, false},
		{"below min fee", 1, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := q.WouldAccept(tt.fee, false, tt.now); got != tt.want {
				t.Errorf("WouldAccept(%d, %d) = %v, want %v", tt.fee, tt.now, got, tt.want)
			}
		})
	}

	if q.Len() != 1 || !q.Has(p.ID) || len(q.transfer.transfers) != 0 {
		t.Error("WouldAccept mutated the queue")
	}
}

func TestFindMinLeaf(t *testing.T) {
	var h proposalHeap
	if h.findMinLeaf() != -1 {
		t.Error("empty heap should return -1")
	}
	for i, fee := range []uint64{90, 80, 70, 10, 60, 50, 40} {
		p := makeProposal(uint64(i+1), alice, fee, 0, false)
		h = append(h, p)
	}
	if err := h.verify(); err != nil {
		t.Fatal(err)
	}
	if idx := h.findMinLeaf(); h[idx].Fee != 10 {
		t.Errorf("min leaf fee = %d, want 10", h[idx].Fee)
	}
}

func TestSnapshotsDetachedFromHeap(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	p := makeProposal(1, alice, 100, 0, false)
	if _, err := q.insert(t, p, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(p.ID)
	got.Fee = 1
	got.Payload[0] = 0xff
	if again, _ := q.Get(p.ID); again.Fee != 100 || again.Payload[0] != 1 {
		t.Fatalf("writing through Get reached the heap: %+v", again)
	}

	// UpdateFee rewrites the heap entry while readers encode snapshots.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			if _, err := q.UpdateFee(p.ID, 0, alice, i); err != nil {
				t.Errorf("UpdateFee: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := json.Marshal(q.Pending()); err != nil {
				t.Errorf("marshal: %v", err)
				return
			}
			if head := q.Peek(); head == nil || head.ID != p.ID {
				t.Errorf("Peek = %v", head)
				return
			}
		}
	}()
	wg.Wait()

	if head := q.Peek(); head.SubmittedAt != 200 {
		t.Errorf("submittedAt = %d, want 200", head.SubmittedAt)
	}
}

func TestCheckAdmission(t *testing.T) {
	q := newTestQueue(t, 10, 2, 0)
	a := makeProposal(1, alice, 100, 0, false)
	b := makeProposal(2, bob, 150, 0, false)
	for _, p := range []*types.QueuedProposal{a, b} {
		if _, err := q.insert(t, p, 0); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		fees    []uint64
		wantErr error
		wantPos string
	}{
		{"second evicts the survivor", []uint64{1000, 200}, nil, ""},
		{"second beaten by the survivor", []uint64{1000, 100}, types.ErrPriorityTooLow, "position 1"},
		{"both clear the cap", []uint64{1000, 2000}, nil, ""},
		{"first too low", []uint64{50}, types.ErrPriorityTooLow, "position 0"},
		{"shared pool bypasses the cap", []uint64{1000, 1000, 1000}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cands := make([]Candidate, len(tt.fees))
			for i, fee := range tt.fees {
				cands[i] = Candidate{Fee: fee, UsesSharedPool: strings.HasPrefix(tt.name, "shared")}
			}
			err := q.CheckAdmission(cands, 5)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), tt.wantPos) {
				t.Errorf("err = %v, want %s", err, tt.wantPos)
			}
		})
	}

	if q.Len() != 2 || !q.Has(a.ID) || !q.Has(b.ID) || len(q.transfer.transfers) != 0 {
		t.Error("CheckAdmission mutated the queue")
	}
	if err := q.Verify(); err != nil {
		t.Error(err)
	}
}

func TestInsertDeferredHoldsEvents(t *testing.T) {
	q := newTestQueue(t, 2, 1, 0)
	events := make(chan types.QueueEvent, 4)
	sub := q.SubscribeEvents(events)
	defer sub.Unsubscribe()

	key := common.HexToHash("0xfeed")
	a := makeProposal(1, alice, 100, 0, false)
	a.ExternalResourceKey = &key
	if _, err := q.insert(t, a, 0); err != nil {
		t.Fatal(err)
	}
	<-events

	b := makeProposal(2, bob, 200, 1, false)
	_ = q.ledger.Deposit(b.ID, b.Fee)
	info, publish, err := q.InsertDeferred(b, 1)
	if err != nil || info == nil {
		t.Fatalf("InsertDeferred = %v, %v", info, err)
	}
	if len(events) != 0 || len(q.resources.notices) != 0 {
		t.Fatalf("side effects before publish: %d events, %d notices", len(events), len(q.resources.notices))
	}
	publish()
	if len(events) != 3 || len(q.resources.notices) != 1 {
		t.Errorf("after publish: %d events, %d notices; want 3 and 1", len(events), len(q.resources.notices))
	}

	_, publish, err = q.InsertDeferred(makeProposal(3, carol, 50, 2, false), 2)
	if !errors.Is(err, types.ErrPriorityTooLow) {
		t.Fatalf("err = %v, want ErrPriorityTooLow", err)
	}
	publish()
}

func TestSlash(t *testing.T) {
	q := newTestQueue(t, 2, 5, 0)
	events := make(chan types.QueueEvent, 8)
	sub := q.SubscribeEvents(events)
	defer sub.Unsubscribe()

	p := makeProposal(1, alice, 400, 0, false)
	p.Bond = types.SomeBond(50)
	if _, err := q.insert(t, p, 0); err != nil {
		t.Fatal(err)
	}
	// Queued without a deposit, so the ledger refuses to slash it.
	unfunded := makeProposal(2, bob, 100, 0, false)
	if _, err := q.Insert(unfunded, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.SetReserved(p.ID); err != nil {
		t.Fatal(err)
	}
	policy := types.SlashPolicy{Recipient: carol, RewardBps: 1000}

	if _, err := q.Slash(makeID(9), policy, 1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown: err = %v, want ErrNotFound", err)
	}
	if _, err := q.Slash(unfunded.ID, policy, 1); err == nil {
		t.Error("slash without deposit succeeded")
	}
	if !q.Has(unfunded.ID) {
		t.Error("failed slash removed the proposal")
	}

	slashed, err := q.Slash(p.ID, policy, 2)
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if slashed.ID != p.ID || q.Has(p.ID) {
		t.Error("slashed proposal still queued")
	}
	if _, ok := q.Reserved(); ok {
		t.Error("reserved slot kept for slashed proposal")
	}
	if len(q.ledger.slashed) != 1 || q.ledger.held[p.ID] != 0 {
		t.Errorf("ledger slashed %v, holds %d", q.ledger.slashed, q.ledger.held[p.ID])
	}
	if got := q.transfer.total(alice); got != 50 {
		t.Errorf("alice got %d back, want the 50 bond only", got)
	}

	var last types.QueueEvent
	for len(events) > 0 {
		last = <-events
	}
	if last.Kind != types.EventProposalSlashed || last.ProposalID != p.ID {
		t.Errorf("last event = %v %s", last.Kind, last.ProposalID.Hex())
	}
}
