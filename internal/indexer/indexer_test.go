package indexer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/event"

	"github.com/insoblok/inso-govqueue/internal/metrics"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

type feedSource struct {
	feed event.Feed
}

func (s *feedSource) SubscribeEvents(ch chan<- types.QueueEvent) event.Subscription {
	return s.feed.Subscribe(ch)
}

func queued(id byte, fee uint64) types.QueueEvent {
	return types.QueueEvent{
		Kind:       types.EventProposalQueued,
		ProposalID: common.BytesToHash([]byte{id}),
		Fee:        fee,
		Priority:   types.NewPriorityScore(fee, uint64(id)),
		Timestamp:  uint64(id),
		QueueSize:  1,
	}
}

func TestWriteAndRead(t *testing.T) {
	ix := New(rawdb.NewMemoryDatabase())
	if _, ok := ix.LatestSeq(); ok {
		t.Fatal("empty index reported a latest seq")
	}

	for i := byte(1); i <= 5; i++ {
		seq, err := ix.Write(queued(i, uint64(i)*100))
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(i-1) {
			t.Errorf("seq = %d, want %d", seq, i-1)
		}
	}

	evs, err := ix.ReadEvents(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 || evs[0].Seq != 1 || evs[2].Seq != 3 {
		t.Fatalf("ReadEvents(1, 3) = %+v", evs)
	}
	if evs[0].Fee != 200 || evs[0].Kind != types.EventProposalQueued {
		t.Errorf("event = %+v", evs[0])
	}
	if evs[0].Priority != types.NewPriorityScore(200, 2) {
		t.Errorf("priority = %s", evs[0].Priority)
	}

	all, _ := ix.ReadEvents(0, 0)
	if len(all) != 5 {
		t.Errorf("unbounded read = %d events", len(all))
	}
	if latest, _ := ix.LatestSeq(); latest != 4 {
		t.Errorf("LatestSeq = %d, want 4", latest)
	}
}

func TestProposalEvents(t *testing.T) {
	ix := New(rawdb.NewMemoryDatabase())
	id := common.BytesToHash([]byte{7})

	_, _ = ix.Write(queued(7, 100))
	_, _ = ix.Write(queued(8, 100))
	_, _ = ix.Write(types.QueueEvent{Kind: types.EventFeeUpdated, ProposalID: id, Fee: 150})
	_, _ = ix.Write(types.QueueEvent{Kind: types.EventReservationsPruned, Count: 3})

	evs, err := ix.ProposalEvents(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Seq != 0 || evs[1].Seq != 2 || evs[1].Kind != types.EventFeeUpdated {
		t.Errorf("ProposalEvents = %+v", evs)
	}
}

func TestResumeSequence(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	first := New(db)
	_, _ = first.Write(queued(1, 10))
	_, _ = first.Write(queued(2, 20))

	second := New(db)
	seq, err := second.Write(queued(3, 30))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Errorf("resumed seq = %d, want 2", seq)
	}
}

func TestWatch(t *testing.T) {
	ix := New(rawdb.NewMemoryDatabase())
	m := metrics.New()
	ix.SetMetrics(m)

	src := &feedSource{}
	ix.Watch(src)
	for i := byte(1); i <= 10; i++ {
		src.feed.Send(queued(i, 100))
	}
	ix.Close()

	evs, _ := ix.ReadEvents(0, 0)
	if len(evs) != 10 {
		t.Fatalf("indexed %d events, want 10", len(evs))
	}
	if got := m.EventsIndexed.Load(); got != 10 {
		t.Errorf("EventsIndexed = %d", got)
	}
	if got := m.ProposalsQueued.Load(); got != 10 {
		t.Errorf("ProposalsQueued = %d", got)
	}
	if _, err := ix.Write(queued(11, 1)); err != ErrClosed {
		t.Errorf("write after close: err = %v, want ErrClosed", err)
	}
}
