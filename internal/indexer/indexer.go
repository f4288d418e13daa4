package indexer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/metrics"
	"github.com/insoblok/inso-govqueue/internal/queue"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

// Key prefixes for the event database.
var (
	prefixEvent    = []byte("e") // e + seq -> QueueEvent (JSON)
	prefixProposal = []byte("p") // p + proposalID + seq -> empty
	keyNextSeq     = []byte("next-seq")
)

// ErrClosed is returned when writing to a closed indexer.
var ErrClosed = errors.New("indexer closed")

// IndexedEvent is a persisted event with its sequence number.
type IndexedEvent struct {
	Seq uint64 `json:"seq"`
	types.QueueEvent
}

// Open returns the key-value store backing the indexer. An empty dataDir
// selects an in-memory database.
func Open(dataDir string) (ethdb.Database, error) {
	if dataDir == "" {
		return rawdb.NewMemoryDatabase(), nil
	}
	path := filepath.Join(dataDir, "events")
	db, err := rawdb.NewPebbleDBDatabase(path, 64, 64, "govqueue/events/", false, false)
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return db, nil
}

// Indexer persists queue and registry events in sequence order.
type Indexer struct {
	mu      sync.RWMutex
	db      ethdb.Database
	nextSeq uint64
	closed  bool

	metrics *metrics.Metrics
	subs    []event.Subscription
	wg      sync.WaitGroup

	logger log.Logger
}

// New wraps db, resuming the sequence from whatever it already holds.
func New(db ethdb.Database) *Indexer {
	ix := &Indexer{
		db:     db,
		logger: log.New("module", "indexer"),
	}
	if data, err := db.Get(keyNextSeq); err == nil && len(data) == 8 {
		ix.nextSeq = binary.BigEndian.Uint64(data)
		ix.logger.Info("Event index restored", "events", ix.nextSeq)
	}
	return ix
}

// SetMetrics attaches a metrics sink. Every indexed event is observed.
func (ix *Indexer) SetMetrics(m *metrics.Metrics) {
	ix.metrics = m
}

func encodeSeq(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

func eventKey(seq uint64) []byte {
	return append(append([]byte{}, prefixEvent...), encodeSeq(seq)...)
}

func proposalKey(id common.Hash, seq uint64) []byte {
	key := append(append([]byte{}, prefixProposal...), id.Bytes()...)
	return append(key, encodeSeq(seq)...)
}

// Write persists ev and returns its sequence number.
func (ix *Indexer) Write(ev types.QueueEvent) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return 0, ErrClosed
	}

	seq := ix.nextSeq
	batch := ix.db.NewBatch()
	batch.Put(eventKey(seq), data)
	if ev.ProposalID != (common.Hash{}) {
		batch.Put(proposalKey(ev.ProposalID, seq), nil)
	}
	batch.Put(keyNextSeq, encodeSeq(seq+1))
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("write batch: %w", err)
	}
	ix.nextSeq = seq + 1

	if ix.metrics != nil {
		ix.metrics.Observe(ev)
		ix.metrics.EventsIndexed.Add(1)
	}
	return seq, nil
}

// Watch subscribes to src and indexes its events until Close.
func (ix *Indexer) Watch(src queue.EventSource) {
	ch := make(chan types.QueueEvent, 256)
	sub := src.SubscribeEvents(ch)

	ix.mu.Lock()
	ix.subs = append(ix.subs, sub)
	ix.mu.Unlock()

	ix.wg.Add(1)
	go ix.loop(ch, sub)
}

func (ix *Indexer) loop(ch <-chan types.QueueEvent, sub event.Subscription) {
	defer ix.wg.Done()
	for {
		select {
		case ev := <-ch:
			ix.store(ev)
		case err := <-sub.Err():
			if err != nil {
				ix.logger.Warn("Event subscription failed", "err", err)
			}
			// Drain what was delivered before the unsubscribe.
			for {
				select {
				case ev := <-ch:
					ix.store(ev)
				default:
					return
				}
			}
		}
	}
}

func (ix *Indexer) store(ev types.QueueEvent) {
	if _, err := ix.Write(ev); err != nil {
		ix.logger.Error("Failed to index event", "kind", ev.Kind, "proposal", ev.ProposalID.Hex(), "err", err)
	}
}

// ReadEvents returns up to limit events starting at sequence from.
func (ix *Indexer) ReadEvents(from uint64, limit int) ([]IndexedEvent, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	it := ix.db.NewIterator(prefixEvent, encodeSeq(from))
	defer it.Release()

	var out []IndexedEvent
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		key := it.Key()
		if len(key) != len(prefixEvent)+8 {
			continue
		}
		var ev IndexedEvent
		if err := json.Unmarshal(it.Value(), &ev.QueueEvent); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev.Seq = binary.BigEndian.Uint64(key[len(prefixEvent):])
		out = append(out, ev)
	}
	return out, it.Error()
}

// ProposalEvents returns every indexed event naming id, oldest first.
func (ix *Indexer) ProposalEvents(id common.Hash) ([]IndexedEvent, error) {
	prefix := append(append([]byte{}, prefixProposal...), id.Bytes()...)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	it := ix.db.NewIterator(prefix, nil)
	defer it.Release()

	var out []IndexedEvent
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		data, err := ix.db.Get(eventKey(seq))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", seq, err)
		}
		ev := IndexedEvent{Seq: seq}
		if err := json.Unmarshal(data, &ev.QueueEvent); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, ev)
	}
	return out, it.Error()
}

// LatestSeq returns the sequence number of the newest event.
func (ix *Indexer) LatestSeq() (uint64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.nextSeq == 0 {
		return 0, false
	}
	return ix.nextSeq - 1, true
}

// Close stops every watcher after indexing what they already received.
// The database is left open for its owner to close.
func (ix *Indexer) Close() {
	ix.mu.Lock()
	subs := ix.subs
	ix.subs = nil
	ix.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	ix.wg.Wait()

	ix.mu.Lock()
	ix.closed = true
	ix.mu.Unlock()
}
