package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/pkg/types"
)

// Metrics exposes a Prometheus-compatible /metrics endpoint for the queue.
type Metrics struct {
	// Queue
	QueueDepth         atomic.Int64
	ActiveProposals    atomic.Int64
	ProposalsQueued    atomic.Uint64
	ProposalsEvicted   atomic.Uint64
	ProposalsRejected  atomic.Uint64
	ProposalsCancelled atomic.Uint64
	ProposalsSlashed   atomic.Uint64
	FeeUpdates         atomic.Uint64
	Activations        atomic.Uint64
	Finalizations      atomic.Uint64
	ResourceCleanups   atomic.Uint64
	MinFee             atomic.Uint64

	// Reservations
	ReservationsLive    atomic.Int64
	ReservationsCreated atomic.Uint64
	ProposalsRecreated  atomic.Uint64
	ReservationsPruned  atomic.Uint64
	LastPruneTime       atomic.Int64 // clock ms
	EventsIndexed       atomic.Uint64

	// RPC
	RPCRequests   atomic.Uint64
	RPCErrors     atomic.Uint64
	RPCBatches    atomic.Uint64
	WSSubscribers atomic.Int64
	WSSlowDropped atomic.Uint64

	server *http.Server
	logger log.Logger
}

// New creates a new Metrics instance.
func New() *Metrics {
	return &Metrics{
		logger: log.New("module", "metrics"),
	}
}

// Observe updates counters from a queue or registry event.
func (m *Metrics) Observe(ev types.QueueEvent) {
	switch ev.Kind {
	case types.EventProposalQueued:
		m.ProposalsQueued.Add(1)
		m.QueueDepth.Store(int64(ev.QueueSize))
	case types.EventProposalEvicted:
		m.ProposalsEvicted.Add(1)
		m.QueueDepth.Store(int64(ev.QueueSize))
	case types.EventProposalCancelled:
		m.ProposalsCancelled.Add(1)
		m.QueueDepth.Store(int64(ev.QueueSize))
	case types.EventProposalSlashed:
		m.ProposalsSlashed.Add(1)
		m.QueueDepth.Store(int64(ev.QueueSize))
	case types.EventFeeUpdated:
		m.FeeUpdates.Add(1)
	case types.EventProposalActivated:
		m.Activations.Add(1)
		m.ActiveProposals.Add(1)
		m.QueueDepth.Store(int64(ev.QueueSize))
	case types.EventProposalFinalized:
		m.Finalizations.Add(1)
		m.ActiveProposals.Add(-1)
	case types.EventResourceCleanup:
		m.ResourceCleanups.Add(1)
	case types.EventReservationCreated:
		m.ReservationsCreated.Add(1)
		m.ReservationsLive.Add(1)
	case types.EventProposalRecreated:
		m.ProposalsRecreated.Add(1)
	case types.EventReservationsPruned:
		m.ReservationsPruned.Add(uint64(ev.Count))
		m.ReservationsLive.Store(int64(ev.QueueSize))
		m.LastPruneTime.Store(int64(ev.Timestamp))
	}
}

// Serve starts the Prometheus metrics HTTP endpoint.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.handleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"inso-govqueue","timestamp":%d}`, time.Now().Unix())
	})

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Metrics server starting", "addr", addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "err", err)
		}
	}()
}

// Stop shuts the endpoint down if it was started.
func (m *Metrics) Stop() {
	if m.server != nil {
		m.server.Close()
	}
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n\n", name, value)
}

func (m *Metrics) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	m.Render(w)
}

// Render renders all metrics in the Prometheus text format.
func (m *Metrics) Render(w io.Writer) {
	// Queue
	writeMetric(w, "inso_govqueue_queue_depth", "gauge", "Proposals waiting in the queue", m.QueueDepth.Load())
	writeMetric(w, "inso_govqueue_active_proposals", "gauge", "Proposals currently active", m.ActiveProposals.Load())
	writeMetric(w, "inso_govqueue_min_fee", "gauge", "Current occupancy-scaled minimum fee", m.MinFee.Load())
	writeMetric(w, "inso_govqueue_proposals_queued_total", "counter", "Proposals admitted to the queue", m.ProposalsQueued.Load())
	writeMetric(w, "inso_govqueue_proposals_evicted_total", "counter", "Proposals evicted by higher-priority inserts", m.ProposalsEvicted.Load())
	writeMetric(w, "inso_govqueue_proposals_rejected_total", "counter", "Submissions rejected at admission", m.ProposalsRejected.Load())
	writeMetric(w, "inso_govqueue_proposals_cancelled_total", "counter", "Proposals cancelled by their proposer", m.ProposalsCancelled.Load())
	writeMetric(w, "inso_govqueue_proposals_slashed_total", "counter", "Queued proposals removed with their deposit slashed", m.ProposalsSlashed.Load())
	writeMetric(w, "inso_govqueue_fee_updates_total", "counter", "Fee increases applied to queued proposals", m.FeeUpdates.Load())
	writeMetric(w, "inso_govqueue_activations_total", "counter", "Proposals moved into the active set", m.Activations.Load())
	writeMetric(w, "inso_govqueue_finalizations_total", "counter", "Active proposals released", m.Finalizations.Load())
	writeMetric(w, "inso_govqueue_resource_cleanups_total", "counter", "Evictions that required external resource cleanup", m.ResourceCleanups.Load())

	// Reservations
	writeMetric(w, "inso_govqueue_reservations_live", "gauge", "Reservations not yet pruned", m.ReservationsLive.Load())
	writeMetric(w, "inso_govqueue_reservations_created_total", "counter", "Reservations raised", m.ReservationsCreated.Load())
	writeMetric(w, "inso_govqueue_proposals_recreated_total", "counter", "Proposals recreated from reservations", m.ProposalsRecreated.Load())
	writeMetric(w, "inso_govqueue_reservations_pruned_total", "counter", "Expired reservations pruned", m.ReservationsPruned.Load())
	writeMetric(w, "inso_govqueue_last_prune_ms", "gauge", "Clock reading of the last prune that removed buckets", m.LastPruneTime.Load())
	writeMetric(w, "inso_govqueue_events_indexed_total", "counter", "Events persisted by the indexer", m.EventsIndexed.Load())

	// RPC
	writeMetric(w, "inso_govqueue_rpc_requests_total", "counter", "Total RPC requests", m.RPCRequests.Load())
	writeMetric(w, "inso_govqueue_rpc_errors_total", "counter", "Total RPC errors", m.RPCErrors.Load())
	writeMetric(w, "inso_govqueue_rpc_batches_total", "counter", "JSON-RPC batch requests served over HTTP", m.RPCBatches.Load())
	writeMetric(w, "inso_govqueue_ws_subscribers", "gauge", "Open WebSocket event subscriptions", m.WSSubscribers.Load())
	writeMetric(w, "inso_govqueue_ws_slow_dropped_total", "counter", "WebSocket subscribers dropped for falling behind", m.WSSlowDropped.Load())
}
