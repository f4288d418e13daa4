package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/indexer"
	"github.com/insoblok/inso-govqueue/internal/janitor"
	"github.com/insoblok/inso-govqueue/internal/metrics"
	"github.com/insoblok/inso-govqueue/internal/queue"
	"github.com/insoblok/inso-govqueue/internal/recreation"
	"github.com/insoblok/inso-govqueue/internal/reservation"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

var errInvalidParams = errors.New("invalid params")

// dataError carries a partial result alongside an error.
type dataError struct {
	err  error
	data interface{}
}

func (e *dataError) Error() string { return e.err.Error() }
func (e *dataError) Unwrap() error { return e.err }

// Handler dispatches JSON-RPC methods to their implementations.
type Handler struct {
	service  *recreation.Service
	queue    *queue.ProposalQueue
	registry *reservation.Registry
	janitor  *janitor.Janitor
	indexer  *indexer.Indexer
	metrics  *metrics.Metrics
	clock    types.Clock
	logger   log.Logger
}

// NewHandler creates a new JSON-RPC handler. The clock supplies the
// timestamp of every state-changing call.
func NewHandler(svc *recreation.Service, j *janitor.Janitor, clock types.Clock) *Handler {
	return &Handler{
		service:  svc,
		queue:    svc.Queue(),
		registry: svc.Registry(),
		janitor:  j,
		clock:    clock,
		logger:   log.New("module", "rpc-handler"),
	}
}

// SetIndexer attaches the event index used by gov_getEvents.
func (h *Handler) SetIndexer(ix *indexer.Indexer) { h.indexer = ix }

// SetMetrics attaches the Prometheus metrics instance.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// Handle processes a single JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	h.logger.Debug("RPC request", "method", req.Method, "id", req.ID)

	if h.metrics != nil {
		h.metrics.RPCRequests.Add(1)
	}

	var result interface{}
	var err error

	switch req.Method {
	// Admission
	case "gov_submitProposal":
		result, err = h.submitProposal(req.Params)
	case "gov_cancelProposal":
		result, err = h.cancelProposal(req.Params)
	case "gov_slashProposal":
		result, err = h.slashProposal(req.Params)
	case "gov_updateFee":
		result, err = h.updateFee(req.Params)
	case "gov_minFee":
		result = hexutil.Uint64(h.queue.MinFee())
	case "gov_wouldAccept":
		result, err = h.wouldAccept(req.Params)

	// Activation
	case "gov_activateNext":
		result, err = h.queue.Activate(h.clock.Now())
	case "gov_finalizeProposal":
		result, err = h.finalizeProposal(req.Params)
	case "gov_setReserved":
		result, err = h.setReserved(req.Params)
	case "gov_clearReserved":
		h.queue.ClearReserved()
		result = true

	// Introspection
	case "gov_queueStatus":
		result = h.queueStatus()
	case "gov_pendingProposals":
		result = h.queue.Pending()
	case "gov_getProposal":
		result, err = h.getProposal(req.Params)
	case "gov_getEvents":
		result, err = h.getEvents(req.Params)
	case "gov_getProposalEvents":
		result, err = h.getProposalEvents(req.Params)

	// Reservations
	case "gov_getReservation":
		result, err = h.getReservation(req.Params)
	case "gov_flagReservation":
		result, err = h.flagReservation(req.Params)
	case "gov_recreate":
		result, err = h.recreate(req.Params)
	case "gov_recreateChain":
		result, err = h.recreateChain(req.Params)
	case "gov_prune":
		result, err = h.prune(req.Params)

	default:
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &JSONRPCError{Code: -32601, Message: fmt.Sprintf("method %s not found", req.Method)},
		}
	}

	if h.metrics != nil {
		h.metrics.MinFee.Store(h.queue.MinFee())
	}

	if err != nil {
		if h.metrics != nil {
			h.metrics.RPCErrors.Add(1)
		}
		h.logger.Debug("RPC error", "method", req.Method, "err", err)
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   toJSONRPCError(err),
		}
	}

	encoded, _ := json.Marshal(result)
	raw := json.RawMessage(encoded)
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &raw,
	}
}

func toJSONRPCError(err error) *JSONRPCError {
	e := &JSONRPCError{Code: -32000, Message: err.Error()}
	if errors.Is(err, errInvalidParams) {
		e.Code = -32602
	}
	var de *dataError
	if errors.As(err, &de) {
		e.Data = de.data
	}
	return e
}

// parseParams decodes a positional parameter array into dst. The first
// required entries must be present; the rest are optional.
func parseParams(params json.RawMessage, required int, dst ...interface{}) error {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return fmt.Errorf("%w: %v", errInvalidParams, err)
		}
	}
	if len(args) < required {
		return fmt.Errorf("%w: want %d, got %d", errInvalidParams, required, len(args))
	}
	for i := 0; i < len(args) && i < len(dst); i++ {
		if err := json.Unmarshal(args[i], dst[i]); err != nil {
			return fmt.Errorf("%w: param %d: %v", errInvalidParams, i, err)
		}
	}
	return nil
}

// --- Admission ---

func (h *Handler) submitProposal(params json.RawMessage) (interface{}, error) {
	var args SubmitArgs
	if err := parseParams(params, 1, &args); err != nil {
		return nil, err
	}

	sub := recreation.Submission{
		Proposer:       args.Proposer,
		Fee:            uint64(args.Fee),
		UsesSharedPool: args.UsesSharedPool,
		ResourceKey:    args.ResourceKey,
		Payload:        args.Payload,
	}
	if args.ID != nil {
		sub.ID = *args.ID
	}
	if args.Bond != nil {
		sub.Bond = types.SomeBond(uint64(*args.Bond))
	}

	res, err := h.service.Submit(sub, h.clock.Now())
	if err != nil {
		if h.metrics != nil {
			h.metrics.ProposalsRejected.Add(1)
		}
		return nil, fmt.Errorf("admission rejected: %w", err)
	}
	return &AdmissionResult{
		Proposal:    res.Proposal,
		Evicted:     newEvictionResult(res.Evicted),
		Reservation: res.Reservation,
	}, nil
}

func (h *Handler) cancelProposal(params json.RawMessage) (interface{}, error) {
	var (
		id     common.Hash
		caller common.Address
	)
	if err := parseParams(params, 2, &id, &caller); err != nil {
		return nil, err
	}
	return h.queue.Cancel(id, caller, h.clock.Now())
}

// slashProposal removes a queued proposal without refunding its fee:
// rewardBps of the deposit goes to recipient, the rest to the treasury.
func (h *Handler) slashProposal(params json.RawMessage) (interface{}, error) {
	var (
		id        common.Hash
		recipient common.Address
		rewardBps uint16
	)
	if err := parseParams(params, 3, &id, &recipient, &rewardBps); err != nil {
		return nil, err
	}
	policy := types.SlashPolicy{Recipient: recipient, RewardBps: rewardBps}
	return h.service.Slash(id, policy, h.clock.Now())
}

func (h *Handler) updateFee(params json.RawMessage) (interface{}, error) {
	var (
		id     common.Hash
		delta  hexutil.Uint64
		caller common.Address
	)
	if err := parseParams(params, 3, &id, &delta, &caller); err != nil {
		return nil, err
	}
	return h.queue.UpdateFee(id, uint64(delta), caller, h.clock.Now())
}

func (h *Handler) wouldAccept(params json.RawMessage) (interface{}, error) {
	var (
		fee    hexutil.Uint64
		shared bool
	)
	if err := parseParams(params, 1, &fee, &shared); err != nil {
		return nil, err
	}
	return h.queue.WouldAccept(uint64(fee), shared, h.clock.Now()), nil
}

// --- Activation ---

func (h *Handler) finalizeProposal(params json.RawMessage) (interface{}, error) {
	var id common.Hash
	if err := parseParams(params, 1, &id); err != nil {
		return nil, err
	}
	return h.queue.Finalize(id, h.clock.Now())
}

func (h *Handler) setReserved(params json.RawMessage) (interface{}, error) {
	var id common.Hash
	if err := parseParams(params, 1, &id); err != nil {
		return nil, err
	}
	if err := h.queue.SetReserved(id); err != nil {
		return nil, err
	}
	return true, nil
}

// --- Introspection ---

func (h *Handler) queueStatus() *StatusResult {
	s := &StatusResult{
		Queue:        h.queue.Stats(),
		Reservations: h.registry.Stats(),
		Now:          h.clock.Now(),
	}
	if h.indexer != nil {
		if seq, ok := h.indexer.LatestSeq(); ok {
			s.LatestEvent = &seq
		}
	}
	return s
}

func (h *Handler) getProposal(params json.RawMessage) (interface{}, error) {
	var id common.Hash
	if err := parseParams(params, 1, &id); err != nil {
		return nil, err
	}
	p, ok := h.queue.Get(id)
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (h *Handler) getEvents(params json.RawMessage) (interface{}, error) {
	if h.indexer == nil {
		return nil, errors.New("event index not available")
	}
	var (
		from  hexutil.Uint64
		limit = defaultEventLimit
	)
	if err := parseParams(params, 0, &from, &limit); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}
	events, err := h.indexer.ReadEvents(uint64(from), limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []indexer.IndexedEvent{}
	}
	return events, nil
}

func (h *Handler) getProposalEvents(params json.RawMessage) (interface{}, error) {
	if h.indexer == nil {
		return nil, errors.New("event index not available")
	}
	var id common.Hash
	if err := parseParams(params, 1, &id); err != nil {
		return nil, err
	}
	events, err := h.indexer.ProposalEvents(id)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []indexer.IndexedEvent{}
	}
	return events, nil
}

// --- Reservations ---

func (h *Handler) getReservation(params json.RawMessage) (interface{}, error) {
	var id common.Hash
	if err := parseParams(params, 1, &id); err != nil {
		return nil, err
	}
	res, ok := h.registry.Get(id)
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (h *Handler) flagReservation(params json.RawMessage) (interface{}, error) {
	var id common.Hash
	if err := parseParams(params, 1, &id); err != nil {
		return nil, err
	}
	res, err := h.service.Flag(id, h.clock.Now())
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (h *Handler) recreate(params json.RawMessage) (interface{}, error) {
	var (
		id      common.Hash
		payment hexutil.Uint64
	)
	if err := parseParams(params, 2, &id, &payment); err != nil {
		return nil, err
	}
	res, err := h.service.Recreate(id, uint64(payment), h.clock.Now())
	if err != nil {
		return nil, err
	}
	return &AdmissionResult{
		Proposal:    res.Proposal,
		Evicted:     newEvictionResult(res.Evicted),
		Reservation: res.Reservation,
	}, nil
}

// recreateChain checks the whole chain before recreating any of it. Should a
// recreation still fail after that, the proposals created before it stay
// queued and are returned as the error data.
func (h *Handler) recreateChain(params json.RawMessage) (interface{}, error) {
	var (
		root     common.Hash
		payments []hexutil.Uint64
	)
	if err := parseParams(params, 2, &root, &payments); err != nil {
		return nil, err
	}
	amounts := make([]uint64, len(payments))
	for i, p := range payments {
		amounts[i] = uint64(p)
	}

	created, err := h.service.RecreateChain(root, amounts, h.clock.Now())
	if created == nil {
		created = []*types.QueuedProposal{}
	}
	if err != nil {
		if len(created) > 0 {
			return nil, &dataError{err: err, data: created}
		}
		return nil, err
	}
	return created, nil
}

func (h *Handler) prune(params json.RawMessage) (interface{}, error) {
	if h.janitor == nil {
		return nil, errors.New("pruning not available")
	}
	buckets, removed := h.janitor.RunOnce(h.clock.Now())
	return &PruneResult{Buckets: buckets, Removed: removed}, nil
}
