package rpc

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/insoblok/inso-govqueue/internal/queue"
	"github.com/insoblok/inso-govqueue/internal/reservation"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

// JSONRPCRequest represents an incoming JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
	ID      interface{}      `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SubmitArgs is the parameter object of gov_submitProposal.
type SubmitArgs struct {
	ID             *common.Hash    `json:"id,omitempty"`
	Proposer       common.Address  `json:"proposer"`
	Fee            hexutil.Uint64  `json:"fee"`
	Bond           *hexutil.Uint64 `json:"bond,omitempty"`
	UsesSharedPool bool            `json:"usesSharedPool"`
	ResourceKey    *common.Hash    `json:"resourceKey,omitempty"`
	Payload        hexutil.Bytes   `json:"payload"`
}

// AdmissionResult is returned by gov_submitProposal and gov_recreate.
type AdmissionResult struct {
	Proposal    *types.QueuedProposal    `json:"proposal"`
	Evicted     *EvictionResult          `json:"evicted,omitempty"`
	Reservation *reservation.Reservation `json:"reservation,omitempty"`
}

// EvictionResult is the JSON view of an eviction. The template is carried
// by the reservation instead.
type EvictionResult struct {
	ProposalID    common.Hash    `json:"proposalId"`
	Proposer      common.Address `json:"proposer"`
	Fee           uint64         `json:"fee"`
	RecreatedFrom common.Hash    `json:"recreatedFrom"`
}

func newEvictionResult(info *types.EvictionInfo) *EvictionResult {
	if info == nil {
		return nil
	}
	return &EvictionResult{
		ProposalID:    info.EvictedProposalID,
		Proposer:      info.EvictedProposer,
		Fee:           info.Fee,
		RecreatedFrom: info.RecreatedFrom,
	}
}

// StatusResult is returned by gov_queueStatus.
type StatusResult struct {
	Queue        queue.Stats       `json:"queue"`
	Reservations reservation.Stats `json:"reservations"`
	LatestEvent  *uint64           `json:"latestEvent,omitempty"`
	Now          uint64            `json:"now"`
}

// PruneResult is returned by gov_prune.
type PruneResult struct {
	Buckets int `json:"buckets"`
	Removed int `json:"removed"`
}

// HealthResult is the body of GET /health.
type HealthResult struct {
	Status       string         `json:"status"`
	Service      string         `json:"service"`
	Scope        common.Hash    `json:"scope"`
	Queued       int            `json:"queued"`
	Active       uint64         `json:"active"`
	MinFee       hexutil.Uint64 `json:"minFee"`
	Reservations int            `json:"reservations"`
	Subscribers  int            `json:"subscribers"`
	LatestEvent  *uint64        `json:"latestEvent,omitempty"`
	Error        string         `json:"error,omitempty"`
}
