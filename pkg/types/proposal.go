package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
)

// Bond is an optional deposit owned by a queued proposal. The zero value is
// the empty bond. A bond is moved out exactly once via Take.
type Bond struct {
	value   uint64
	present bool
}

// SomeBond returns a bond holding value.
func SomeBond(value uint64) Bond {
	return Bond{value: value, present: true}
}

// NoBond returns the empty bond.
func NoBond() Bond {
	return Bond{}
}

// IsSome reports whether the bond slot holds a value.
func (b Bond) IsSome() bool { return b.present }

// Value returns the held value and whether one is present.
func (b Bond) Value() (uint64, bool) { return b.value, b.present }

// Take moves the value out of the slot, leaving it empty.
func (b *Bond) Take() (uint64, bool) {
	v, ok := b.value, b.present
	*b = Bond{}
	return v, ok
}

func (b Bond) MarshalJSON() ([]byte, error) {
	if !b.present {
		return []byte("null"), nil
	}
	return json.Marshal(b.value)
}

func (b *Bond) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = Bond{}
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = SomeBond(v)
	return nil
}

// QueuedProposal is a proposal waiting in a scope's queue.
type QueuedProposal struct {
	Bond                Bond           `json:"bond"`
	ID                  common.Hash    `json:"id"`
	ScopeID             common.Hash    `json:"scopeId"`
	Proposer            common.Address `json:"proposer"`
	Fee                 uint64         `json:"fee"`
	SubmittedAt         uint64         `json:"submittedAt"`
	Priority            PriorityScore  `json:"priority"`
	ExternalResourceKey *common.Hash   `json:"externalResourceKey,omitempty"`
	UsesSharedPool      bool           `json:"usesSharedPool"`
	Payload             hexutil.Bytes  `json:"payload"`

	// RecreatedFrom is the reservation this proposal was recreated from, or
	// the zero hash for a fresh submission.
	RecreatedFrom common.Hash `json:"recreatedFrom"`
}

// Clone returns a deep copy that shares no memory with p.
func (p *QueuedProposal) Clone() *QueuedProposal {
	cp := *p
	cp.Payload = common.CopyBytes(p.Payload)
	if p.ExternalResourceKey != nil {
		key := *p.ExternalResourceKey
		cp.ExternalResourceKey = &key
	}
	return &cp
}

// ComputePriority refreshes Priority from Fee and SubmittedAt.
func (p *QueuedProposal) ComputePriority() {
	p.Priority = NewPriorityScore(p.Fee, p.SubmittedAt)
}

// Template captures everything needed to rebuild the proposal later.
func (p *QueuedProposal) Template() ProposalTemplate {
	t := ProposalTemplate{
		ScopeID:        p.ScopeID,
		Proposer:       p.Proposer,
		UsesSharedPool: p.UsesSharedPool,
		Payload:        common.CopyBytes(p.Payload),
	}
	if p.ExternalResourceKey != nil {
		t.HasResourceKey = true
		t.ResourceKey = *p.ExternalResourceKey
	}
	return t
}

// ProposalTemplate is the serialized body of a reservation: the parts of a
// proposal that survive recreation. ID, fee and submission time are fresh on
// every recreation.
type ProposalTemplate struct {
	ScopeID        common.Hash
	Proposer       common.Address
	UsesSharedPool bool
	HasResourceKey bool
	ResourceKey    common.Hash
	Payload        []byte
}

// Proposal instantiates a new queued proposal from the template.
func (t ProposalTemplate) Proposal(id common.Hash, fee, submittedAt uint64) *QueuedProposal {
	p := &QueuedProposal{
		Bond:           NoBond(),
		ID:             id,
		ScopeID:        t.ScopeID,
		Proposer:       t.Proposer,
		Fee:            fee,
		SubmittedAt:    submittedAt,
		UsesSharedPool: t.UsesSharedPool,
		Payload:        common.CopyBytes(t.Payload),
	}
	if t.HasResourceKey {
		key := t.ResourceKey
		p.ExternalResourceKey = &key
	}
	p.ComputePriority()
	return p
}

// EncodeTemplate serializes a template with RLP.
func EncodeTemplate(t ProposalTemplate) ([]byte, error) {
	data, err := rlp.EncodeToBytes(&t)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return data, nil
}

// DecodeTemplate parses an RLP-encoded template.
func DecodeTemplate(data []byte) (ProposalTemplate, error) {
	var t ProposalTemplate
	if err := rlp.DecodeBytes(data, &t); err != nil {
		return ProposalTemplate{}, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}

// EvictionInfo describes an incumbent displaced by a higher-priority insert.
// It is handed straight back to the caller and never persisted.
type EvictionInfo struct {
	EvictedProposalID common.Hash      `json:"evictedProposalId"`
	EvictedProposer   common.Address   `json:"evictedProposer"`
	Fee               uint64           `json:"fee"`
	RecreatedFrom     common.Hash      `json:"recreatedFrom"`
	Template          ProposalTemplate `json:"-"`
}

// SlashPolicy splits a slashed deposit between a reward recipient and the
// ledger's treasury.
type SlashPolicy struct {
	Recipient common.Address `json:"recipient"`
	RewardBps uint16         `json:"rewardBps"` // share paid to Recipient, 0-10000
}
