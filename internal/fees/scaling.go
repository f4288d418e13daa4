package fees

import (
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Occupancy thresholds (percent) and the base-fee multipliers they select.
const (
	SurgeOccupancy   = 90
	HighOccupancy    = 75
	MediumOccupancy  = 50
	SurgeMultiplier  = 10
	HighMultiplier   = 5
	MediumMultiplier = 2
	BaseMultiplier   = 1
)

// ScalingPolicy derives the minimum acceptable proposal fee from queue
// occupancy:
//
//	occupancy = clamp(size*100/maxConcurrentActive, 0, 100)
//	minFee    = baseFee * multiplier(occupancy)
//
// The result is a pure function of the queue state passed in; only the base
// fee is held here.
type ScalingPolicy struct {
	mu      sync.RWMutex
	baseFee uint64
	logger  log.Logger
}

// NewScalingPolicy creates a policy with the given base fee unit.
func NewScalingPolicy(baseFee uint64) *ScalingPolicy {
	return &ScalingPolicy{
		baseFee: baseFee,
		logger:  log.New("module", "fee-scaling"),
	}
}

// BaseFee returns the configured unit amount.
func (p *ScalingPolicy) BaseFee() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseFee
}

// SetBaseFee replaces the unit amount.
func (p *ScalingPolicy) SetBaseFee(baseFee uint64) {
	p.mu.Lock()
	old := p.baseFee
	p.baseFee = baseFee
	p.mu.Unlock()

	p.logger.Info("Base fee updated", "old", old, "new", baseFee)
}

// Occupancy returns the queue fill ratio in percent. A zero capacity counts
// as full.
func Occupancy(size, maxConcurrentActive uint64) uint64 {
	if maxConcurrentActive == 0 {
		return 100
	}
	if size >= maxConcurrentActive {
		return 100
	}
	return size * 100 / maxConcurrentActive
}

// Multiplier maps an occupancy percentage to a base-fee multiplier.
func Multiplier(occupancy uint64) uint64 {
	switch {
	case occupancy >= SurgeOccupancy:
		return SurgeMultiplier
	case occupancy >= HighOccupancy:
		return HighMultiplier
	case occupancy >= MediumOccupancy:
		return MediumMultiplier
	default:
		return BaseMultiplier
	}
}

// MinFee returns the minimum fee accepted at the given queue size.
// The product saturates at MaxUint64.
func (p *ScalingPolicy) MinFee(size, maxConcurrentActive uint64) uint64 {
	base := p.BaseFee()
	mult := Multiplier(Occupancy(size, maxConcurrentActive))
	if base > math.MaxUint64/mult {
		return math.MaxUint64
	}
	return base * mult
}

// Stats returns a snapshot of the policy at the given queue size.
func (p *ScalingPolicy) Stats(size, maxConcurrentActive uint64) ScalingStats {
	occ := Occupancy(size, maxConcurrentActive)
	return ScalingStats{
		BaseFee:    p.BaseFee(),
		Occupancy:  occ,
		Multiplier: Multiplier(occ),
		MinFee:     p.MinFee(size, maxConcurrentActive),
	}
}

// ScalingStats contains fee scaling metrics.
type ScalingStats struct {
	BaseFee    uint64 `json:"baseFee"`
	Occupancy  uint64 `json:"occupancyPct"`
	Multiplier uint64 `json:"multiplier"`
	MinFee     uint64 `json:"minFee"`
}
