package types

import (
	"math"

	"github.com/holiman/uint256"
)

// PriorityScore is the ranking key of a queued proposal.
//
//	combined = fee<<64 | (MaxUint64 - submittedAt)
//
// A higher fee always wins. Among equal fees the earlier submission has the
// larger inverted time term and therefore ranks first (FIFO tie-break).
// Only the low 128 bits of the underlying uint256 are ever populated.
type PriorityScore struct {
	v uint256.Int
}

// NewPriorityScore derives the score for a (fee, submittedAt) pair.
func NewPriorityScore(fee, submittedAt uint64) PriorityScore {
	var s PriorityScore
	s.v.SetUint64(fee)
	s.v.Lsh(&s.v, 64)
	s.v.Or(&s.v, uint256.NewInt(math.MaxUint64-submittedAt))
	return s
}

// Cmp compares two scores as unsigned integers.
func (p PriorityScore) Cmp(other PriorityScore) int {
	return p.v.Cmp(&other.v)
}

// Greater reports whether p strictly outranks other.
func (p PriorityScore) Greater(other PriorityScore) bool {
	return p.Cmp(other) > 0
}

// Fee returns the fee component (bits 64..127).
func (p PriorityScore) Fee() uint64 {
	return p.v[1]
}

// SubmittedAt recovers the submission time from the inverted low word.
func (p PriorityScore) SubmittedAt() uint64 {
	return math.MaxUint64 - p.v[0]
}

// IsZero reports whether the score was never computed.
func (p PriorityScore) IsZero() bool {
	return p.v.IsZero()
}

// String renders the combined value in decimal.
func (p PriorityScore) String() string {
	return p.v.Dec()
}

// MarshalJSON encodes the score as a quoted decimal string; the value does
// not fit in a JSON number.
func (p PriorityScore) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.v.Dec() + `"`), nil
}

// UnmarshalJSON accepts the quoted decimal form produced by MarshalJSON.
func (p *PriorityScore) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return err
	}
	p.v = *v
	return nil
}
