package recreation

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IDGenerator issues fresh proposal ids as keccak256(scope || seed || nonce).
// The zero hash is reserved as the "no id" sentinel and is never returned.
type IDGenerator struct {
	mu    sync.Mutex
	scope common.Hash
	nonce uint64
}

// NewIDGenerator creates a generator bound to scope.
func NewIDGenerator(scope common.Hash) *IDGenerator {
	return &IDGenerator{scope: scope}
}

// Next returns an id for which taken reports false. taken may be nil.
func (g *IDGenerator) Next(seed common.Hash, taken func(common.Hash) bool) common.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()

	var buf [8]byte
	for {
		g.nonce++
		binary.BigEndian.PutUint64(buf[:], g.nonce)
		id := crypto.Keccak256Hash(g.scope[:], seed[:], buf[:])
		if id == (common.Hash{}) {
			continue
		}
		if taken != nil && taken(id) {
			continue
		}
		return id
	}
}
