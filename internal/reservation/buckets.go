package reservation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

// bucket groups the reservations whose expiry falls in
// [start, start+bucketDuration).
type bucket struct {
	start uint64
	ids   []common.Hash
}

// bucketIndex keeps buckets ordered by start. The head is the oldest bucket
// and the tail the newest; prev/next links are the tree neighbours.
type bucketIndex struct {
	tree *btree.BTreeG[*bucket]
}

func newBucketIndex() *bucketIndex {
	return &bucketIndex{
		tree: btree.NewG(8, func(a, b *bucket) bool { return a.start < b.start }),
	}
}

func (x *bucketIndex) get(start uint64) (*bucket, bool) {
	return x.tree.Get(&bucket{start: start})
}

func (x *bucketIndex) head() (*bucket, bool) { return x.tree.Min() }

func (x *bucketIndex) tail() (*bucket, bool) { return x.tree.Max() }

func (x *bucketIndex) len() int { return x.tree.Len() }

func (x *bucketIndex) insert(b *bucket) { x.tree.ReplaceOrInsert(b) }

func (x *bucketIndex) popHead() (*bucket, bool) { return x.tree.DeleteMin() }

// neighbours returns the starts of the buckets on either side of start.
func (x *bucketIndex) neighbours(start uint64) (prev, next *uint64) {
	x.tree.DescendLessOrEqual(&bucket{start: start}, func(b *bucket) bool {
		if b.start == start {
			return true
		}
		s := b.start
		prev = &s
		return false
	})
	x.tree.AscendGreaterOrEqual(&bucket{start: start}, func(b *bucket) bool {
		if b.start == start {
			return true
		}
		s := b.start
		next = &s
		return false
	})
	return prev, next
}

// ascend visits buckets oldest first.
func (x *bucketIndex) ascend(fn func(b *bucket) bool) {
	x.tree.Ascend(fn)
}

// BucketInfo describes one bucket of the expiry index.
type BucketInfo struct {
	Start        uint64  `json:"start"`
	Reservations int     `json:"reservations"`
	Prev         *uint64 `json:"prev,omitempty"`
	Next         *uint64 `json:"next,omitempty"`
}
