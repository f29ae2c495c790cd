// Package column implements the record-addressable columns the coordinators
// operate on: plain value vectors, atomic metadata words and the per-record
// access lists that carry the installed access tags.
package column

import (
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-farm"

	"github.com/mcoredb/svcc/cc/arena"
)

// Value is a fixed-size vector of values addressed by offset. Exclusive
// access to a slot is enforced by the concurrency-control protocol, not by
// the column itself.
type Value[V any] struct {
	vals []V
}

func NewValue[V any](n uint64) *Value[V] {
	return &Value[V]{vals: make([]V, n)}
}

func (c *Value[V]) Index(off uint64) V {
	return c.vals[off]
}

// Replace installs v at off and returns the prior value.
func (c *Value[V]) Replace(off uint64, v V) V {
	old := c.vals[off]
	c.vals[off] = v
	return old
}

func (c *Value[V]) Len() uint64 {
	return uint64(len(c.vals))
}

// Meta is a vector of 64 bit metadata words with atomic access. It backs the
// per-record lsn columns and the SGT record spinlock words.
type Meta struct {
	words []uint64
}

func NewMeta(n uint64) *Meta {
	return &Meta{words: make([]uint64, n)}
}

func (c *Meta) Index(off uint64) uint64 {
	return atomic.LoadUint64(&c.words[off])
}

func (c *Meta) AtomicReplace(off uint64, v uint64) {
	atomic.StoreUint64(&c.words[off], v)
}

func (c *Meta) CompareAndSwap(off uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&c.words[off], old, new)
}

// Advance raises the word at off to v unless it is already at least v. The
// lsn columns stay monotonic even when concurrent readers install out of
// order.
func (c *Meta) Advance(off uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(&c.words[off])
		if cur >= v || atomic.CompareAndSwapUint64(&c.words[off], cur, v) {
			return
		}
	}
}

func (c *Meta) Len() uint64 {
	return uint64(len(c.words))
}

// AccessList is a sequence of per-record tag lists, insertion-ordered newest
// first. Every push is assigned a per-record sequence number (prv); the lsn
// column gates when the pushed tag becomes visible to conflict checks.
type AccessList struct {
	id   uint64
	recs []accessRec
	pool *arena.Pool[accessNode]
}

type accessRec struct {
	mu   sync.Mutex
	seq  uint64
	head *accessNode
}

type accessNode struct {
	prv  uint64
	tag  uint64
	next *accessNode
}

// NewAccessList builds an access list column of n records. The name
// identifies the column in operation-log entries.
func NewAccessList(name string, n uint64) *AccessList {
	return &AccessList{
		id:   farm.Fingerprint64([]byte(name)),
		recs: make([]accessRec, n),
		pool: arena.NewPool[accessNode](),
	}
}

// ID is a stable fingerprint of the column name, used as the target id in
// operation-log entries.
func (c *AccessList) ID() uint64 {
	return c.id
}

// PushFront prepends tag to the record list at off and returns the sequence
// number assigned to it.
func (c *AccessList) PushFront(off uint64, tag uint64) uint64 {
	r := &c.recs[off]
	node := c.pool.Get()

	r.mu.Lock()
	prv := r.seq
	r.seq++
	node.prv = prv
	node.tag = tag
	node.next = r.head
	r.head = node
	r.mu.Unlock()
	return prv
}

// Erase unlinks the entry with sequence number prv from the record list at
// off. It reports whether an entry was removed.
func (c *AccessList) Erase(off uint64, prv uint64) bool {
	r := &c.recs[off]
	r.mu.Lock()
	var prev *accessNode
	for n := r.head; n != nil; n = n.next {
		if n.prv == prv {
			if prev == nil {
				r.head = n.next
			} else {
				prev.next = n.next
			}
			r.mu.Unlock()
			n.next = nil
			c.pool.Put(n)
			return true
		}
		prev = n
	}
	r.mu.Unlock()
	return false
}

// Iterate walks the record list at off newest-first, yielding each entry's
// sequence number and tag. Iteration stops when fn returns false.
func (c *AccessList) Iterate(off uint64, fn func(prv, tag uint64) bool) {
	r := &c.recs[off]
	r.mu.Lock()
	for n := r.head; n != nil; n = n.next {
		if !fn(n.prv, n.tag) {
			break
		}
	}
	r.mu.Unlock()
}

// Size returns the number of entries currently attached to the record at off.
func (c *AccessList) Size(off uint64) int {
	r := &c.recs[off]
	r.mu.Lock()
	n := 0
	for e := r.head; e != nil; e = e.next {
		n++
	}
	r.mu.Unlock()
	return n
}

func (c *AccessList) Len() uint64 {
	return uint64(len(c.recs))
}
