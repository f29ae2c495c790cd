package sgt

import (
	"github.com/mcoredb/svcc/cc/column"
)

// txnInfo is one entry of a transaction's atom_info log.
type txnInfo[V any] interface {
	isWrite() bool
	isUndo() bool
	undo(s *Session[V])
	unlink()
	release(c *Coordinator[V])
}

type readInfo[V any] struct {
	rw     *column.AccessList
	locked *column.Meta
	prv    uint64
	offset uint64
	txn    uint64
}

func (r *readInfo[V]) isWrite() bool { return false }
func (r *readInfo[V]) isUndo() bool { return false }

func (r *readInfo[V]) undo(*Session[V]) {}

func (r *readInfo[V]) unlink() {
	r.rw.Erase(r.offset, r.prv)
}

func (r *readInfo[V]) release(c *Coordinator[V]) {
	c.epochs.Retire(func() { c.readPool.Put(r) })
}

type writeInfo[V any] struct {
	newVal V
	oldVal V
	col    *column.Value[V]
	lsn    *column.Meta
	rw     *column.AccessList
	locked *column.Meta
	prv    uint64
	offset uint64
	txn    uint64
	replay bool
}

func (w *writeInfo[V]) isWrite() bool { return true }
func (w *writeInfo[V]) isUndo() bool { return w.replay }

// undo reinstalls the pre-image under the record spinlock, bypassing the
// concurrency checks.
func (w *writeInfo[V]) undo(s *Session[V]) {
	s.writeReplay(w.oldVal, w.col, w.locked, w.offset)
}

func (w *writeInfo[V]) unlink() {
	w.rw.Erase(w.offset, w.prv)
}

func (w *writeInfo[V]) release(c *Coordinator[V]) {
	c.epochs.Retire(func() { c.writePool.Put(w) })
}
