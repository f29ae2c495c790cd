package twopl

import (
	"github.com/mcoredb/svcc/cc/column"
)

// txnInfo is one entry of a transaction's atom_info log. Entries carry
// enough state to undo the operation, release its lock and unlink its access
// tag when the transaction finalizes.
type txnInfo[V any] interface {
	isWrite() bool
	isUndo() bool
	undo(s *Session[V])
	unlock(lm *LockManager)
	unlink()
	release(c *Coordinator[V])
}

type readInfo[V any] struct {
	rw     *column.AccessList
	lt     *LockTable
	prv    uint64
	offset uint64
	txn    uint64
}

func (r *readInfo[V]) isWrite() bool { return false }
func (r *readInfo[V]) isUndo() bool { return false }

func (r *readInfo[V]) undo(*Session[V]) {}

func (r *readInfo[V]) unlock(lm *LockManager) {
	lm.Unlock(r.txn, false, r.lt, r.offset)
}

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
	lt     *LockTable
	prv    uint64
	offset uint64
	txn    uint64
	replay bool
}

func (w *writeInfo[V]) isWrite() bool { return true }
func (w *writeInfo[V]) isUndo() bool { return w.replay }

// undo reinstalls the pre-image. A record whose write lock was stripped by a
// wounding transaction is skipped: the wounder owns the slot now and the
// pre-image would clobber its value.
func (w *writeInfo[V]) undo(*Session[V]) {
	w.lt.doIfWriter(w.offset, w.txn, func() {
		w.col.Replace(w.offset, w.oldVal)
	})
}

func (w *writeInfo[V]) unlock(lm *LockManager) {
	lm.Unlock(w.txn, true, w.lt, w.offset)
}

func (w *writeInfo[V]) unlink() {
	w.rw.Erase(w.offset, w.prv)
}

func (w *writeInfo[V]) release(c *Coordinator[V]) {
	c.epochs.Retire(func() { c.writePool.Put(w) })
}
