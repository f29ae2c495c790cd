package sgt

import (
	"runtime"
	"sync/atomic"

	"github.com/pingcap/errors"

	"github.com/mcoredb/svcc/cc"
	"github.com/mcoredb/svcc/cc/arena"
	"github.com/mcoredb/svcc/cc/column"
	"github.com/mcoredb/svcc/cc/epoch"
	"github.com/mcoredb/svcc/cc/wal"
)

// spinLimit bounds busy-wait iterations before the worker yields.
const spinLimit = 10000

// Coordinator drives transactions under serialization graph testing. It is
// shared by all workers; each worker obtains its own Session.
type Coordinator[V any] struct {
	graph  *Graph
	epochs *epoch.Manager
	sink   wal.Sink

	readPool  *arena.Pool[readInfo[V]]
	writePool *arena.Pool[writeInfo[V]]

	nextCore uint32
}

func NewCoordinator[V any](em *epoch.Manager, sink wal.Sink) *Coordinator[V] {
	if sink == nil {
		sink = wal.Nop{}
	}
	return &Coordinator[V]{
		graph:     NewGraph(),
		epochs:    em,
		sink:      sink,
		readPool:  arena.NewPool[readInfo[V]](),
		writePool: arena.NewPool[writeInfo[V]](),
	}
}

// Graph exposes the coordinator's serialization graph.
func (c *Coordinator[V]) Graph() *Graph {
	return c.graph
}

// NewSession hands out the per-worker transaction context. A session must
// only ever be used by one goroutine and drives one transaction at a time.
func (c *Coordinator[V]) NewSession() (*Session[V], error) {
	core := atomic.AddUint32(&c.nextCore, 1) - 1
	if core > cc.MaxCore {
		return nil, errors.Errorf("core id %d out of range, at most %d sessions", core, cc.MaxCore+1)
	}
	return &Session[V]{
		c:         c,
		core:      uint8(core),
		notAlive:  make(map[uint64]struct{}),
		abortTxns: make(map[uint64]struct{}),
	}, nil
}

// Session is the thread-local transaction state of one worker.
type Session[V any] struct {
	c         *Coordinator[V]
	core      uint8
	counter   uint64
	notAlive  map[uint64]struct{}
	abortTxns map[uint64]struct{}
	atomInfo  []txnInfo[V]
	guard     *epoch.Guard
}

// Start opens a fresh transaction, registers its graph node and returns its
// id.
func (s *Session[V]) Start() uint64 {
	s.counter++
	txn := cc.TxnID(s.core, s.counter)

	s.atomInfo = s.atomInfo[:0]
	for k := range s.abortTxns {
		delete(s.abortTxns, k)
	}
	s.guard = s.c.epochs.Enter()
	s.c.graph.CreateNode(txn)
	return txn
}

// lockRecord acquires the record spinlock: CAS 0 -> 1 on the shared word,
// yielding after a bounded spin.
func (s *Session[V]) lockRecord(locked *column.Meta, off uint64) {
	for i := 0; !locked.CompareAndSwap(off, 0, 1); i++ {
		if i >= spinLimit {
			runtime.Gosched()
			i = 0
		}
	}
}

func (s *Session[V]) unlockRecord(locked *column.Meta, off uint64) {
	locked.AtomicReplace(off, 0)
}

// waitInstalled spins until the record lsn reaches prv, making the pushed
// access visible, yielding after a bounded spin.
func (s *Session[V]) waitInstalled(lsn *column.Meta, off, prv uint64) {
	for i := 0; lsn.Index(off) != prv; i++ {
		if i >= spinLimit {
			runtime.Gosched()
			i = 0
		}
	}
}

// ReadValue reads column[off], recording a cascade dependency on every
// uncommitted writer that precedes the read on the record. A false return
// means the transaction was aborted.
func (s *Session[V]) ReadValue(col *column.Value[V], lsn *column.Meta, rw *column.AccessList,
	locked *column.Meta, off, txn uint64) (V, bool) {
	var zero V
	verifyTxn(txn)
	if _, dead := s.notAlive[txn]; dead {
		return zero, false
	}
	if s.c.graph.NeedsAbort(txn) {
		s.Abort(txn)
		return zero, false
	}

	s.lockRecord(locked, off)

	prv := rw.PushFront(off, cc.Access(txn, false))
	if prv > 0 {
		s.waitInstalled(lsn, off, prv)
	}

	cyclic := false
	rw.Iterate(off, func(p, tag uint64) bool {
		if p >= prv {
			return true
		}
		id, isWrite := cc.Find(tag)
		if isWrite && id != txn && !s.c.graph.InsertAndCheck(id, txn, true) {
			cyclic = true
		}
		return true
	})

	if cyclic {
		rw.Erase(off, prv)
		lsn.AtomicReplace(off, prv+1)
		s.unlockRecord(locked, off)
		s.c.sink.Append(wal.LogInfo{Txn: txn, Prv: prv, Target: rw.ID(), Offset: off, Op: wal.OpCycle})
		s.Abort(txn)
		return zero, false
	}

	var val V
	if col != nil {
		val = col.Index(off)
	}
	lsn.AtomicReplace(off, prv+1)

	ri := s.c.readPool.Get()
	*ri = readInfo[V]{rw: rw, locked: locked, prv: prv, offset: off, txn: txn}
	s.atomInfo = append(s.atomInfo, ri)

	s.unlockRecord(locked, off)
	s.c.sink.Append(wal.LogInfo{Txn: txn, Prv: prv, Target: rw.ID(), Offset: off, Op: wal.OpRead})
	return val, true
}

// Read runs the read protocol without returning the value.
func (s *Session[V]) Read(lsn *column.Meta, rw *column.AccessList, locked *column.Meta, off, txn uint64) bool {
	_, ok := s.ReadValue((*column.Value[V])(nil), lsn, rw, locked, off, txn)
	return ok
}

// WriteValue installs v at column[off]. Write-write conflicts with
// uncommitted predecessors are delayed: the access is withdrawn and retried
// once the predecessor finishes, so the graph stays serializable.
func (s *Session[V]) WriteValue(v V, col *column.Value[V], lsn *column.Meta, rw *column.AccessList,
	locked *column.Meta, off, txn uint64) bool {
	for {
		verifyTxn(txn)
		if _, dead := s.notAlive[txn]; dead {
			return false
		}
		if s.c.graph.NeedsAbort(txn) {
			s.Abort(txn)
			return false
		}

		s.lockRecord(locked, off)

		prv := rw.PushFront(off, cc.Access(txn, true))
		if prv > 0 {
			s.waitInstalled(lsn, off, prv)
		}

		// Delay w,w conflicts with in-flight writers so the graph
		// stays serializable; their edges cascade.
		wait, cyclic := false, false
		rw.Iterate(off, func(p, tag uint64) bool {
			if p >= prv {
				return true
			}
			id, isWrite := cc.Find(tag)
			if isWrite && id != txn && !s.c.graph.IsCommitted(id) {
				if !s.c.graph.InsertAndCheck(id, txn, true) {
					cyclic = true
				}
				wait = true
			}
			return true
		})

		if !cyclic && !wait {
			rw.Iterate(off, func(p, tag uint64) bool {
				if p >= prv {
					return true
				}
				id, isWrite := cc.Find(tag)
				if id != txn && !s.c.graph.InsertAndCheck(id, txn, isWrite) {
					cyclic = true
				}
				return true
			})
		}

		if cyclic {
			rw.Erase(off, prv)
			lsn.AtomicReplace(off, prv+1)
			s.unlockRecord(locked, off)
			s.c.sink.Append(wal.LogInfo{Txn: txn, Prv: prv, Target: rw.ID(), Offset: off, Op: wal.OpCycle})
			s.Abort(txn)
			return false
		}
		if wait {
			rw.Erase(off, prv)
			lsn.AtomicReplace(off, prv+1)
			s.unlockRecord(locked, off)
			runtime.Gosched()
			continue
		}

		old := col.Replace(off, v)
		lsn.AtomicReplace(off, prv+1)

		wi := s.c.writePool.Get()
		*wi = writeInfo[V]{
			newVal: v, oldVal: old,
			col: col, lsn: lsn, rw: rw, locked: locked,
			prv: prv, offset: off, txn: txn,
		}
		s.atomInfo = append(s.atomInfo, wi)

		s.unlockRecord(locked, off)
		s.c.sink.Append(wal.LogInfo{Txn: txn, Prv: prv, Target: rw.ID(), Offset: off, Op: wal.OpWrite})
		return true
	}
}

// writeReplay reinstalls a pre-image during abort, bypassing the
// concurrency checks.
func (s *Session[V]) writeReplay(v V, col *column.Value[V], locked *column.Meta, off uint64) {
	s.lockRecord(locked, off)
	col.Replace(off, v)
	s.unlockRecord(locked, off)
}

// Abort marks txn dead, undoes its writes newest-first, cascade-aborts its
// dependents and unlinks its accesses.
func (s *Session[V]) Abort(txn uint64) {
	verifyTxn(txn)
	s.notAlive[txn] = struct{}{}

	for i := len(s.atomInfo) - 1; i >= 0; i-- {
		t := s.atomInfo[i]
		if !t.isWrite() || t.isUndo() {
			continue
		}
		t.undo(s)
	}

	s.c.graph.Abort(txn, s.abortTxns)
	s.c.sink.Append(wal.LogInfo{Txn: txn, Op: wal.OpAbort})

	for i := len(s.atomInfo) - 1; i >= 0; i-- {
		t := s.atomInfo[i]
		t.unlink()
		t.release(s.c)
	}
	s.finish()
}

// Commit waits until every 1-hop predecessor of txn committed, then
// finalizes. If the transaction was aborted, or a predecessor cascades into
// it while waiting, Commit aborts it and returns false with the cascade set.
func (s *Session[V]) Commit(txn uint64) (bool, map[uint64]struct{}) {
	verifyTxn(txn)
	for {
		if _, dead := s.notAlive[txn]; dead {
			delete(s.notAlive, txn)
			return false, s.harvest()
		}
		if s.c.graph.NeedsAbort(txn) {
			s.Abort(txn)
			delete(s.notAlive, txn)
			return false, s.harvest()
		}

		if s.c.graph.CheckCommitted(txn) {
			s.c.sink.Append(wal.LogInfo{Txn: txn, Op: wal.OpCommit})
			for i := len(s.atomInfo) - 1; i >= 0; i-- {
				t := s.atomInfo[i]
				t.unlink()
				t.release(s.c)
			}
			s.finish()
			return true, nil
		}
		runtime.Gosched()
	}
}

func (s *Session[V]) harvest() map[uint64]struct{} {
	oset := make(map[uint64]struct{}, len(s.abortTxns))
	for k := range s.abortTxns {
		oset[k] = struct{}{}
	}
	return oset
}

func (s *Session[V]) finish() {
	s.atomInfo = s.atomInfo[:0]
	if s.guard != nil {
		s.guard.Release()
		s.guard = nil
	}
}

func verifyTxn(txn uint64) {
	if txn == 0 {
		panic("sgt: zero transaction id")
	}
}
