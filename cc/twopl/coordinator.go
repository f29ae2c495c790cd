package twopl

import (
	"sync/atomic"

	"github.com/pingcap/errors"

	"github.com/mcoredb/svcc/cc"
	"github.com/mcoredb/svcc/cc/arena"
	"github.com/mcoredb/svcc/cc/column"
	"github.com/mcoredb/svcc/cc/epoch"
	"github.com/mcoredb/svcc/cc/wal"
)

// Coordinator drives transactions under strict two-phase locking. It is
// shared by all workers; each worker obtains its own Session.
type Coordinator[V any] struct {
	lm     *LockManager
	epochs *epoch.Manager

	readPool  *arena.Pool[readInfo[V]]
	writePool *arena.Pool[writeInfo[V]]

	nextCore uint32
}

func NewCoordinator[V any](em *epoch.Manager, sink wal.Sink) *Coordinator[V] {
	if sink == nil {
		sink = wal.Nop{}
	}
	return &Coordinator[V]{
		lm:        NewLockManager(sink),
		epochs:    em,
		readPool:  arena.NewPool[readInfo[V]](),
		writePool: arena.NewPool[writeInfo[V]](),
	}
}

// LockManager exposes the coordinator's lock manager.
func (c *Coordinator[V]) LockManager() *LockManager {
	return c.lm
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

// Session is the thread-local transaction state of one worker: the txn
// counter, the not-alive set, the set of transactions this one aborted and
// the atom_info undo log of the current transaction.
type Session[V any] struct {
	c         *Coordinator[V]
	core      uint8
	counter   uint64
	notAlive  map[uint64]struct{}
	abortTxns map[uint64]struct{}
	atomInfo  []txnInfo[V]
	guard     *epoch.Guard
}

// Start opens a fresh transaction and returns its id.
func (s *Session[V]) Start() uint64 {
	s.counter++
	txn := cc.TxnID(s.core, s.counter)

	s.atomInfo = s.atomInfo[:0]
	for k := range s.abortTxns {
		delete(s.abortTxns, k)
	}
	s.guard = s.c.epochs.Enter()
	s.c.lm.Start(txn)
	return txn
}

// ReadValue reads column[off] under a shared lock. A false return means the
// transaction was aborted; the caller must stop issuing operations and call
// Commit to harvest the cascade set.
func (s *Session[V]) ReadValue(col *column.Value[V], lsn *column.Meta, rw *column.AccessList,
	lt *LockTable, off, txn uint64) (V, bool) {
	var zero V
	if !s.readLock(lsn, rw, lt, off, txn) {
		return zero, false
	}
	var val V
	lt.withRecord(off, func() { val = col.Index(off) })
	return val, true
}

// Read acquires a shared lock on off without returning the value.
func (s *Session[V]) Read(lsn *column.Meta, rw *column.AccessList, lt *LockTable, off, txn uint64) bool {
	return s.readLock(lsn, rw, lt, off, txn)
}

func (s *Session[V]) readLock(lsn *column.Meta, rw *column.AccessList, lt *LockTable, off, txn uint64) bool {
	if !s.alive(txn) {
		return false
	}

	ok := s.c.lm.Lock(txn, false, lt, off, s.abortTxns)
	s.c.lm.Log(wal.LogInfo{Txn: txn, Target: rw.ID(), Offset: off, Op: wal.OpRead})
	if !ok {
		s.Abort(txn)
		return false
	}

	prv := rw.PushFront(off, cc.Access(txn, false))
	lsn.Advance(off, prv+1)
	ri := s.c.readPool.Get()
	*ri = readInfo[V]{rw: rw, lt: lt, prv: prv, offset: off, txn: txn}
	s.atomInfo = append(s.atomInfo, ri)
	return true
}

// WriteValue installs v at column[off] under an exclusive lock and records
// the pre-image for undo.
func (s *Session[V]) WriteValue(v V, col *column.Value[V], lsn *column.Meta, rw *column.AccessList,
	lt *LockTable, off, txn uint64) bool {
	if !s.alive(txn) {
		return false
	}

	ok := s.c.lm.Lock(txn, true, lt, off, s.abortTxns)
	s.c.lm.Log(wal.LogInfo{Txn: txn, Target: rw.ID(), Offset: off, Op: wal.OpWrite})
	if !ok {
		s.Abort(txn)
		return false
	}

	var old V
	installed := lt.doIfWriter(off, txn, func() { old = col.Replace(off, v) })
	if !installed {
		// Wounded between lock acquisition and install.
		s.Abort(txn)
		return false
	}
	prv := rw.PushFront(off, cc.Access(txn, true))
	lsn.Advance(off, prv+1)
	wi := s.c.writePool.Get()
	*wi = writeInfo[V]{
		newVal: v, oldVal: old,
		col: col, lsn: lsn, rw: rw, lt: lt,
		prv: prv, offset: off, txn: txn,
	}
	s.atomInfo = append(s.atomInfo, wi)
	return true
}

// alive is the aliveness check every data access starts with: the local
// not-alive set plus the shared wound mark.
func (s *Session[V]) alive(txn uint64) bool {
	verifyTxn(txn)
	if _, dead := s.notAlive[txn]; dead {
		return false
	}
	if s.c.lm.Wounded(txn) {
		s.Abort(txn)
		return false
	}
	return true
}

// Abort marks txn dead, undoes its writes newest-first using the recorded
// pre-images, then releases locks, unlinks its access tags and frees the
// per-operation entries.
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

	s.c.lm.Log(wal.LogInfo{Txn: txn, Op: wal.OpAbort})

	for i := len(s.atomInfo) - 1; i >= 0; i-- {
		t := s.atomInfo[i]
		t.unlock(s.c.lm)
		t.unlink()
		t.release(s.c)
	}
	s.finish()
}

// Commit finalizes txn. If the transaction was aborted (its own conflict or
// a wound), Commit clears the mark and returns false together with the set
// of transactions this one forced to abort.
func (s *Session[V]) Commit(txn uint64) (bool, map[uint64]struct{}) {
	verifyTxn(txn)

	if _, dead := s.notAlive[txn]; !dead && s.c.lm.Wounded(txn) {
		s.Abort(txn)
	}
	if _, dead := s.notAlive[txn]; dead {
		delete(s.notAlive, txn)
		s.c.lm.End(txn)
		return false, s.harvest()
	}

	s.c.lm.Log(wal.LogInfo{Txn: txn, Op: wal.OpCommit})

	for i := len(s.atomInfo) - 1; i >= 0; i-- {
		t := s.atomInfo[i]
		t.unlock(s.c.lm)
		t.unlink()
		t.release(s.c)
	}
	s.finish()
	s.c.lm.End(txn)
	return true, nil
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
		panic("twopl: zero transaction id")
	}
}
