// Package twopl implements the strict two-phase-locking transaction
// coordinator. Conflicts are resolved with a wound policy ordered by txn id:
// an older transaction wounds every younger conflicting holder and proceeds,
// a younger one is denied and aborts. Neither side ever blocks, so no two
// transactions can wound each other and no deadlock can form.
package twopl

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-farm"

	"github.com/mcoredb/svcc/cc/wal"
)

// LockTable holds the per-record lock state of one table: the current write
// holder and the shared reader set.
type LockTable struct {
	recs []lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	writer  uint64
	readers []uint64
}

func NewLockTable(n uint64) *LockTable {
	return &LockTable{recs: make([]lockEntry, n)}
}

// isWriter reports whether txn currently holds the write lock on off.
func (lt *LockTable) isWriter(off, txn uint64) bool {
	e := &lt.recs[off]
	e.mu.Lock()
	held := e.writer == txn
	e.mu.Unlock()
	return held
}

// withRecord runs fn under the record's lock-entry mutex. Value reads go
// through here so they serialize against doIfWriter installs.
func (lt *LockTable) withRecord(off uint64, fn func()) {
	e := &lt.recs[off]
	e.mu.Lock()
	fn()
	e.mu.Unlock()
}

// doIfWriter runs fn under the record's lock-entry mutex iff txn still holds
// the write lock. A transaction that was wounded and stripped between its
// Lock call and the install observes false here instead of clobbering the
// wounder's value.
func (lt *LockTable) doIfWriter(off, txn uint64, fn func()) bool {
	e := &lt.recs[off]
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer != txn {
		return false
	}
	fn()
	return true
}

const txnShardCount = 64

// LockManager acquires and releases per-record locks and tracks the shared
// per-transaction state needed to make wounds visible across workers.
type LockManager struct {
	sink   wal.Sink
	shards [txnShardCount]txnShard
}

type txnShard struct {
	mu   sync.Mutex
	txns map[uint64]*txnState
}

type txnState struct {
	wounded uint32
}

func NewLockManager(sink wal.Sink) *LockManager {
	lm := &LockManager{sink: sink}
	for i := range lm.shards {
		lm.shards[i].txns = make(map[uint64]*txnState)
	}
	return lm
}

func (lm *LockManager) shard(txn uint64) *txnShard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], txn)
	return &lm.shards[farm.Fingerprint64(b[:])%txnShardCount]
}

// Start registers txn with the manager. Must precede any Lock call for txn.
func (lm *LockManager) Start(txn uint64) {
	s := lm.shard(txn)
	s.mu.Lock()
	s.txns[txn] = &txnState{}
	s.mu.Unlock()
}

// End drops txn's bookkeeping. Called on every terminal path.
func (lm *LockManager) End(txn uint64) {
	s := lm.shard(txn)
	s.mu.Lock()
	delete(s.txns, txn)
	s.mu.Unlock()
}

// Wounded reports whether another transaction forced txn to abort.
func (lm *LockManager) Wounded(txn uint64) bool {
	s := lm.shard(txn)
	s.mu.Lock()
	st := s.txns[txn]
	s.mu.Unlock()
	return st != nil && atomic.LoadUint32(&st.wounded) == 1
}

func (lm *LockManager) wound(txn uint64) {
	s := lm.shard(txn)
	s.mu.Lock()
	st := s.txns[txn]
	s.mu.Unlock()
	if st != nil {
		atomic.StoreUint32(&st.wounded, 1)
	}
}

// Lock acquires off for txn in the requested mode. On a conflict where txn
// is older than every holder, the holders are wounded, stripped from the
// record and added to abortSet; txn proceeds. Otherwise txn is denied and
// the caller must abort it.
func (lm *LockManager) Lock(txn uint64, write bool, lt *LockTable, off uint64, abortSet map[uint64]struct{}) bool {
	e := &lt.recs[off]
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer == txn {
		return true
	}

	if write {
		var conflicts []uint64
		if e.writer != 0 {
			conflicts = append(conflicts, e.writer)
		}
		for _, r := range e.readers {
			if r != txn {
				conflicts = append(conflicts, r)
			}
		}
		if len(conflicts) == 0 {
			e.writer = txn
			return true
		}
		for _, c := range conflicts {
			if c < txn {
				return false
			}
		}
		for _, c := range conflicts {
			lm.wound(c)
			abortSet[c] = struct{}{}
		}
		kept := e.readers[:0]
		for _, r := range e.readers {
			if r == txn {
				kept = append(kept, r)
			}
		}
		e.readers = kept
		e.writer = txn
		return true
	}

	if e.writer == 0 {
		e.readers = append(e.readers, txn)
		return true
	}
	if e.writer < txn {
		return false
	}
	lm.wound(e.writer)
	abortSet[e.writer] = struct{}{}
	e.writer = 0
	e.readers = append(e.readers, txn)
	return true
}

// Unlock releases one acquisition of off by txn. Releasing a lock that was
// stripped by a wound is a no-op.
func (lm *LockManager) Unlock(txn uint64, write bool, lt *LockTable, off uint64) {
	e := &lt.recs[off]
	e.mu.Lock()
	defer e.mu.Unlock()

	if write {
		if e.writer == txn {
			e.writer = 0
		}
		return
	}
	for i, r := range e.readers {
		if r == txn {
			e.readers = append(e.readers[:i], e.readers[i+1:]...)
			return
		}
	}
}

// Log appends an operation-log entry through the manager's sink.
func (lm *LockManager) Log(info wal.LogInfo) {
	lm.sink.Append(info)
}
