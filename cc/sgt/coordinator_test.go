package sgt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoredb/svcc/cc/column"
	"github.com/mcoredb/svcc/cc/epoch"
)

type table struct {
	vals   *column.Value[uint64]
	lsn    *column.Meta
	rw     *column.AccessList
	locked *column.Meta
}

func newTable(n uint64) *table {
	return &table{
		vals:   column.NewValue[uint64](n),
		lsn:    column.NewMeta(n),
		rw:     column.NewAccessList("balance", n),
		locked: column.NewMeta(n),
	}
}

func newTestCoordinator(t *testing.T) *Coordinator[uint64] {
	t.Helper()
	return NewCoordinator[uint64](epoch.NewManager(), nil)
}

func (tb *table) read(s *Session[uint64], off, txn uint64) (uint64, bool) {
	return s.ReadValue(tb.vals, tb.lsn, tb.rw, tb.locked, off, txn)
}

func (tb *table) write(s *Session[uint64], v, off, txn uint64) bool {
	return s.WriteValue(v, tb.vals, tb.lsn, tb.rw, tb.locked, off, txn)
}

func seedValue(t *testing.T, c *Coordinator[uint64], tb *table, off, v uint64) {
	t.Helper()
	s, err := c.NewSession()
	require.NoError(t, err)
	txn := s.Start()
	require.True(t, tb.write(s, v, off, txn))
	committed, _ := s.Commit(txn)
	require.True(t, committed)
}

func TestSoloReadWriteCommit(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	s, err := c.NewSession()
	require.NoError(t, err)

	txn := s.Start()
	require.True(t, txn > 0)
	require.True(t, tb.write(s, 42, 0, txn))

	v, ok := tb.read(s, 0, txn)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
	assert.True(t, s.Read(tb.lsn, tb.rw, tb.locked, 1, txn), "value-less read probe")

	committed, oset := s.Commit(txn)
	assert.True(t, committed)
	assert.Empty(t, oset)
	assert.Equal(t, uint64(42), tb.vals.Index(0))
	assert.Equal(t, 0, tb.rw.Size(0), "commit unlinks the access tags")
	assert.Equal(t, 0, c.graph.Size())
}

func TestCascadingAbort(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	sa, err := c.NewSession()
	require.NoError(t, err)
	sb, err := c.NewSession()
	require.NoError(t, err)

	a := sa.Start()
	b := sb.Start()

	require.True(t, tb.write(sa, 11, 5, a))
	// B reads A's dirty write: a cascade dependency A -> B.
	v, ok := tb.read(sb, 5, b)
	require.True(t, ok)
	assert.Equal(t, uint64(11), v)

	sa.Abort(a)
	committed, oset := sa.Commit(a)
	assert.False(t, committed)
	assert.Contains(t, oset, b, "the dirty reader is a cascade victim")

	// B was cascade-aborted; its next operation fails and its commit
	// harvests an empty set.
	_, ok = tb.read(sb, 5, b)
	assert.False(t, ok)
	committed, oset = sb.Commit(b)
	assert.False(t, committed)
	assert.Empty(t, oset)

	assert.Equal(t, uint64(0), tb.vals.Index(5), "the aborted write is undone")
	assert.Equal(t, 0, tb.rw.Size(5))
}

func TestCycleDetectionAbortsOneTxn(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	sa, err := c.NewSession()
	require.NoError(t, err)
	sb, err := c.NewSession()
	require.NoError(t, err)

	const x, y = 0, 1
	a := sa.Start()
	b := sb.Start()

	_, ok := tb.read(sa, y, a)
	require.True(t, ok)
	_, ok = tb.read(sb, x, b)
	require.True(t, ok)

	// A writes what B read: edge B -> A.
	require.True(t, tb.write(sa, 1, x, a))
	// B writes what A read: edge A -> B would close the cycle.
	require.False(t, tb.write(sb, 2, y, b))

	committed, oset := sb.Commit(b)
	assert.False(t, committed)
	assert.Empty(t, oset)

	committed, _ = sa.Commit(a)
	assert.True(t, committed, "the survivor commits")
	assert.Equal(t, uint64(1), tb.vals.Index(x))
	assert.Equal(t, uint64(0), tb.vals.Index(y), "the cyclic write never installed")
}

func TestWriteWriteConflictWaits(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	sa, err := c.NewSession()
	require.NoError(t, err)
	sb, err := c.NewSession()
	require.NoError(t, err)

	a := sa.Start()
	require.True(t, tb.write(sa, 10, 3, a))

	b := sb.Start()
	done := make(chan bool)
	go func() {
		// Blocks until A finishes, then installs over A's value.
		ok := tb.write(sb, 20, 3, b)
		committed, _ := sb.Commit(b)
		done <- ok && committed
	}()

	select {
	case <-done:
		t.Fatal("second writer finished while the first was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	committed, _ := sa.Commit(a)
	require.True(t, committed)
	assert.True(t, <-done)
	assert.Equal(t, uint64(20), tb.vals.Index(3))
}

func TestCommitWaitsForPredecessor(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	sa, err := c.NewSession()
	require.NoError(t, err)
	sb, err := c.NewSession()
	require.NoError(t, err)

	a := sa.Start()
	b := sb.Start()

	require.True(t, tb.write(sa, 7, 0, a))
	v, ok := tb.read(sb, 0, b)
	require.True(t, ok)
	assert.Equal(t, uint64(7), v)

	done := make(chan bool)
	go func() {
		committed, _ := sb.Commit(b)
		done <- committed
	}()

	select {
	case <-done:
		t.Fatal("dirty reader committed before its predecessor")
	case <-time.After(20 * time.Millisecond):
	}

	committed, _ := sa.Commit(a)
	require.True(t, committed)
	assert.True(t, <-done, "the reader commits once the writer did")
}

func TestAbortUndoesWritesInLIFOOrder(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	seedValue(t, c, tb, 1, 3)

	s, err := c.NewSession()
	require.NoError(t, err)
	a := s.Start()
	require.True(t, tb.write(s, 7, 1, a))
	require.True(t, tb.write(s, 9, 1, a))
	s.Abort(a)

	committed, oset := s.Commit(a)
	assert.False(t, committed)
	assert.Empty(t, oset)
	assert.Equal(t, uint64(3), tb.vals.Index(1), "pre-image of the first write is restored")
	assert.Equal(t, 0, tb.rw.Size(1))
}

func TestDeadTxnShortCircuits(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(8)
	s, err := c.NewSession()
	require.NoError(t, err)

	a := s.Start()
	s.Abort(a)
	_, ok := tb.read(s, 0, a)
	assert.False(t, ok)
	assert.False(t, tb.write(s, 1, 0, a))

	committed, _ := s.Commit(a)
	assert.False(t, committed)

	// The session is fresh again afterwards.
	b := s.Start()
	require.True(t, tb.write(s, 2, 0, b))
	committed, _ = s.Commit(b)
	assert.True(t, committed)
}

func TestConcurrentIncrementsSerialize(t *testing.T) {
	c := newTestCoordinator(t)
	tb := newTable(4)

	const workers = 4
	const txnsPerWorker = 100

	var wg sync.WaitGroup
	commits := make([]uint64, workers)
	for w := 0; w < workers; w++ {
		s, err := c.NewSession()
		require.NoError(t, err)
		wg.Add(1)
		go func(w int, s *Session[uint64]) {
			defer wg.Done()
			for i := 0; i < txnsPerWorker; i++ {
				txn := s.Start()
				v, ok := tb.read(s, 0, txn)
				if ok {
					ok = tb.write(s, v+1, 0, txn)
				}
				committed, _ := s.Commit(txn)
				if committed && ok {
					commits[w]++
				}
			}
		}(w, s)
	}
	wg.Wait()

	var total uint64
	for _, n := range commits {
		total += n
	}
	assert.Equal(t, total, tb.vals.Index(0),
		"final counter equals the number of committed increments")
	assert.Equal(t, 0, tb.rw.Size(0))
	assert.Equal(t, 0, c.graph.Size())
}
