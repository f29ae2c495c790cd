package twopl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoredb/svcc/cc/wal"
)

func newTestLockManager(txns ...uint64) *LockManager {
	lm := NewLockManager(wal.Nop{})
	for _, txn := range txns {
		lm.Start(txn)
	}
	return lm
}

func TestSharedReaders(t *testing.T) {
	lm := newTestLockManager(1, 2, 3)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	assert.True(t, lm.Lock(1, false, lt, 0, oset))
	assert.True(t, lm.Lock(2, false, lt, 0, oset))
	assert.True(t, lm.Lock(3, false, lt, 0, oset))
	assert.Empty(t, oset)
}

func TestWriteExclusionDeniesYounger(t *testing.T) {
	lm := newTestLockManager(1, 2)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(1, true, lt, 0, oset))
	// Transaction 2 is younger than the holder: denied, nobody wounded.
	assert.False(t, lm.Lock(2, true, lt, 0, oset))
	assert.False(t, lm.Lock(2, false, lt, 0, oset))
	assert.Empty(t, oset)
	assert.False(t, lm.Wounded(1))
}

func TestOlderWriterWoundsYoungerHolder(t *testing.T) {
	lm := newTestLockManager(1, 2)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(2, true, lt, 0, oset))
	assert.True(t, lm.Lock(1, true, lt, 0, oset))

	assert.Contains(t, oset, uint64(2))
	assert.True(t, lm.Wounded(2))
	assert.True(t, lt.isWriter(0, 1))
}

func TestOlderReaderWoundsYoungerWriter(t *testing.T) {
	lm := newTestLockManager(1, 2)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(2, true, lt, 0, oset))
	assert.True(t, lm.Lock(1, false, lt, 0, oset))
	assert.Contains(t, oset, uint64(2))
	assert.True(t, lm.Wounded(2))
}

func TestDenyWhenAnyHolderOlder(t *testing.T) {
	lm := newTestLockManager(1, 2, 3)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(1, false, lt, 0, oset))
	require.True(t, lm.Lock(3, false, lt, 0, oset))
	// Transaction 2 conflicts with an older reader: denied even though
	// reader 3 is younger.
	assert.False(t, lm.Lock(2, true, lt, 0, oset))
	assert.Empty(t, oset)
}

func TestReentrantAndUpgrade(t *testing.T) {
	lm := newTestLockManager(1)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(1, false, lt, 0, oset))
	// Sole reader upgrades to writer.
	require.True(t, lm.Lock(1, true, lt, 0, oset))
	assert.True(t, lt.isWriter(0, 1))
	// A write holder reads and writes freely.
	assert.True(t, lm.Lock(1, false, lt, 0, oset))
	assert.True(t, lm.Lock(1, true, lt, 0, oset))
}

func TestUnlockReleases(t *testing.T) {
	lm := newTestLockManager(1, 2)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(2, true, lt, 0, oset))
	lm.Unlock(2, true, lt, 0)
	assert.True(t, lm.Lock(1, true, lt, 0, oset))
	assert.Empty(t, oset)
}

func TestUnlockStrippedLockIsNoop(t *testing.T) {
	lm := newTestLockManager(1, 2)
	lt := NewLockTable(4)
	oset := map[uint64]struct{}{}

	require.True(t, lm.Lock(2, true, lt, 0, oset))
	require.True(t, lm.Lock(1, true, lt, 0, oset))

	// The wounded transaction releases a lock it no longer holds.
	lm.Unlock(2, true, lt, 0)
	assert.True(t, lt.isWriter(0, 1))
}

func TestEndClearsWoundState(t *testing.T) {
	lm := newTestLockManager(7)
	lm.wound(7)
	assert.True(t, lm.Wounded(7))
	lm.End(7)
	assert.False(t, lm.Wounded(7))
}
