// Package wal implements the feature-gated operation log. Coordinators
// append one LogInfo per protocol event; a disabled log is a no-op sink, an
// enabled one hands entries to a background writer so the hot path never
// blocks on IO.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/pingcap/errors"

	"github.com/mcoredb/svcc/util/worker"
)

// Operation markers carried by LogInfo.
const (
	OpRead   = 'r'
	OpWrite  = 'w'
	OpAbort  = 'a'
	OpCommit = 'c'
	OpCycle  = 'e'
)

// LogInfo records one protocol event. Target is the fingerprint of the
// record column the event touched, zero for lifecycle events.
type LogInfo struct {
	Txn    uint64
	Prv    uint64
	Target uint64
	Offset uint64
	Op     byte
}

// Sink receives operation-log entries. Append must be safe for concurrent
// use; failures are swallowed.
type Sink interface {
	Append(info LogInfo)
	Close() error
}

// Nop discards every entry. It is the sink used when logging is disabled.
type Nop struct{}

func (Nop) Append(LogInfo) {}

func (Nop) Close() error { return nil }

// Writer appends entries to a file through a background worker.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	w    *worker.Worker
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWriter opens (or truncates) the log file at path and starts the writer
// loop.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lw := &Writer{
		file: f,
		buf:  bufio.NewWriter(f),
	}
	lw.w = worker.New("wal-writer", &lw.wg)
	lw.w.Start(lw)
	return lw, nil
}

// Append posts info to the writer loop. Entries posted after Close are
// dropped.
func (lw *Writer) Append(info LogInfo) {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return
	}
	lw.w.Sender() <- info
	lw.mu.Unlock()
}

// Handle implements worker.Handler.
func (lw *Writer) Handle(t worker.Task) {
	info, ok := t.(LogInfo)
	if !ok {
		return
	}
	// Write failures are swallowed, the log is best effort.
	fmt.Fprintf(lw.buf, "%c txn=%d prv=%d target=%016x offset=%d\n",
		info.Op, info.Txn, info.Prv, info.Target, info.Offset)
}

// Close stops the writer loop, flushes and closes the file.
func (lw *Writer) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	lw.w.Stop()
	lw.wg.Wait()
	if err := lw.buf.Flush(); err != nil {
		lw.file.Close()
		return errors.Trace(err)
	}
	return errors.Trace(lw.file.Close())
}
