// Package epoch implements scoped epoch-based reclamation. A transaction
// pins the current epoch through a Guard for its whole lifetime; structures
// it retires are handed back only once every guard that could still observe
// them has been released.
package epoch

import "sync"

// Manager tracks the global epoch, the set of active guards and the retired
// callbacks awaiting reclamation.
type Manager struct {
	mu      sync.Mutex
	epoch   uint64
	active  map[*Guard]uint64
	retired []retiredBatch
}

type retiredBatch struct {
	epoch uint64
	fns   []func()
}

func NewManager() *Manager {
	return &Manager{active: make(map[*Guard]uint64)}
}

// Guard pins the epoch observed at Enter until Release is called. Release is
// idempotent.
type Guard struct {
	m        *Manager
	released bool
}

// Enter registers a new guard pinned to the current epoch.
func (m *Manager) Enter() *Guard {
	g := &Guard{m: m}
	m.mu.Lock()
	m.active[g] = m.epoch
	m.mu.Unlock()
	return g
}

// Retire queues fn to run once all guards pinned to the current or an
// earlier epoch have been released.
func (m *Manager) Retire(fn func()) {
	m.mu.Lock()
	n := len(m.retired)
	if n > 0 && m.retired[n-1].epoch == m.epoch {
		m.retired[n-1].fns = append(m.retired[n-1].fns, fn)
	} else {
		m.retired = append(m.retired, retiredBatch{epoch: m.epoch, fns: []func(){fn}})
	}
	m.mu.Unlock()
}

// Release unpins the guard, advances the epoch and runs every retired batch
// no active guard can still observe.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true

	m := g.m
	m.mu.Lock()
	delete(m.active, g)
	m.epoch++

	min := m.epoch
	for _, pinned := range m.active {
		if pinned < min {
			min = pinned
		}
	}
	var ready []func()
	i := 0
	for ; i < len(m.retired) && m.retired[i].epoch < min; i++ {
		ready = append(ready, m.retired[i].fns...)
	}
	m.retired = m.retired[i:]
	m.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// Epoch returns the current global epoch, for diagnostics.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}
