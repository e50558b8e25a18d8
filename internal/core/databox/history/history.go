// Package history records the fetches of a databox so they can be replayed
// during a reload and restored when the reload fails.
package history

import (
	"sync"

	"github.com/zeusync/databox/pkg/sequence"
)

// Item is one recorded fetch.
type Item struct {
	// Counter is the server-assigned sequence number of the fetch.
	Counter int64
	Input   any
	Data    any
}

// Manager holds the live fetch history and the items handed out to a
// running reload. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	live     []Item
	returned []Item
}

func New() *Manager {
	return &Manager{}
}

// Push records a fetch.
func (m *Manager) Push(counter int64, input, data any) {
	m.mu.Lock()
	m.live = append(m.live, Item{Counter: counter, Input: input, Data: data})
	m.mu.Unlock()
}

// GetHistory drains the live history sorted by counter. The drained items
// stay in the returned buffer until Commit or RollBack.
func (m *Manager) GetHistory() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := sequence.From(m.live).
		Sort(func(a, b Item) bool { return a.Counter < b.Counter }).
		Collect()
	m.live = nil
	m.returned = append(m.returned, sorted...)

	out := make([]Item, len(sorted))
	copy(out, sorted)
	return out
}

// Commit discards the returned buffer after a successful reload.
func (m *Manager) Commit() {
	m.mu.Lock()
	m.returned = nil
	m.mu.Unlock()
}

// RollBack puts the returned buffer back in front of the live history.
func (m *Manager) RollBack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.returned) == 0 {
		return
	}
	restored := make([]Item, 0, len(m.returned)+len(m.live))
	restored = append(restored, m.returned...)
	m.live = append(restored, m.live...)
	m.returned = nil
}

// Done is RollBack.
func (m *Manager) Done() { m.RollBack() }

// Len returns the number of live items.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Reset drops everything, including a pending returned buffer.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.live = nil
	m.returned = nil
	m.mu.Unlock()
}
