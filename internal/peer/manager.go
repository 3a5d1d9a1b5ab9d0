package peer

import (
	"sync"
)

// Manager tracks the connections of one torrent, including the slots held by
// dials that have not finished their handshake yet.
type Manager struct {
	mu             sync.Mutex
	connectedPeers map[string]*Connection
	maxPeers       int
}

func NewManager(maxPeers int) *Manager {
	return &Manager{
		connectedPeers: make(map[string]*Connection),
		maxPeers:       maxPeers,
	}
}

// Reserve takes a slot for addr. It fails when the limit is reached or addr
// already has a slot.
func (m *Manager) Reserve(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.connectedPeers) >= m.maxPeers {
		return false
	}
	if _, ok := m.connectedPeers[addr]; ok {
		return false
	}

	m.connectedPeers[addr] = nil
	return true
}

// Attach stores an established connection in its reserved slot.
func (m *Manager) Attach(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedPeers[c.owner] = c
}

func (m *Manager) Remove(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connectedPeers, addr)
}

// Len counts reserved and established slots.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connectedPeers)
}

func (m *Manager) Full() bool {
	return m.Len() >= m.maxPeers
}

// Connections returns the established connections.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Connection, 0, len(m.connectedPeers))
	for _, c := range m.connectedPeers {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast announces a completed piece to every established connection.
func (m *Manager) Broadcast(index int) {
	for _, c := range m.Connections() {
		c.SendHave(index)
	}
}

func (m *Manager) CloseAll() {
	for _, c := range m.Connections() {
		c.Close()
	}
}
