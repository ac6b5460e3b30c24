package processor

import (
	"sort"
	"sync"
)

// ConnectionSet tracks which client ids are currently connected. The
// connection monitor is the only writer; the API reads at any time.
type ConnectionSet struct {
	mu      sync.RWMutex
	clients map[string]struct{}
}

// NewConnectionSet returns an empty set.
func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{clients: make(map[string]struct{})}
}

// Add marks a client as connected.
func (c *ConnectionSet) Add(clientID string) {
	c.mu.Lock()
	c.clients[clientID] = struct{}{}
	c.mu.Unlock()
}

// Remove marks a client as disconnected.
func (c *ConnectionSet) Remove(clientID string) {
	c.mu.Lock()
	delete(c.clients, clientID)
	c.mu.Unlock()
}

// Contains reports whether a client is connected.
func (c *ConnectionSet) Contains(clientID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.clients[clientID]
	return ok
}

// List returns the connected client ids, sorted.
func (c *ConnectionSet) List() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
