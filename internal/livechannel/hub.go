package livechannel

import "sync"

// Hub indexes the live channel of every known job
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]*Channel
	queueSize int
}

// NewHub creates a hub whose channels use queueSize per subscriber
func NewHub(queueSize int) *Hub {
	return &Hub{
		channels:  make(map[string]*Channel),
		queueSize: queueSize,
	}
}

// Open returns the channel for jobID, creating it if needed
func (h *Hub) Open(jobID string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[jobID]; ok {
		return ch
	}
	ch := New(jobID, h.queueSize)
	h.channels[jobID] = ch
	return ch
}

// Get returns the channel for jobID if one exists
func (h *Hub) Get(jobID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[jobID]
	return ch, ok
}

// Remove forgets the channel for jobID. Intended for registry eviction;
// open subscriptions keep working until the channel closes.
func (h *Hub) Remove(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, jobID)
}

// Len returns the number of channels held
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}
