package broadcast

import "sync"

// Registry is the live client set. It is safe for concurrent use; readers
// receive snapshots so iteration never holds the lock.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	order   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers c.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID()]; ok {
		return
	}
	r.clients[c.ID()] = c
	r.order = append(r.order, c.ID())
}

// Remove unregisters c and reports whether it was present.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c.ID())
}

func (r *Registry) removeLocked(id string) bool {
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	for i, cid := range r.order {
		if cid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered clients, open or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// All returns every registered client in accept order.
func (r *Registry) All() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// Eligible returns the clients that may receive a broadcast right now.
func (r *Registry) Eligible() []*Client {
	return r.filter((*Client).Eligible)
}

// Open returns the clients whose connection is still open.
func (r *Registry) Open() []*Client {
	return r.filter((*Client).IsOpen)
}

// Prune removes every client that is no longer open and returns how many
// were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []string
	for _, id := range r.order {
		if !r.clients[id].IsOpen() {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.removeLocked(id)
	}
	return len(stale)
}

func (r *Registry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		if c := r.clients[id]; keep(c) {
			out = append(out, c)
		}
	}
	return out
}
