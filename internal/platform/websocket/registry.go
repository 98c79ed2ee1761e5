package websocket

import "sync"

// Registry records which users have open connections on this instance. It is
// a per-process lookup structure; every instance keeps its own.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{} // tenant:user -> connection ids
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]struct{})}
}

func registryKey(tenantID, userID string) string { return tenantID + ":" + userID }

func (r *Registry) Add(tenantID, userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey(tenantID, userID)
	if r.users[k] == nil {
		r.users[k] = make(map[string]struct{})
	}
	r.users[k][connID] = struct{}{}
}

// Remove drops connID; the user entry goes away with its last connection.
func (r *Registry) Remove(tenantID, userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey(tenantID, userID)
	conns, ok := r.users[k]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, k)
	}
}

func (r *Registry) IsOnline(tenantID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[registryKey(tenantID, userID)]
	return ok
}

// UserConnections returns the connection ids of a user in no particular order.
func (r *Registry) UserConnections(tenantID, userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[registryKey(tenantID, userID)]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// UserCount returns the number of online users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ConnectionCount returns the number of open connections across all users.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.users {
		n += len(conns)
	}
	return n
}
