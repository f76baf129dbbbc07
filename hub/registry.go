package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/actuallyroy/audit-notifier/model"
)

// Client is one open connection to the hub.
type Client interface {
	ID() string
	Identity() model.Identity

	// Send queues an encoded frame for the client. It must not block.
	Send(frame []byte) error
}

// Connection describes a registered client.
type Connection struct {
	ID          string
	Identity    model.Identity
	ConnectedAt time.Time
}

type registration struct {
	client      Client
	connectedAt time.Time
	groups      map[string]struct{}
}

// Registry tracks the open connections of this instance and the groups they belong to. It is safe
// for concurrent use. Callers get snapshots of group membership so that no lock is held while
// frames are sent.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*registration
	groups      map[string]map[string]Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: map[string]*registration{},
		groups:      map[string]map[string]Client{},
	}
}

// Add registers a client.
func (r *Registry) Add(client Client, connectedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[client.ID()] = &registration{
		client:      client,
		connectedAt: connectedAt,
		groups:      map[string]struct{}{},
	}
}

// Remove unregisters a client and drops it from every group it joined.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.connections[id]
	if !ok {
		return
	}
	for group := range reg.groups {
		r.leave(id, group)
	}
	delete(r.connections, id)
}

// Join adds a registered client to a group. It returns false if the client is not registered.
func (r *Registry) Join(id, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.connections[id]
	if !ok {
		return false
	}
	members, ok := r.groups[group]
	if !ok {
		members = map[string]Client{}
		r.groups[group] = members
	}
	members[id] = reg.client
	reg.groups[group] = struct{}{}
	return true
}

// Leave removes a client from a group.
func (r *Registry) Leave(id, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(id, group)
}

func (r *Registry) leave(id, group string) {
	if reg, ok := r.connections[id]; ok {
		delete(reg.groups, group)
	}
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// InGroup reports whether a client belongs to a group.
func (r *Registry) InGroup(id, group string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[group][id]
	return ok
}

// Members returns the clients in a group.
func (r *Registry) Members(group string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]Client, 0, len(r.groups[group]))
	for _, client := range r.groups[group] {
		members = append(members, client)
	}
	return members
}

// All returns every registered client.
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]Client, 0, len(r.connections))
	for _, reg := range r.connections {
		clients = append(clients, reg.client)
	}
	return clients
}

// Get returns the description of a registered client.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.connections[id]
	if !ok {
		return Connection{}, false
	}
	return Connection{ID: id, Identity: reg.client.Identity(), ConnectedAt: reg.connectedAt}, true
}

// Groups returns the sorted names of the groups a client belongs to.
func (r *Registry) Groups(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.connections[id]
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(reg.groups))
	for group := range reg.groups {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
