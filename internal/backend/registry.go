package backend

import "fmt"

// Registry is a fixed, ordered set of named backend clients.
// It is built once at startup and only read afterwards.
type Registry struct {
	clients map[string]*Client
	order   []string
}

// NewRegistry creates a registry from the given clients, keeping their order
func NewRegistry(clients ...*Client) (*Registry, error) {
	r := &Registry{
		clients: make(map[string]*Client, len(clients)),
		order:   make([]string, 0, len(clients)),
	}
	for _, client := range clients {
		if client == nil {
			return nil, fmt.Errorf("client cannot be nil")
		}
		name := client.Name()
		if _, exists := r.clients[name]; exists {
			return nil, fmt.Errorf("duplicate backend name: %s", name)
		}
		r.clients[name] = client
		r.order = append(r.order, name)
	}
	return r, nil
}

// Get retrieves a client by name
func (r *Registry) Get(name string) (*Client, bool) {
	client, ok := r.clients[name]
	return client, ok
}

// All returns all clients in registration order
func (r *Registry) All() []*Client {
	clients := make([]*Client, 0, len(r.order))
	for _, name := range r.order {
		clients = append(clients, r.clients[name])
	}
	return clients
}

// Names returns the backend names in registration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered clients
func (r *Registry) Count() int {
	return len(r.order)
}
