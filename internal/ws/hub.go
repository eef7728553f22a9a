// Package ws fans deployment events out to streaming clients.
package ws

import "sync"

// AllProjects subscribes to every project's stream.
const AllProjects = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by project name.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a project stream.
func (h *Hub) Register(project string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[project]; !ok {
		h.clients[project] = make(map[Subscriber]struct{})
	}
	h.clients[project][client] = struct{}{}
}

// Unregister removes a client.
func (h *Hub) Unregister(project string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(project, client)
}

// Broadcast sends payload to the project's clients and to AllProjects
// subscribers. Clients that fail to receive are closed and dropped.
func (h *Hub) Broadcast(project string, payload []byte) {
	h.mu.RLock()
	targets := make([]subscription, 0, len(h.clients[project])+len(h.clients[AllProjects]))
	for _, key := range []string{project, AllProjects} {
		for c := range h.clients[key] {
			targets = append(targets, subscription{project: key, client: c})
		}
	}
	h.mu.RUnlock()

	var failed []subscription
	for _, sub := range targets {
		if err := sub.client.Send(payload); err != nil {
			sub.client.Close()
			failed = append(failed, sub)
		}
	}
	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range failed {
		h.remove(sub.project, sub.client)
	}
	h.mu.Unlock()
}

// Subscribers counts the clients of a project stream.
func (h *Hub) Subscribers(project string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[project])
}

type subscription struct {
	project string
	client  Subscriber
}

func (h *Hub) remove(project string, client Subscriber) {
	if clients, ok := h.clients[project]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, project)
		}
	}
}
