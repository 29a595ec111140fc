package server

import (
	"slices"
	"sync"
)

// PresenceRegistry maps each online user to the connections that announced
// them with user_online. It is process-local.
type PresenceRegistry struct {
	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[string]map[*Client]struct{}),
	}
}

// MarkOnline registers c and reports whether it is the user's first
// connection.
func (p *PresenceRegistry) MarkOnline(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns, ok := p.users[c.user.Id]
	if !ok {
		conns = make(map[*Client]struct{})
		p.users[c.user.Id] = conns
	}
	conns[c] = struct{}{}

	return !ok
}

// MarkOffline removes c and reports whether the user has no connections
// left. Unknown connections are ignored.
func (p *PresenceRegistry) MarkOffline(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns, ok := p.users[c.user.Id]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}

	delete(conns, c)
	if len(conns) == 0 {
		delete(p.users, c.user.Id)
		return true
	}
	return false
}

func (p *PresenceRegistry) IsOnline(userId string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.users[userId]
	return ok
}

func (p *PresenceRegistry) Clients(userId string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clients := make([]*Client, 0, len(p.users[userId]))
	for c := range p.users[userId] {
		clients = append(clients, c)
	}
	return clients
}

// OnlineUsers returns the ids of every online user, sorted.
func (p *PresenceRegistry) OnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.users))
	for id := range p.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *PresenceRegistry) AllClients() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var clients []*Client
	for _, conns := range p.users {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	return clients
}
