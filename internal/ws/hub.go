package ws

import (
	"sync"

	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
)

// Hub 按用户管理连接，同一用户可在多个设备上同时在线。
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	closed bool
}

func NewHub() *Hub { return &Hub{users: make(map[string]map[*Client]struct{})} }

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.users[c.userID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	metrics.WsConnections.Inc()
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
	metrics.WsConnections.Dec()
}

// Online 返回用户当前的连接数。
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Total 返回全部连接数。
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.users {
		n += len(set)
	}
	return n
}

// Shutdown 拒绝新连接并关闭现有连接，停服时调用。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var clients []*Client
	for _, set := range h.users {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}
