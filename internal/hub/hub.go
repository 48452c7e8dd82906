package hub

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub fans server-side events out to each user's open sockets: upload
// progress, session recovery notices, and new responses on campaigns the
// user owns.
type Hub struct {
	mu    sync.RWMutex
	users map[int64]map[*Client]bool
}

func New() *Hub {
	return &Hub{users: make(map[int64]map[*Client]bool)}
}

func (h *Hub) join(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[userID] == nil {
		h.users[userID] = make(map[*Client]bool)
	}
	h.users[userID][c] = true
}

func (h *Hub) leave(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.users[userID]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.users, userID)
		}
	}
}

// Send delivers a payload to every socket the user has open. Sockets too
// slow to drain their buffer are dropped. The sends are non-blocking, so
// they happen under the read lock; Close removes a client under the write
// lock before closing its channel, which keeps a send off a closed channel.
func (h *Hub) Send(userID int64, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		select {
		case c.send <- b:
		default:
			go c.Close()
		}
	}
}

// ConnectedUsers reports how many distinct users hold open sockets.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}
