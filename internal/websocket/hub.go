package websocket

import (
	"log/slog"
	"sync"

	"github.com/hou-li-xie/media-service/internal/types/events"
)

// Hub maintains the set of active clients and broadcasts upload events to
// everyone watching the same upload.
type Hub struct {
	// Registered clients grouped by upload ID
	clients map[string]map[*Client]struct{}

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients map
	mu sync.RWMutex

	// Channel to broadcast events
	broadcast chan *BroadcastMessage

	done chan struct{}
}

// BroadcastMessage represents a message to be broadcast to one upload's watchers
type BroadcastMessage struct {
	UploadID string        `json:"uploadId"`
	Event    *events.Event `json:"event"`
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			watchers, ok := h.clients[client.uploadID]
			if !ok {
				watchers = make(map[*Client]struct{})
				h.clients[client.uploadID] = watchers
			}
			watchers[client] = struct{}{}
			h.mu.Unlock()
			slog.Info("WebSocket client connected", slog.String("upload_id", client.uploadID))

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.broadcastToUpload(message.UploadID, message.Event)

		case <-h.done:
			h.mu.Lock()
			for uploadID, watchers := range h.clients {
				for c := range watchers {
					c.closeSend()
				}
				delete(h.clients, uploadID)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every client's send channel.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watchers, ok := h.clients[client.uploadID]
	if !ok {
		return
	}
	if _, ok := watchers[client]; !ok {
		return
	}
	delete(watchers, client)
	if len(watchers) == 0 {
		delete(h.clients, client.uploadID)
	}
	client.closeSend()
	slog.Info("WebSocket client disconnected", slog.String("upload_id", client.uploadID))
}

// RegisterClient registers a new client
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// UnregisterClient unregisters a client
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastToUpload sends an event to every client watching uploadID
func (h *Hub) BroadcastToUpload(uploadID string, event *events.Event) {
	message := &BroadcastMessage{
		UploadID: uploadID,
		Event:    event,
	}

	select {
	case h.broadcast <- message:
	default:
		slog.Warn("Broadcast channel is full, dropping message", slog.String("upload_id", uploadID))
	}
}

func (h *Hub) broadcastToUpload(uploadID string, event *events.Event) {
	h.mu.RLock()
	var failed []*Client
	for client := range h.clients[uploadID] {
		if err := client.SendEvent(event); err != nil {
			slog.Error("Failed to send event to client",
				slog.String("upload_id", uploadID),
				slog.String("error", err.Error()))
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	// Slow clients are dropped.
	for _, c := range failed {
		h.remove(c)
	}
}

// HasSubscribers reports whether anyone is watching uploadID
func (h *Hub) HasSubscribers(uploadID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[uploadID]) > 0
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, watchers := range h.clients {
		n += len(watchers)
	}
	return n
}
