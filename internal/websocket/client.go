package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hou-li-xie/media-service/internal/types/events"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Watchers only send control frames.
	maxMessageSize = 512

	// Progress events queued per watcher before it counts as slow.
	sendBuffer = 64
)

var errSlowClient = errors.New("client send buffer is full")

// Client is one websocket watching the progress of a single upload. Every
// event goes out as its own JSON text frame; the connection is closed
// normally after the final event.
type Client struct {
	conn     *websocket.Conn
	uploadID string
	hub      *Hub

	send      chan *events.Event
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, uploadID string, hub *Hub) *Client {
	return &Client{
		conn:     conn,
		uploadID: uploadID,
		hub:      hub,
		send:     make(chan *events.Event, sendBuffer),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump keeps the read deadline alive on pongs and notices when the
// watcher goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("progress watcher dropped",
					slog.String("upload_id", c.uploadID),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *Client) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.writeClose(websocket.CloseGoingAway, "server shutting down")
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type.Final() {
				c.writeClose(websocket.CloseNormalClosure, "upload complete")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// SendEvent queues an event for this client. It never blocks.
func (c *Client) SendEvent(event *events.Event) error {
	select {
	case c.send <- event:
		return nil
	default:
		return errSlowClient
	}
}

// Start runs the pumps in their own goroutines.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) UploadID() string {
	return c.uploadID
}
