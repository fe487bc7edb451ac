package hub

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seralvarez/capturefleet/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Conn is one WebSocket connection managed by the Hub. A runner connection
// carries the runner's declared identity; client connections declare none.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	send     chan []byte
	runnerID string // empty for clients
}

func newConn(h *Hub, ws *websocket.Conn, runnerID string) *Conn {
	return &Conn{
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, 256),
		runnerID: runnerID,
	}
}

// Send queues a message, dropping it if the connection's buffer is full.
func (c *Conn) Send(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Hub: read error: %v", err)
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Hub: invalid message: %v", err)
			continue
		}

		c.hub.handleMessage(c, env, message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
