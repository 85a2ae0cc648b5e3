package websocket

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"event_messenger/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var clientIDCounter atomic.Uint64

// Client - одно websocket-соединение пользователя
type Client struct {
	id     uint64
	userID string
	caller domain.Caller
	hub    *Hub
	conn   *websocket.Conn
	send   chan domain.Event
}

func NewClient(hub *Hub, conn *websocket.Conn, caller domain.Caller) *Client {
	return &Client{
		id:     clientIDCounter.Add(1),
		userID: caller.UserID,
		caller: caller,
		hub:    hub,
		conn:   conn,
		send:   make(chan domain.Event, sendBuffer),
	}
}

func (c *Client) ID() uint64 { return c.id }

func (c *Client) UserID() string { return c.userID }

// Start регистрирует клиента в хабе и запускает насосы чтения и записи
func (c *Client) Start() {
	select {
	case c.hub.Register <- c:
	case <-c.hub.Done():
		_ = c.conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// leave снимает клиента с хаба; если хаб уже остановлен, ждать нечего
func (c *Client) leave() {
	select {
	case c.hub.Unregister <- c:
	case <-c.hub.Done():
	}
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.log.Error("Failed to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		if c.hub.listener != nil {
			c.hub.listener.OnHeartbeat(c.userID)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg InboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Unexpected websocket close", "user_id", c.userID, "error", err)
			}
			return
		}

		if msg.Type == MessageTypePing {
			select {
			case c.send <- domain.Event{Type: MessageTypePong}:
			default:
			}
			if c.hub.listener != nil {
				c.hub.listener.OnHeartbeat(c.userID)
			}
			continue
		}

		if c.hub.listener != nil {
			c.hub.listener.OnClientMessage(c.caller, msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// хаб закрыл канал
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.log.Debug("Failed to write websocket event", "user_id", c.userID, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
