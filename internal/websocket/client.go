package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Outbound frames buffered per connection.
	sendBuffer = 64
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub *Hub

	// The user ID this client represents.
	UserID uuid.UUID

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	mu   sync.RWMutex
	subs map[uuid.UUID]bool
}

func NewClient(hub *Hub, userID uuid.UUID, conn *websocket.Conn) *Client {
	return &Client{
		Hub:    hub,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		subs:   make(map[uuid.UUID]bool),
	}
}

func (c *Client) subscribed(conversationID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[conversationID]
}

func (c *Client) setSubscribed(conversationID uuid.UUID, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[conversationID] = true
	} else {
		delete(c.subs, conversationID)
	}
}

// ReadPump pumps frames from the websocket connection into subscription
// changes. It unregisters the client when the connection ends.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("websocket read error", "user", c.UserID, "error", err)
			}
			break
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(message []byte) {
	var frame api.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.reject("", utils.NewValidationError("malformed frame"))
		return
	}
	convID, err := api.ParseID("conversationId", frame.ConversationID)
	if err != nil {
		c.reject(frame.ConversationID, err)
		return
	}

	switch frame.Type {
	case api.FrameSubscribe:
		if c.Hub.authorize != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.Hub.authorize(ctx, c.UserID, convID)
			cancel()
			if err != nil {
				c.reject(frame.ConversationID, err)
				return
			}
		}
		c.setSubscribed(convID, true)
	case api.FrameUnsubscribe:
		c.setSubscribed(convID, false)
	default:
		c.reject(frame.ConversationID, utils.NewValidationError("unknown frame type "+frame.Type))
	}
}

func (c *Client) reject(conversationID string, err error) {
	code := utils.ErrorCode(err)
	if code == "" {
		code = utils.ErrInvalidInput
	}
	payload, _ := json.Marshal(api.ErrorResponse{Code: code, Message: err.Error()})
	frame, _ := json.Marshal(api.Frame{Type: api.FrameError, ConversationID: conversationID, Payload: payload})
	select {
	case c.Send <- frame:
	default:
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per websocket message keeps every payload valid JSON.
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Debug("websocket write error", "user", c.UserID, "error", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Hub.logger.Debug("websocket ping error", "user", c.UserID, "error", err)
				return
			}
		}
	}
}
