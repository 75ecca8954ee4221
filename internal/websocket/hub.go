package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"portal-messaging/internal/api"
	"portal-messaging/internal/events"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
)

// MessageToSend defines the structure for sending a frame to a specific user.
// A non-nil ConversationID limits delivery to connections subscribed to it.
type MessageToSend struct {
	TargetUserID   uuid.UUID
	ConversationID uuid.UUID
	Payload        []byte
}

// Authorizer checks that userID may watch conversationID.
type Authorizer func(ctx context.Context, userID, conversationID uuid.UUID) error

// Hub maintains the set of active clients and fans store events out to them.
type Hub struct {
	// Registered clients. Maps user ID to a set of active client connections.
	Clients map[uuid.UUID]map[*Client]bool

	// Channel for sending frames to specific users.
	SendDirect chan *MessageToSend

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	authorize Authorizer
	logger    *slog.Logger

	// Mutex to protect concurrent access to the clients map.
	mu   sync.RWMutex
	subs []*eventstream.Subscription
	done chan struct{}
}

func NewHub(authorize Authorizer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		SendDirect: make(chan *MessageToSend, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Clients:    make(map[uuid.UUID]map[*Client]bool),
		authorize:  authorize,
		logger:     logger.With("component", "ws-hub"),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's processing loop. It returns when ctx is done, after
// closing every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, userClients := range h.Clients {
				for client := range userClients {
					close(client.Send)
				}
				delete(h.Clients, userID)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub stopped")
			return

		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.Clients[client.UserID]; !ok {
				h.Clients[client.UserID] = make(map[*Client]bool)
			}
			h.Clients[client.UserID][client] = true
			h.logger.Debug("client registered", "user", client.UserID, "connections", len(h.Clients[client.UserID]))
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			if userClients, ok := h.Clients[client.UserID]; ok {
				if _, clientOk := userClients[client]; clientOk {
					delete(userClients, client)
					close(client.Send)
					if len(userClients) == 0 {
						delete(h.Clients, client.UserID)
					}
					h.logger.Debug("client unregistered", "user", client.UserID, "remaining", len(userClients))
				}
			}
			h.mu.Unlock()

		case msg := <-h.SendDirect:
			h.deliver(msg)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) deliver(msg *MessageToSend) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.Clients[msg.TargetUserID] {
		if msg.ConversationID != uuid.Nil && !client.subscribed(msg.ConversationID) {
			continue
		}
		select {
		case client.Send <- msg.Payload:
		default:
			h.logger.Warn("send buffer full, frame dropped", "user", client.UserID)
		}
	}
}

// Connections returns the number of open connections of userID.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Clients[userID])
}

// SendDirectMessage queues payload for every connection of targetUserID. It
// never blocks the publisher; frames are dropped when the hub is saturated.
func (h *Hub) SendDirectMessage(targetUserID, conversationID uuid.UUID, payload []byte) {
	message := &MessageToSend{
		TargetUserID:   targetUserID,
		ConversationID: conversationID,
		Payload:        payload,
	}
	select {
	case h.SendDirect <- message:
	case <-h.done:
	default:
		h.logger.Warn("hub queue full, frame dropped", "user", targetUserID)
	}
}

// Attach subscribes the hub to store events and directory updates. Events
// go to the members' connections subscribed to the conversation; directory
// updates go to every connection of the viewer.
func (h *Hub) Attach(stream *eventstream.EventStream) {
	h.subs = append(h.subs,
		events.Subscribe(stream, h.onEvent),
		events.SubscribeDirectory(stream, h.onDirectory),
	)
}

// Detach undoes Attach.
func (h *Hub) Detach(stream *eventstream.EventStream) {
	for _, sub := range h.subs {
		stream.Unsubscribe(sub)
	}
	h.subs = nil
}

func (h *Hub) onEvent(evt *events.Event) {
	frame, err := encodeFrame(api.FrameEvent, evt.ConversationID, evt)
	if err != nil {
		h.logger.Error("failed to encode event", "kind", evt.Kind, "error", err)
		return
	}
	for _, member := range evt.Members {
		h.SendDirectMessage(member, evt.ConversationID, frame)
	}
}

func (h *Hub) onDirectory(update *events.DirectoryUpdate) {
	var convID uuid.UUID
	if update.Conversation != nil {
		convID = update.Conversation.ID
	}
	frame, err := encodeFrame(api.FrameDirectory, convID, update)
	if err != nil {
		h.logger.Error("failed to encode directory update", "error", err)
		return
	}
	h.SendDirectMessage(update.ViewerID, uuid.Nil, frame)
}

func encodeFrame(kind string, conversationID uuid.UUID, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f := api.Frame{Type: kind, Payload: raw}
	if conversationID != uuid.Nil {
		f.ConversationID = conversationID.String()
	}
	return json.Marshal(f)
}
