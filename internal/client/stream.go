package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"

	"portal-messaging/internal/api"
	"portal-messaging/internal/events"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Stream is a websocket subscription to store events and directory updates.
type Stream struct {
	conn      *websocket.Conn
	events    chan *events.Event
	directory chan *events.DirectoryUpdate
	errs      chan error

	writeMu sync.Mutex
	once    sync.Once
	closing chan struct{}
	done    chan struct{}
}

// Dial opens the realtime stream with the client's token.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			var apiErr api.ErrorResponse
			if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Code != "" {
				return nil, utils.NewAppError(apiErr.Code, apiErr.Message, err)
			}
		}
		return nil, err
	}

	s := &Stream{
		conn:      conn,
		events:    make(chan *events.Event, 64),
		directory: make(chan *events.DirectoryUpdate, 64),
		errs:      make(chan error, 8),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events delivers events of subscribed conversations. Closed with the stream.
func (s *Stream) Events() <-chan *events.Event { return s.events }

// Directory delivers the user's directory updates. Closed with the stream.
func (s *Stream) Directory() <-chan *events.DirectoryUpdate { return s.directory }

// Errors delivers error frames from the server.
func (s *Stream) Errors() <-chan error { return s.errs }

func (s *Stream) Subscribe(conversationID uuid.UUID) error {
	return s.write(api.Frame{Type: api.FrameSubscribe, ConversationID: conversationID.String()})
}

func (s *Stream) Unsubscribe(conversationID uuid.UUID) error {
	return s.write(api.Frame{Type: api.FrameUnsubscribe, ConversationID: conversationID.String()})
}

func (s *Stream) write(f api.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// Close ends the stream and waits for the read loop.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *Stream) readLoop() {
	defer func() {
		close(s.events)
		close(s.directory)
		close(s.done)
	}()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.pushErr(err)
			}
			return
		}
		var f api.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.pushErr(err)
			continue
		}
		switch f.Type {
		case api.FrameEvent:
			var evt events.Event
			if err := json.Unmarshal(f.Payload, &evt); err == nil {
				select {
				case s.events <- &evt:
				case <-s.closing:
					return
				}
			}
		case api.FrameDirectory:
			var update events.DirectoryUpdate
			if err := json.Unmarshal(f.Payload, &update); err == nil {
				select {
				case s.directory <- &update:
				case <-s.closing:
					return
				}
			}
		case api.FrameError:
			var apiErr api.ErrorResponse
			if err := json.Unmarshal(f.Payload, &apiErr); err == nil {
				s.pushErr(utils.NewAppError(apiErr.Code, apiErr.Message, nil))
			}
		}
	}
}

func (s *Stream) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
