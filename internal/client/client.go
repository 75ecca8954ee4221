// Package client is a typed HTTP and websocket client of the messaging API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
)

// Client talks to one server on behalf of one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// WithToken returns a copy of c authenticated as another user.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) Token() string {
	return c.token
}

// do sends body as JSON and decodes the response into out. Error responses
// come back as *utils.AppError with the server's code.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return utils.NewAppError(apiErr.Code, apiErr.Message, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// DevToken asks a debug server for a token of userID, or of a fresh user
// when userID is nil.
func (c *Client) DevToken(ctx context.Context, userID uuid.UUID) (*api.TokenResponse, error) {
	req := api.TokenRequest{}
	if userID != uuid.Nil {
		req.UserID = userID.String()
	}
	var resp api.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/dev/token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListConversations(ctx context.Context, includeArchived, refresh bool) ([]*models.Conversation, error) {
	q := url.Values{}
	if includeArchived {
		q.Set("archived", "true")
	}
	if refresh {
		q.Set("refresh", "true")
	}
	path := "/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var convs []*models.Conversation
	if err := c.do(ctx, http.MethodGet, path, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) OpenConversation(ctx context.Context, msg *actors.OpenConversationMsg) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", api.NewOpenConversationRequest(msg), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) ArchiveConversation(ctx context.Context, conversationID uuid.UUID, archived bool) (*models.Conversation, error) {
	var conv models.Conversation
	path := "/conversations/" + conversationID.String() + "/archive"
	if err := c.do(ctx, http.MethodPost, path, api.ArchiveRequest{Archived: &archived}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage posts msg. The sender is the token's user; msg.SenderID is
// ignored by the server.
func (c *Client) SendMessage(ctx context.Context, msg *actors.SendMessageMsg) (*models.Message, error) {
	var sent models.Message
	path := "/conversations/" + msg.ConversationID.String() + "/messages"
	if err := c.do(ctx, http.MethodPost, path, api.NewSendMessageRequest(msg), &sent); err != nil {
		return nil, err
	}
	return &sent, nil
}

func (c *Client) GetThread(ctx context.Context, msg *actors.GetThreadMsg) (*actors.ThreadPage, error) {
	q := url.Values{}
	if msg.Limit > 0 {
		q.Set("limit", strconv.Itoa(msg.Limit))
	}
	if !msg.Before.IsZero() {
		q.Set("before", msg.Before.UTC().Format(time.RFC3339Nano))
	}
	path := "/conversations/" + msg.ConversationID.String() + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page actors.ThreadPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetPinned(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	var pinned []*models.Message
	if err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID.String()+"/pinned", nil, &pinned); err != nil {
		return nil, err
	}
	return pinned, nil
}

// MarkRead marks the listed messages read, or all unread ones when ids is empty.
func (c *Client) MarkRead(ctx context.Context, conversationID uuid.UUID, ids []uuid.UUID) (*actors.ReadReceipt, error) {
	req := api.MarkReadRequest{}
	for _, id := range ids {
		req.MessageIDs = append(req.MessageIDs, id.String())
	}
	var receipt actors.ReadReceipt
	if err := c.do(ctx, http.MethodPost, "/conversations/"+conversationID.String()+"/read", req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID uuid.UUID, content string) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPatch, "/messages/"+messageID.String(), api.EditMessageRequest{Content: content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodDelete, "/messages/"+messageID.String(), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) PinMessage(ctx context.Context, messageID uuid.UUID, pinned bool) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/messages/"+messageID.String()+"/pin", api.PinMessageRequest{Pinned: &pinned}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AddReaction toggles emoji on the message for the token's user.
func (c *Client) AddReaction(ctx context.Context, messageID uuid.UUID, emoji string) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/messages/"+messageID.String()+"/reactions", api.ReactionRequest{Emoji: emoji}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
