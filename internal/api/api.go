// Package api holds the JSON shapes shared by the HTTP handlers, the
// websocket hub and the client.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TokenResponse is returned by the development token endpoint.
type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type TokenRequest struct {
	UserID string `json:"userId"`
}

type OpenConversationRequest struct {
	ConversationID string                  `json:"conversationId,omitempty"`
	ProjectID      string                  `json:"projectId"`
	ProjectTitle   string                  `json:"projectTitle"`
	EmployerID     string                  `json:"employerId"`
	ParticipantID  string                  `json:"participantId"`
	Type           models.ConversationType `json:"type,omitempty"`
	Members        []models.Member         `json:"members,omitempty"`
}

// ToMsg converts the request into the store message on behalf of actorID.
func (req *OpenConversationRequest) ToMsg(actorID uuid.UUID) (*actors.OpenConversationMsg, error) {
	convID, err := ParseOptionalID("conversationId", req.ConversationID)
	if err != nil {
		return nil, err
	}
	projectID, err := ParseOptionalID("projectId", req.ProjectID)
	if err != nil {
		return nil, err
	}
	employerID, err := ParseID("employerId", req.EmployerID)
	if err != nil {
		return nil, err
	}
	participantID, err := ParseOptionalID("participantId", req.ParticipantID)
	if err != nil {
		return nil, err
	}
	return &actors.OpenConversationMsg{
		ConversationID: convID,
		ActorID:        actorID,
		ProjectID:      projectID,
		ProjectTitle:   req.ProjectTitle,
		EmployerID:     employerID,
		ParticipantID:  participantID,
		Type:           req.Type,
		Members:        req.Members,
	}, nil
}

// NewOpenConversationRequest is the inverse of ToMsg.
func NewOpenConversationRequest(msg *actors.OpenConversationMsg) *OpenConversationRequest {
	if msg == nil {
		return nil
	}
	req := &OpenConversationRequest{
		ProjectID:    idString(msg.ProjectID),
		ProjectTitle: msg.ProjectTitle,
		EmployerID:   idString(msg.EmployerID),
		Type:         msg.Type,
		Members:      msg.Members,
	}
	req.ConversationID = idString(msg.ConversationID)
	req.ParticipantID = idString(msg.ParticipantID)
	return req
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

type SendMessageRequest struct {
	Content         string                   `json:"content"`
	ReplyToID       string                   `json:"replyToId,omitempty"`
	Attachments     []models.Attachment      `json:"attachments,omitempty"`
	ClientMessageID string                   `json:"clientMessageId,omitempty"`
	Open            *OpenConversationRequest `json:"open,omitempty"`
}

// ToMsg converts the request into the store message sent by senderID.
func (req *SendMessageRequest) ToMsg(conversationID, senderID uuid.UUID) (*actors.SendMessageMsg, error) {
	msg := &actors.SendMessageMsg{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        req.Content,
		Attachments:    req.Attachments,
	}
	replyTo, err := ParseOptionalID("replyToId", req.ReplyToID)
	if err != nil {
		return nil, err
	}
	if replyTo != uuid.Nil {
		msg.ReplyToID = &replyTo
	}
	if msg.ClientMessageID, err = ParseOptionalID("clientMessageId", req.ClientMessageID); err != nil {
		return nil, err
	}
	if req.Open != nil {
		if msg.Open, err = req.Open.ToMsg(senderID); err != nil {
			return nil, err
		}
		msg.Open.ConversationID = conversationID
	}
	return msg, nil
}

// NewSendMessageRequest is the inverse of ToMsg.
func NewSendMessageRequest(msg *actors.SendMessageMsg) *SendMessageRequest {
	req := &SendMessageRequest{
		Content:         msg.Content,
		Attachments:     msg.Attachments,
		ClientMessageID: idString(msg.ClientMessageID),
		Open:            NewOpenConversationRequest(msg.Open),
	}
	if msg.ReplyToID != nil {
		req.ReplyToID = msg.ReplyToID.String()
	}
	return req
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type PinMessageRequest struct {
	Pinned *bool `json:"pinned,omitempty"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds,omitempty"`
}

type ArchiveRequest struct {
	Archived *bool `json:"archived,omitempty"`
}

// HealthResponse reports liveness and uptime.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
}

// Frame is a websocket message in either direction.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Websocket frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
	FrameDirectory   = "directory"
	FrameError       = "error"
)

// ParseID parses a uuid from a request field, naming the field on failure.
func ParseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, utils.NewValidationError("invalid " + field)
	}
	return id, nil
}

// ParseOptionalID is ParseID for fields that may be empty.
func ParseOptionalID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return ParseID(field, raw)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// WriteError renders err as an ErrorResponse, mapping AppError codes to
// HTTP statuses.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *utils.AppError
	if !errors.As(err, &appErr) {
		appErr = utils.NewAppError(utils.ErrDatabase, "internal error", err)
	}
	status := utils.AppErrorToHTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "code", appErr.Code, "error", appErr)
	}
	WriteJSON(w, status, ErrorResponse{Code: appErr.Code, Message: appErr.Message})
}
