package handlers

import (
	"net/http"
	"strconv"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/utils"
)

// HandleGetThread returns a page of the thread, oldest first. The before
// query parameter (RFC 3339) pages backwards.
func (s *Server) HandleGetThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewerID, ok := viewer(w, r)
		if !ok {
			return
		}
		convID, err := pathID(r, "conversationId")
		if err != nil {
			api.WriteError(w, err)
			return
		}

		msg := &actors.GetThreadMsg{ConversationID: convID, ViewerID: viewerID}
		q := r.URL.Query()
		if raw := q.Get("limit"); raw != "" {
			if msg.Limit, err = strconv.Atoi(raw); err != nil || msg.Limit < 0 {
				api.WriteError(w, utils.NewValidationError("invalid limit"))
				return
			}
		}
		if raw := q.Get("before"); raw != "" {
			if msg.Before, err = time.Parse(time.RFC3339Nano, raw); err != nil {
				api.WriteError(w, utils.NewValidationError("invalid before"))
				return
			}
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		page, err := s.Engine.GetThread(ctx, msg)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, page)
	}
}

// HandleSendMessage appends a message to the conversation.
func (s *Server) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		senderID, ok := viewer(w, r)
		if !ok {
			return
		}
		convID, err := pathID(r, "conversationId")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req api.SendMessageRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		msg, err := req.ToMsg(convID, senderID)
		if err != nil {
			api.WriteError(w, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		sent, err := s.Engine.SendMessage(ctx, msg)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, sent)
	}
}

// HandleEditMessage replaces the content of the sender's own message.
func (s *Server) HandleEditMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := viewer(w, r)
		if !ok {
			return
		}
		messageID, err := pathID(r, "messageId")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req api.EditMessageRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		edited, err := s.Engine.EditMessage(ctx, messageID, actorID, req.Content)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, edited)
	}
}

// HandleDeleteMessage soft-deletes the sender's own message.
func (s *Server) HandleDeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := viewer(w, r)
		if !ok {
			return
		}
		messageID, err := pathID(r, "messageId")
		if err != nil {
			api.WriteError(w, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		deleted, err := s.Engine.DeleteMessage(ctx, messageID, actorID)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, deleted)
	}
}

// HandlePinMessage pins a message, or unpins it with {"pinned": false}.
func (s *Server) HandlePinMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := viewer(w, r)
		if !ok {
			return
		}
		messageID, err := pathID(r, "messageId")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req api.PinMessageRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		pinned := true
		if req.Pinned != nil {
			pinned = *req.Pinned
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		msg, err := s.Engine.PinMessage(ctx, messageID, actorID, pinned)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, msg)
	}
}

// HandleReaction toggles the viewer's emoji on a message.
func (s *Server) HandleReaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := viewer(w, r)
		if !ok {
			return
		}
		messageID, err := pathID(r, "messageId")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req api.ReactionRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		msg, err := s.Engine.AddReaction(ctx, messageID, actorID, req.Emoji)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, msg)
	}
}
