package handlers

import (
	"net/http"
	"strconv"

	"portal-messaging/internal/api"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// pathID parses the {id} route variable.
func pathID(r *http.Request, field string) (uuid.UUID, error) {
	return api.ParseID(field, mux.Vars(r)["id"])
}

func boolQuery(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, utils.NewValidationError("invalid " + key)
	}
	return v, nil
}

// HandleListConversations returns the viewer's directory, most recently
// updated first.
func (s *Server) HandleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewerID, ok := viewer(w, r)
		if !ok {
			return
		}
		includeArchived, err := boolQuery(r, "archived")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		refresh, err := boolQuery(r, "refresh")
		if err != nil {
			api.WriteError(w, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		list := s.Engine.ListConversations
		if refresh {
			list = s.Engine.RefreshConversations
		}
		convs, err := list(ctx, viewerID, includeArchived)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, convs)
	}
}

// HandleOpenConversation creates a conversation, or returns the existing one
// when the id is already registered.
func (s *Server) HandleOpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := viewer(w, r)
		if !ok {
			return
		}
		var req api.OpenConversationRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		msg, err := req.ToMsg(actorID)
		if err != nil {
			api.WriteError(w, err)
			return
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		conv, err := s.Engine.OpenConversation(ctx, msg)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, conv)
	}
}

// HandleArchiveConversation sets the archived flag, true when the body omits it.
func (s *Server) HandleArchiveConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := viewer(w, r)
		if !ok {
			return
		}
		convID, err := pathID(r, "conversationId")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req api.ArchiveRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		archived := true
		if req.Archived != nil {
			archived = *req.Archived
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		conv, err := s.Engine.ArchiveConversation(ctx, convID, actorID, archived)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, conv)
	}
}

// HandleMarkRead marks messages of the conversation read by the viewer.
func (s *Server) HandleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readerID, ok := viewer(w, r)
		if !ok {
			return
		}
		convID, err := pathID(r, "conversationId")
		if err != nil {
			api.WriteError(w, err)
			return
		}
		var req api.MarkReadRequest
		if err := decode(r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		ids := make([]uuid.UUID, 0, len(req.MessageIDs))
		for _, raw := range req.MessageIDs {
			id, err := api.ParseID("messageIds", raw)
			if err != nil {
				api.WriteError(w, err)
				return
			}
			ids = append(ids, id)
		}

		ctx, cancel := s.requestContext(r)
		defer cancel()

		receipt, err := s.Engine.MarkRead(ctx, convID, readerID, ids)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, receipt)
	}
}

// HandleGetPinned lists the conversation's pinned messages.
func (s *Server) HandleGetPinned() http.HandlerFunc {
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

		ctx, cancel := s.requestContext(r)
		defer cancel()

		pinned, err := s.Engine.GetPinned(ctx, convID, viewerID)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, pinned)
	}
}
