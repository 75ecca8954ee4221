package actors

import (
	"errors"
	"log/slog"
	"time"

	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
)

// maxMessageRoutes bounds the message -> conversation cache.
const maxMessageRoutes = 50000

// ConversationSupervisor routes store messages to one ConversationActor per
// conversation, spawning them on first use. It also registers new
// conversations.
type ConversationSupervisor struct {
	deps     Deps
	children map[uuid.UUID]*actor.PID
	byPID    map[string]uuid.UUID
	routes   map[uuid.UUID]uuid.UUID // message -> conversation
	logger   *slog.Logger
}

func NewConversationSupervisor(deps Deps) actor.Actor {
	deps = deps.withDefaults()
	return &ConversationSupervisor{
		deps:     deps,
		children: make(map[uuid.UUID]*actor.PID),
		byPID:    make(map[string]uuid.UUID),
		routes:   make(map[uuid.UUID]uuid.UUID),
		logger:   deps.Logger.With("component", "supervisor"),
	}
}

func (s *ConversationSupervisor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *actor.Started:
		s.logger.Info("conversation supervisor started", "pid", context.Self())

	case *actor.Terminated:
		if convID, ok := s.byPID[msg.Who.Id]; ok {
			delete(s.byPID, msg.Who.Id)
			delete(s.children, convID)
		}

	case *OpenConversationMsg:
		startTime := time.Now()
		conv, err := s.open(msg)
		s.deps.Metrics.AddOperationLatency("open_conversation", time.Since(startTime))
		if err != nil {
			context.Respond(toAppError(err))
			return
		}
		context.Respond(conv)

	case *SendMessageMsg:
		pid, err := s.child(context, msg.ConversationID)
		if utils.IsErrorCode(err, utils.ErrConversationNotFound) && msg.Open != nil {
			open := *msg.Open
			open.ConversationID = msg.ConversationID
			open.ActorID = msg.SenderID
			if _, err = s.open(&open); err == nil {
				pid, err = s.child(context, msg.ConversationID)
			}
		}
		if err != nil {
			context.Respond(toAppError(err))
			return
		}
		context.Forward(pid)

	case conversationAddressed:
		pid, err := s.child(context, msg.conversation())
		if err != nil {
			context.Respond(toAppError(err))
			return
		}
		context.Forward(pid)

	case messageAddressed:
		convID, err := s.resolve(msg.message())
		if err != nil {
			context.Respond(toAppError(err))
			return
		}
		pid, err := s.child(context, convID)
		if err != nil {
			context.Respond(toAppError(err))
			return
		}
		context.Forward(pid)
	}
}

// child returns the actor of convID, spawning it when the conversation exists.
func (s *ConversationSupervisor) child(context actor.Context, convID uuid.UUID) (*actor.PID, error) {
	if pid, ok := s.children[convID]; ok {
		return pid, nil
	}
	if convID == uuid.Nil {
		return nil, utils.NewValidationError("conversation id is required")
	}

	ctx, cancel := s.deps.persistCtx()
	defer cancel()
	conv, err := s.deps.DB.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewConversationActor(conv.Clone(), s.deps)
	})
	pid, err := context.SpawnNamed(props, "conversation-"+convID.String())
	if err != nil && !errors.Is(err, actor.ErrNameExists) {
		return nil, utils.NewAppError(utils.ErrActorNotFound, "failed to start conversation actor", err)
	}
	s.children[convID] = pid
	s.byPID[pid.Id] = convID
	return pid, nil
}

// resolve finds the conversation owning messageID. The mapping never changes
// once a message exists, so it is cached.
func (s *ConversationSupervisor) resolve(messageID uuid.UUID) (uuid.UUID, error) {
	if convID, ok := s.routes[messageID]; ok {
		return convID, nil
	}
	ctx, cancel := s.deps.persistCtx()
	defer cancel()
	msg, err := s.deps.DB.GetMessage(ctx, messageID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(s.routes) >= maxMessageRoutes {
		s.routes = make(map[uuid.UUID]uuid.UUID)
	}
	s.routes[messageID] = msg.ConversationID
	return msg.ConversationID, nil
}

// open registers a conversation or returns the existing one.
func (s *ConversationSupervisor) open(msg *OpenConversationMsg) (*models.Conversation, error) {
	if msg.ActorID == uuid.Nil {
		return nil, utils.NewUnauthorizedError("no authenticated actor")
	}

	ctx, cancel := s.deps.persistCtx()
	defer cancel()

	if msg.ConversationID != uuid.Nil {
		existing, err := s.deps.DB.GetConversation(ctx, msg.ConversationID)
		if err == nil {
			if !existing.IsMember(msg.ActorID) {
				return nil, utils.NewUnauthorizedError("not a member of this conversation")
			}
			return existing, nil
		}
		if !utils.IsErrorCode(err, utils.ErrConversationNotFound) {
			return nil, err
		}
	}

	conv, err := newConversation(msg, s.deps.Clock())
	if err != nil {
		return nil, err
	}
	if err := s.deps.DB.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation opened", "conversation_id", conv.ID, "project_id", conv.ProjectID)
	s.deps.publish(&events.Event{
		Kind:           events.ConversationOpened,
		ConversationID: conv.ID,
		ActorID:        msg.ActorID,
		Members:        conv.MemberIDs(),
		Conversation:   conv.Clone(),
		Version:        s.deps.Versions.Next(),
		At:             conv.CreatedAt,
	})
	return conv, nil
}

func newConversation(msg *OpenConversationMsg, now time.Time) (*models.Conversation, error) {
	convType := msg.Type
	if convType == "" {
		convType = models.ConversationDirect
	}
	if convType != models.ConversationDirect && convType != models.ConversationGroup {
		return nil, utils.NewValidationError("unknown conversation type")
	}
	if msg.EmployerID == uuid.Nil {
		return nil, utils.NewValidationError("employer id is required")
	}
	if convType == models.ConversationDirect {
		if msg.ParticipantID == uuid.Nil {
			return nil, utils.NewValidationError("participant id is required")
		}
		if msg.ParticipantID == msg.EmployerID {
			return nil, utils.NewValidationError("a direct conversation needs two distinct users")
		}
		if len(msg.Members) > 0 {
			return nil, utils.NewValidationError("direct conversations do not carry a member list")
		}
	}
	for _, m := range msg.Members {
		if m.UserID == uuid.Nil || !m.Role.Valid() {
			return nil, utils.NewValidationError("member entries need a user id and a valid role")
		}
	}

	id := msg.ConversationID
	if id == uuid.Nil {
		id = uuid.New()
	}
	conv := &models.Conversation{
		ID:            id,
		ProjectID:     msg.ProjectID,
		ProjectTitle:  msg.ProjectTitle,
		EmployerID:    msg.EmployerID,
		ParticipantID: msg.ParticipantID,
		Type:          convType,
		Members:       append([]models.Member{}, msg.Members...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !conv.IsMember(msg.ActorID) {
		return nil, utils.NewUnauthorizedError("cannot open a conversation you are not part of")
	}
	return conv, nil
}

// toAppError makes sure actors only ever respond with *utils.AppError.
func toAppError(err error) *utils.AppError {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return utils.NewPersistenceError("process request", err)
}
