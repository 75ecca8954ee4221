package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/thread"

	"github.com/google/uuid"
)

const tickInterval = 500 * time.Millisecond

var reactionEmoji = []string{"👍", "🎉", "❤️", "👀", "✅"}

var sampleLines = []string{
	"Thanks for applying, when are you available for a call?",
	"I can start next Monday.",
	"Could you share your portfolio?",
	"Attached the brief for the first milestone.",
	"Sounds good, talk soon.",
	"Is the budget flexible?",
	"I pushed the first draft, let me know what you think.",
}

// SimulateActivities runs a worker pool that lets every connected user act
// once per tick until ctx is done.
func (s *EnhancedSimulator) SimulateActivities(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	const numWorkers = 5
	jobs := make(chan *SimulatedUser, len(s.users))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range jobs {
				s.act(ctx, user)
			}
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			users := append([]*SimulatedUser(nil), s.users...)
			s.mu.RUnlock()
			for _, user := range users {
				select {
				case jobs <- user:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// act settles earlier failed sends, then performs at most one of each
// activity for user in a random conversation.
func (s *EnhancedSimulator) act(ctx context.Context, user *SimulatedUser) {
	s.mu.RLock()
	connected := user.IsConnected
	var convID uuid.UUID
	var model *thread.Model
	if n := len(user.Conversations); n > 0 {
		convID = user.Conversations[rand.Intn(n)]
		model = user.Threads[convID]
	}
	s.mu.RUnlock()
	if !connected || model == nil {
		return
	}

	s.settleFailures(model)

	perTick := s.config.MessageFrequency / 3600.0 * tickInterval.Seconds()
	if rand.Float64() < perTick {
		s.sendMessage(user, model)
	}
	if rand.Float64() < s.config.ReadRate {
		s.readThread(ctx, user, model)
	}
	if rand.Float64() < s.config.ReactionRate {
		if target := pick(model, anyItem); target != nil {
			s.react(ctx, user, model, target)
		}
	}
	if rand.Float64() < s.config.PinRate {
		if target := pick(model, anyItem); target != nil {
			s.pin(ctx, user, model, target)
		}
	}
	own := func(it thread.Item) bool { return it.Message.SenderID == user.ID }
	if rand.Float64() < s.config.EditRate {
		if target := pick(model, own); target != nil {
			s.edit(ctx, user, model, target)
		}
	}
	if rand.Float64() < s.config.DeleteRate {
		if target := pick(model, own); target != nil {
			s.delete(ctx, user, model, target)
		}
	}
}

// applyResult folds the reply of a mutation into the user's own view, the
// way the realtime stream would.
func applyResult(model *thread.Model, kind events.Kind, actorID uuid.UUID, msg *models.Message) {
	model.Apply(&events.Event{
		Kind:           kind,
		ConversationID: msg.ConversationID,
		ActorID:        actorID,
		Message:        msg,
		At:             time.Now().UTC(),
	})
}

func anyItem(thread.Item) bool { return true }

// pick returns a random persisted message matching keep.
func pick(model *thread.Model, keep func(thread.Item) bool) *models.Message {
	var candidates []*models.Message
	for _, it := range model.Items() {
		if !it.Local && keep(it) {
			candidates = append(candidates, it.Message)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func (s *EnhancedSimulator) sendMessage(user *SimulatedUser, model *thread.Model) {
	content := sampleLines[rand.Intn(len(sampleLines))]
	opts := thread.SendOptions{}
	if rand.Float64() < 0.1 {
		if target := pick(model, anyItem); target != nil {
			id := target.ID
			opts.ReplyToID = &id
		}
	}
	if rand.Float64() < 0.05 {
		opts.Attachments = []models.Attachment{{
			Name:     "brief.pdf",
			URL:      fmt.Sprintf("https://files.example.com/%s/brief.pdf", uuid.NewString()),
			MimeType: "application/pdf",
		}}
	}
	if _, err := model.Send(content, opts); err != nil {
		s.logger.Warn("send rejected", "user", user.ID, "error", err)
		return
	}
	s.stats.mu.Lock()
	s.stats.TotalMessages++
	s.stats.mu.Unlock()
}

// settleFailures retries failed sends once a retryable error is seen and
// discards the rest.
func (s *EnhancedSimulator) settleFailures(model *thread.Model) {
	errs := model.TakeErrors()
	if len(errs) == 0 {
		return
	}
	s.stats.mu.Lock()
	s.stats.FailedSends += len(errs)
	s.stats.mu.Unlock()

	for _, it := range model.Items() {
		if !it.Local || it.Message.Status != models.StatusFailed {
			continue
		}
		if rand.Float64() < 0.5 {
			model.Retry(it.Message.ID)
		} else {
			model.Discard(it.Message.ID)
		}
	}
}

func (s *EnhancedSimulator) readThread(ctx context.Context, user *SimulatedUser, model *thread.Model) {
	if err := s.timed(func() error { return model.Load(ctx, 50) }); err != nil {
		return
	}
	err := s.timed(func() error {
		_, err := user.Client.MarkRead(ctx, model.ConversationID(), nil)
		return err
	})
	if err == nil {
		s.stats.mu.Lock()
		s.stats.TotalReads++
		s.stats.mu.Unlock()
	}
}

func (s *EnhancedSimulator) react(ctx context.Context, user *SimulatedUser, model *thread.Model, target *models.Message) {
	emoji := reactionEmoji[rand.Intn(len(reactionEmoji))]
	var updated *models.Message
	err := s.timed(func() error {
		var err error
		updated, err = user.Client.AddReaction(ctx, target.ID, emoji)
		return err
	})
	if err == nil {
		applyResult(model, events.ReactionChanged, user.ID, updated)
		s.stats.mu.Lock()
		s.stats.TotalReactions++
		s.stats.mu.Unlock()
	}
}

func (s *EnhancedSimulator) pin(ctx context.Context, user *SimulatedUser, model *thread.Model, target *models.Message) {
	var updated *models.Message
	err := s.timed(func() error {
		var err error
		updated, err = user.Client.PinMessage(ctx, target.ID, !target.Pinned)
		return err
	})
	if err == nil {
		applyResult(model, events.MessagePinned, user.ID, updated)
		s.stats.mu.Lock()
		s.stats.TotalPins++
		s.stats.mu.Unlock()
	}
}

func (s *EnhancedSimulator) edit(ctx context.Context, user *SimulatedUser, model *thread.Model, target *models.Message) {
	var updated *models.Message
	err := s.timed(func() error {
		var err error
		updated, err = user.Client.EditMessage(ctx, target.ID, target.Content+" (edited)")
		return err
	})
	if err == nil {
		applyResult(model, events.MessageEdited, user.ID, updated)
		s.stats.mu.Lock()
		s.stats.TotalEdits++
		s.stats.mu.Unlock()
	}
}

func (s *EnhancedSimulator) delete(ctx context.Context, user *SimulatedUser, model *thread.Model, target *models.Message) {
	var updated *models.Message
	err := s.timed(func() error {
		var err error
		updated, err = user.Client.DeleteMessage(ctx, target.ID)
		return err
	})
	if err == nil {
		applyResult(model, events.MessageDeleted, user.ID, updated)
		s.stats.mu.Lock()
		s.stats.TotalDeletes++
		s.stats.mu.Unlock()
	}
}
