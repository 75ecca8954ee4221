package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"portal-messaging/internal/client"
	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/models"
	"portal-messaging/internal/thread"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
)

type SimConfig struct {
	NumEmployers     int
	NumParticipants  int
	SimulationTime   time.Duration
	MessageFrequency float64 // messages per user per hour
	ReactionRate     float64 // chance per tick that a connected user reacts
	PinRate          float64
	EditRate         float64
	DeleteRate       float64
	ReadRate         float64
	DisconnectRate   float64
	ReconnectRate    float64
	ZipfS            float64
	EngineURL        string
	Logger           *slog.Logger
}

// DefaultSimConfig is a small run against a local server.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		NumEmployers:     3,
		NumParticipants:  10,
		SimulationTime:   5 * time.Minute,
		MessageFrequency: 120,
		ReactionRate:     0.05,
		PinRate:          0.01,
		EditRate:         0.02,
		DeleteRate:       0.01,
		ReadRate:         0.2,
		DisconnectRate:   0.01,
		ReconnectRate:    0.05,
		ZipfS:            1.07,
		EngineURL:        "http://localhost:8080",
	}
}

type SimulationStats struct {
	mu               sync.RWMutex
	StartTime        time.Time
	TotalRequests    int64
	SuccessRequests  int64
	FailedRequests   int64
	AverageLatency   time.Duration
	ActiveUsers      int
	TotalMessages    int
	FailedSends      int
	TotalReactions   int
	TotalPins        int
	TotalEdits       int
	TotalDeletes     int
	TotalReads       int
	RequestLatencies []time.Duration
}

// SimulatedUser is one portal account with its own token and thread views.
type SimulatedUser struct {
	ID            uuid.UUID
	Role          models.SenderRole
	Client        *client.Client
	IsConnected   bool
	Conversations []uuid.UUID
	Threads       map[uuid.UUID]*thread.Model
	Sent          []uuid.UUID // persisted ids of this user's messages
}

type EnhancedSimulator struct {
	config SimConfig
	stats  *SimulationStats
	users  []*SimulatedUser
	base   *client.Client
	logger *slog.Logger
	mu     sync.RWMutex
}

func NewEnhancedSimulator(config SimConfig) *EnhancedSimulator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EnhancedSimulator{
		config: config,
		stats: &SimulationStats{
			StartTime:        time.Now(),
			RequestLatencies: make([]time.Duration, 0),
		},
		base:   client.New(config.EngineURL, "", nil),
		logger: logger.With("component", "simulator"),
	}
}

func (s *EnhancedSimulator) Run(ctx context.Context) error {
	s.logger.Info("starting simulation")

	if err := s.initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SimulateActivities(ctx)
	}()

	// Simulate connection states
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateConnectivity(ctx)
	}()

	// Collect metrics
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.collectMetrics(ctx)
	}()

	wg.Wait()

	// Let optimistic sends still in flight resolve before reporting.
	s.mu.RLock()
	for _, user := range s.users {
		for _, m := range user.Threads {
			m.Wait()
			m.Close()
		}
	}
	s.mu.RUnlock()
	return nil
}

func (s *EnhancedSimulator) initialize(ctx context.Context) error {
	s.logger.Info("creating users", "employers", s.config.NumEmployers, "participants", s.config.NumParticipants)
	employers, err := s.createUsers(ctx, s.config.NumEmployers, models.RoleEmployer)
	if err != nil {
		return err
	}
	participants, err := s.createUsers(ctx, s.config.NumParticipants, models.RoleParticipant)
	if err != nil {
		return err
	}
	s.users = append(employers, participants...)

	s.logger.Info("opening conversations")
	return s.openConversations(ctx, employers, participants)
}

func (s *EnhancedSimulator) createUsers(ctx context.Context, n int, role models.SenderRole) ([]*SimulatedUser, error) {
	users := make([]*SimulatedUser, 0, n)
	for i := 0; i < n; i++ {
		err := s.withRetry(ctx, func() error {
			resp, err := s.base.DevToken(ctx, uuid.Nil)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(resp.UserID)
			if err != nil {
				return err
			}
			users = append(users, &SimulatedUser{
				ID:          id,
				Role:        role,
				Client:      s.base.WithToken(resp.Token),
				IsConnected: true,
				Threads:     make(map[uuid.UUID]*thread.Model),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", role, err)
		}
	}
	s.stats.mu.Lock()
	s.stats.ActiveUsers += n
	s.stats.mu.Unlock()
	return users, nil
}

// openConversations gives each participant a direct conversation with
// employers picked by Zipf popularity, so a few employers get most of the
// traffic.
func (s *EnhancedSimulator) openConversations(ctx context.Context, employers, participants []*SimulatedUser) error {
	if len(employers) == 0 {
		return nil
	}
	for _, p := range participants {
		picked := map[int]bool{}
		num := s.getZipfNumber(len(employers))
		for tries := 0; len(picked) < num && tries < 10*num; tries++ {
			picked[s.getZipfNumber(len(employers))-1] = true
		}
		for idx := range picked {
			employer := employers[idx]
			var conv *models.Conversation
			err := s.timed(func() error {
				var err error
				conv, err = p.Client.OpenConversation(ctx, &actors.OpenConversationMsg{
					ProjectID:     uuid.New(),
					ProjectTitle:  fmt.Sprintf("Project %d", rand.Intn(1000)),
					EmployerID:    employer.ID,
					ParticipantID: p.ID,
					Type:          models.ConversationDirect,
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to open conversation: %w", err)
			}
			s.attach(p, conv.ID)
			s.attach(employer, conv.ID)
		}
	}
	return nil
}

// attach gives user a thread view of the conversation.
func (s *EnhancedSimulator) attach(user *SimulatedUser, conversationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := user.Threads[conversationID]; ok {
		return
	}
	user.Conversations = append(user.Conversations, conversationID)
	user.Threads[conversationID] = thread.New(conversationID, user.ID, user.Client)
}

func (s *EnhancedSimulator) getZipfNumber(max int) int {
	if max <= 1 {
		return 1
	}
	zipf := rand.NewZipf(rand.New(rand.NewSource(time.Now().UnixNano())),
		s.config.ZipfS, 1, uint64(max-1))
	return int(zipf.Uint64()) + 1
}

// withRetry retries fn with exponential backoff on retryable failures.
func (s *EnhancedSimulator) withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	var err error
	for retries := 0; retries <= maxRetries; retries++ {
		if err = s.timed(fn); err == nil {
			return nil
		}
		if utils.ErrorCode(err) != "" && !utils.IsRetryable(err) {
			return err
		}
		backoffDuration := time.Duration(math.Pow(2, float64(retries))) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration):
		}
	}
	return err
}

// timed runs fn and records it as one request.
func (s *EnhancedSimulator) timed(fn func() error) error {
	start := time.Now()
	err := fn()
	s.recordRequestMetrics(start, err)
	return err
}

func (s *EnhancedSimulator) simulateConnectivity(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			active := 0
			for _, user := range s.users {
				if user.IsConnected {
					if rand.Float64() < s.config.DisconnectRate {
						user.IsConnected = false
					}
				} else if rand.Float64() < s.config.ReconnectRate {
					user.IsConnected = true
				}
				if user.IsConnected {
					active++
				}
			}
			s.mu.Unlock()

			s.stats.mu.Lock()
			s.stats.ActiveUsers = active
			s.stats.mu.Unlock()
		}
	}
}

func (s *EnhancedSimulator) recordRequestMetrics(start time.Time, err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	latency := time.Since(start)
	s.stats.TotalRequests++
	s.stats.RequestLatencies = append(s.stats.RequestLatencies, latency)

	if err != nil {
		s.stats.FailedRequests++
	} else {
		s.stats.SuccessRequests++
	}

	totalLatency := s.stats.AverageLatency * time.Duration(s.stats.TotalRequests-1)
	s.stats.AverageLatency = (totalLatency + latency) / time.Duration(s.stats.TotalRequests)
}

func (s *EnhancedSimulator) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.GetMetrics()
			s.logger.Info("simulation metrics",
				"elapsed", time.Since(s.stats.StartTime).Round(time.Second),
				"req_per_sec", fmt.Sprintf("%.2f", m.RequestsPerSecond),
				"avg_latency", m.AverageLatency,
				"p95_latency", m.P95Latency,
				"active_users", fmt.Sprintf("%d/%d", m.ActiveUsers, m.TotalUsers),
				"messages", m.TotalMessages,
				"failed_sends", m.FailedSends,
				"reactions", m.TotalReactions,
				"errors", m.ErrorCount,
			)
		}
	}
}

// SimulationMetrics holds the metrics of the simulation
type SimulationMetrics struct {
	TotalUsers        int
	ActiveUsers       int
	TotalMessages     int
	FailedSends       int
	TotalReactions    int
	TotalPins         int
	TotalEdits        int
	TotalDeletes      int
	TotalReads        int
	AverageLatency    time.Duration
	P95Latency        time.Duration
	ErrorCount        int
	RequestsPerSecond float64
}

// GetMetrics returns the current simulation metrics
func (s *EnhancedSimulator) GetMetrics() SimulationMetrics {
	s.mu.RLock()
	totalUsers := len(s.users)
	s.mu.RUnlock()

	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()

	elapsed := time.Since(s.stats.StartTime)
	requestRate := float64(s.stats.TotalRequests) / elapsed.Seconds()

	return SimulationMetrics{
		TotalUsers:        totalUsers,
		ActiveUsers:       s.stats.ActiveUsers,
		TotalMessages:     s.stats.TotalMessages,
		FailedSends:       s.stats.FailedSends,
		TotalReactions:    s.stats.TotalReactions,
		TotalPins:         s.stats.TotalPins,
		TotalEdits:        s.stats.TotalEdits,
		TotalDeletes:      s.stats.TotalDeletes,
		TotalReads:        s.stats.TotalReads,
		AverageLatency:    s.stats.AverageLatency,
		P95Latency:        percentile(s.stats.RequestLatencies, 0.95),
		ErrorCount:        int(s.stats.FailedRequests),
		RequestsPerSecond: requestRate,
	}
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
