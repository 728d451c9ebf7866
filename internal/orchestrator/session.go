package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/confirm"
	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/memory"
)

var (
	// ErrTurnInFlight rejects a message while a turn is being processed.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrSessionStopped rejects messages after Stop.
	ErrSessionStopped = errors.New("session stopped")
)

// defaultMaxInternalMessages bounds planner/worker exchanges within one round
// unless overridden through SetMessageBudget.
const defaultMaxInternalMessages = 10

// Session drives one conversation: it owns the conversation store, routes
// posts between roles, and manages round lifecycle events.
type Session struct {
	id          string
	mem         *memory.Memory
	bus         *event.Bus
	gate        *confirm.Gate
	roles       map[string]Role
	maxInternal int

	mu       sync.Mutex
	inFlight bool
	stopped  bool
}

// NewSession creates a session with the given roles. Role aliases are
// registered with the conversation store; User is always known.
func NewSession(id string, bus *event.Bus, gate *confirm.Gate, roles []Role) *Session {
	mem := memory.New(id)
	byAlias := make(map[string]Role, len(roles))
	for _, r := range roles {
		byAlias[r.Alias()] = r
		mem.RegisterRole(r.Alias())
	}
	return &Session{
		id:          id,
		mem:         mem,
		bus:         bus,
		gate:        gate,
		roles:       byAlias,
		maxInternal: defaultMaxInternalMessages,
	}
}

// SetMessageBudget overrides the per-round bound on internal planner/worker
// exchanges. Values below one are ignored.
func (s *Session) SetMessageBudget(n int) {
	if n > 0 {
		s.maxInternal = n
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Memory exposes the conversation store.
func (s *Session) Memory() *memory.Memory { return s.mem }

// Bus exposes the session event bus.
func (s *Session) Bus() *event.Bus { return s.bus }

// Gate exposes the confirmation gate.
func (s *Session) Gate() *confirm.Gate { return s.gate }

// Busy reports whether a turn is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// EnableCompaction attaches a started compactor to a role.
func (s *Session) EnableCompaction(role string, cfg memory.CompactorConfig, summarize memory.Summarize) {
	c := memory.NewCompactor(role, cfg, summarize)
	s.mem.RegisterCompactor(role, c)
	c.Start()
}

// SendMessage runs one conversation turn: it appends a round, drives the
// Planner/Worker loop until a post addresses the User or carries a stop
// attachment, and finishes or fails the round accordingly.
func (s *Session) SendMessage(ctx context.Context, text string) (*memory.Round, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	round := s.mem.CreateRound(text)
	s.bus.Emit(event.Event{Type: event.RoundStart, SessionID: s.id, RoundID: round.ID})

	userPost := memory.NewPost(RoleUser)
	userPost.Message = text
	userPost.SendTo = RolePlanner
	if err := s.mem.AppendPost(round.ID, userPost); err != nil {
		return nil, s.failRound(round.ID, err)
	}

	current := RolePlanner
	for i := 0; i < s.maxInternal; i++ {
		role, ok := s.roles[current]
		if !ok {
			return nil, s.failRound(round.ID, fmt.Errorf("%w: %s", memory.ErrUnknownRole, current))
		}

		post, err := role.Reply(ctx, &Turn{Memory: s.mem, RoundID: round.ID})
		if err != nil {
			return nil, s.failRound(round.ID, err)
		}
		if err := s.mem.AppendPost(round.ID, post); err != nil {
			return nil, s.failRound(round.ID, err)
		}

		if post.SendTo == RoleUser || len(post.AttachmentsOfKind(memory.KindStop)) > 0 {
			s.mem.SetRoundState(round.ID, memory.RoundFinished)
			s.bus.Emit(event.Event{Type: event.RoundEnd, SessionID: s.id, RoundID: round.ID})
			return s.roundSnapshot(round.ID), nil
		}
		current = post.SendTo
	}

	return nil, s.failRound(round.ID, fmt.Errorf("round exceeded %d internal messages", s.maxInternal))
}

// failRound marks the round failed and emits round_error then round_end.
func (s *Session) failRound(roundID string, cause error) error {
	s.mem.SetRoundState(roundID, memory.RoundFailed)
	s.bus.Emit(event.Event{
		Type:      event.RoundError,
		SessionID: s.id,
		RoundID:   roundID,
		Message:   cause.Error(),
	})
	s.bus.Emit(event.Event{Type: event.RoundEnd, SessionID: s.id, RoundID: roundID})
	return cause
}

func (s *Session) roundSnapshot(roundID string) *memory.Round {
	for _, r := range s.mem.Snapshot().Rounds {
		if r.ID == roundID {
			return r
		}
	}
	return nil
}

// Stop tears the session down: outstanding confirmations resolve to
// cancelled and compactor workers are joined with a bounded timeout.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.Cancel()
	}
	for alias := range s.roles {
		if c := s.mem.Compactor(alias); c != nil {
			c.Stop(2 * time.Second)
		}
	}
	s.bus.Emit(event.Event{Type: event.SessionEnd, SessionID: s.id})
}
