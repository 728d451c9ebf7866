// Package memory holds the conversation data model: rounds, posts,
// attachments, shared memory entries, and the per-role compaction engine.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownRole is returned when a role alias is not registered.
	ErrUnknownRole = errors.New("unknown role")
	// ErrRoundNotFound is returned for a missing round id.
	ErrRoundNotFound = errors.New("round not found")
)

// Memory stores the full conversation of one session. All mutating
// operations are serialized; readers receive deep-copied snapshots.
type Memory struct {
	sessionID string

	mu           sync.Mutex
	conversation *Conversation
	roles        map[string]bool
	onRoundAdded []func(total int)
	compactors   map[string]*Compactor
}

// New creates an empty Memory for the given session.
func New(sessionID string) *Memory {
	m := &Memory{
		sessionID:    sessionID,
		conversation: &Conversation{},
		roles:        map[string]bool{RoleUser: true, RoleUnknown: true},
		compactors:   make(map[string]*Compactor),
	}
	return m
}

// SessionID returns the owning session id.
func (m *Memory) SessionID() string {
	return m.sessionID
}

// RegisterRole records a role alias as known to this session.
func (m *Memory) RegisterRole(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[alias] = true
}

// KnownRole reports whether the alias is registered.
func (m *Memory) KnownRole(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[alias]
}

// CreateRound appends a new round holding the user query and notifies
// round-added callbacks. The returned round is a snapshot copy.
func (m *Memory) CreateRound(userQuery string) *Round {
	m.mu.Lock()
	r := newRound(userQuery, len(m.conversation.Rounds)+1)
	m.conversation.Rounds = append(m.conversation.Rounds, r)
	total := len(m.conversation.Rounds)
	callbacks := append([]func(int){}, m.onRoundAdded...)
	snapshot := r.clone()
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(total)
	}
	return snapshot
}

// AppendPost adds a post to the identified round in emission order.
func (m *Memory) AppendPost(roundID string, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roles[post.SendFrom] || !m.roles[post.SendTo] {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownRole, post.SendFrom, post.SendTo)
	}
	r := m.findRound(roundID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	r.Posts = append(r.Posts, post.clone())
	return nil
}

// SetRoundState transitions a round's state. Transitions are monotonic:
// a finished or failed round never goes back to created.
func (m *Memory) SetRoundState(roundID string, state RoundState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findRound(roundID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	if r.State != RoundCreated && state == RoundCreated {
		return nil
	}
	r.State = state
	return nil
}

// RoundCount returns the number of rounds.
func (m *Memory) RoundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversation.Rounds)
}

// Snapshot returns a deep copy of the whole conversation.
func (m *Memory) Snapshot() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversation.clone()
}

// OnRoundAdded registers a callback invoked (outside the lock) whenever a
// round is created, receiving the new total round count.
func (m *Memory) OnRoundAdded(cb func(total int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRoundAdded = append(m.onRoundAdded, cb)
}

// GetRoleRounds returns the rounds involving role as sender or receiver.
// Failed rounds are excluded unless includeFailures is set. Each returned
// round carries only the posts visible to the role.
func (m *Memory) GetRoleRounds(role string, includeFailures bool) ([]*Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roles[role] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	var out []*Round
	for _, r := range m.conversation.Rounds {
		if r.State == RoundFailed && !includeFailures {
			continue
		}
		rc := &Round{
			ID:        r.ID,
			Index:     r.Index,
			UserQuery: r.UserQuery,
			State:     r.State,
			CreatedAt: r.CreatedAt,
		}
		for _, p := range r.Posts {
			if p.SendFrom == role || p.SendTo == role {
				rc.Posts = append(rc.Posts, p.clone())
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

// GetRoleRoundsWithCompaction returns the role's rounds along with the
// role's current compaction summary, if a compactor is registered.
func (m *Memory) GetRoleRoundsWithCompaction(role string, includeFailures bool) ([]*Round, *CompactedMessage, error) {
	rounds, err := m.GetRoleRounds(role, includeFailures)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	c := m.compactors[role]
	m.mu.Unlock()
	if c == nil {
		return rounds, nil, nil
	}
	return rounds, c.Compaction(), nil
}

// RegisterCompactor attaches a compactor to the given role. The compactor's
// rounds getter is bound to this memory and round-added notifications are
// forwarded to it.
func (m *Memory) RegisterCompactor(role string, c *Compactor) {
	m.mu.Lock()
	if _, ok := m.compactors[role]; ok {
		m.mu.Unlock()
		return
	}
	m.compactors[role] = c
	m.mu.Unlock()

	c.bind(func() []*Round {
		rounds, err := m.GetRoleRounds(role, false)
		if err != nil {
			return nil
		}
		return rounds
	})
	m.OnRoundAdded(c.NotifyRoundsChanged)
}

// Compactor returns the compactor registered for role, or nil.
func (m *Memory) Compactor(role string) *Compactor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compactors[role]
}

// GetSharedMemoryEntries collects shared memory entries of the given type.
// Conversation-scoped entries are visible from any round; round-scoped
// entries only from the latest round. When one role wrote multiple entries,
// the last one wins, and results keep write order.
func (m *Memory) GetSharedMemoryEntries(entryType string) []SharedMemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	type ordered struct {
		entry SharedMemoryEntry
		at    int
	}
	byRole := make(map[string]ordered)
	orderAt := 0

	rounds := m.conversation.Rounds
	for i, r := range rounds {
		isLast := i == len(rounds)-1
		for _, p := range r.Posts {
			for _, a := range p.Attachments {
				entry, ok := entryFromAttachment(a)
				if !ok || entry.Type != entryType {
					continue
				}
				if entry.Scope == ScopeConversation || isLast {
					byRole[p.SendFrom] = ordered{entry: entry, at: orderAt}
					orderAt++
				}
			}
		}
	}

	out := make([]SharedMemoryEntry, 0, len(byRole))
	slots := make([]ordered, 0, len(byRole))
	for _, o := range byRole {
		slots = append(slots, o)
	}
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1].at > slots[j].at; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
	for _, o := range slots {
		out = append(out, o.entry)
	}
	return out
}

// SaveExperience writes the conversation to raw_exp_<session>.yaml under dir.
// In thin mode only plan attachments are kept.
func (m *Memory) SaveExperience(dir string, thin bool) error {
	conv := m.Snapshot()
	if thin {
		for _, r := range conv.Rounds {
			for _, p := range r.Posts {
				kept := p.Attachments[:0]
				for _, a := range p.Attachments {
					if a.Kind == KindPlan {
						kept = append(kept, a)
					}
				}
				p.Attachments = kept
			}
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create experience dir: %w", err)
	}
	data, err := yaml.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("raw_exp_%s.yaml", m.sessionID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write experience file: %w", err)
	}
	return nil
}

// findRound must be called with the lock held.
func (m *Memory) findRound(roundID string) *Round {
	for _, r := range m.conversation.Rounds {
		if r.ID == roundID {
			return r
		}
	}
	return nil
}
