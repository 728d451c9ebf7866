package memory

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// RoundState describes the lifecycle state of a Round.
type RoundState string

const (
	RoundCreated  RoundState = "created"
	RoundFinished RoundState = "finished"
	RoundFailed   RoundState = "failed"
)

// Round is one user query and all ensuing posts until termination.
type Round struct {
	ID        string     `json:"id" yaml:"id"`
	Index     int        `json:"index" yaml:"index"`
	UserQuery string     `json:"user_query" yaml:"user_query"`
	State     RoundState `json:"state" yaml:"state"`
	Posts     []*Post    `json:"posts" yaml:"posts"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
}

func newRound(userQuery string, index int) *Round {
	return &Round{
		ID:        "round-" + ulid.Make().String(),
		Index:     index,
		UserQuery: userQuery,
		State:     RoundCreated,
		CreatedAt: time.Now(),
	}
}

// clone returns a deep copy of the round.
func (r *Round) clone() *Round {
	c := *r
	if r.Posts != nil {
		c.Posts = make([]*Post, len(r.Posts))
		for i, p := range r.Posts {
			c.Posts[i] = p.clone()
		}
	}
	return &c
}

// Conversation is the ordered list of rounds for one session.
// Rounds are 1-indexed and contiguous; no round is ever removed.
type Conversation struct {
	Rounds []*Round `json:"rounds" yaml:"rounds"`
}

func (c *Conversation) clone() *Conversation {
	out := &Conversation{Rounds: make([]*Round, len(c.Rounds))}
	for i, r := range c.Rounds {
		out.Rounds[i] = r.clone()
	}
	return out
}
