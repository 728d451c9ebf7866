// Package orchestrator drives the turn-based conversation loop between the
// Planner and Worker roles, routing posts through the event bus and the
// conversation store.
package orchestrator

import (
	"context"

	"github.com/loomhq/loom/internal/memory"
)

// Built-in role aliases.
const (
	RoleUser            = "User"
	RolePlanner         = "Planner"
	RoleCodeInterpreter = "CodeInterpreter"
)

// Turn carries the per-round context handed to a role.
type Turn struct {
	Memory  *memory.Memory
	RoundID string
}

// Role is one conversation participant. Reply streams its post through an
// event-bus proxy and returns the frozen post.
type Role interface {
	Alias() string
	Reply(ctx context.Context, turn *Turn) (*memory.Post, error)
}
