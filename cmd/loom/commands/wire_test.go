package commands

import (
	"context"
	"testing"

	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/orchestrator"
)

type stubRole struct {
	alias string
}

func (r stubRole) Alias() string { return r.alias }

func (r stubRole) Reply(ctx context.Context, turn *orchestrator.Turn) (*memory.Post, error) {
	return nil, nil
}

func TestRolesFromConfig(t *testing.T) {
	planner := stubRole{alias: orchestrator.RolePlanner}
	interpreter := stubRole{alias: orchestrator.RoleCodeInterpreter}

	roles, err := rolesFromConfig(nil, planner, interpreter)
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 2 {
		t.Errorf("empty config must keep all roles, got %d", len(roles))
	}

	roles, err = rolesFromConfig([]string{orchestrator.RolePlanner}, planner, interpreter)
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0].Alias() != orchestrator.RolePlanner {
		t.Errorf("roles = %v", roles)
	}

	if _, err := rolesFromConfig([]string{"Ghost"}, planner, interpreter); err == nil {
		t.Error("unknown alias must be rejected")
	}
}
