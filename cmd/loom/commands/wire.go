package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/confirm"
	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/execclient"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/orchestrator"
)

// newProvider builds the LLM provider for a role, resolving the model from
// role config, provider config, then the global default.
func newProvider(cfg *config.Config, roleModel string) (llm.Provider, error) {
	pc := cfg.Provider["openai"]
	model := roleModel
	if model == "" {
		model = pc.Model
	}
	if model == "" {
		model = cfg.Model
	}
	return llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		Model:   model,
	})
}

// ensureExecutionServer makes sure an execution server is reachable,
// spawning one per the launcher configuration when it is not.
func ensureExecutionServer(ctx context.Context, cfg *config.Config) error {
	launcher := execclient.NewLauncher(execclient.LauncherConfig{
		URL:            cfg.ServerURL(),
		APIKey:         cfg.Execution.Server.APIKey,
		AutoStart:      cfg.Execution.Server.AutoStartEnabled(),
		Host:           cfg.Execution.Server.Host,
		Port:           cfg.Execution.Server.Port,
		Container:      cfg.Execution.Server.Container,
		ContainerImage: cfg.Execution.Server.ContainerImage,
		StartupTimeout: time.Duration(cfg.Execution.Server.StartupTimeoutSeconds) * time.Second,
	})
	return launcher.Ensure(ctx)
}

// rolesFromConfig selects the session roles named by the session.roles
// config entry. An empty list keeps the default planner/interpreter pair.
func rolesFromConfig(aliases []string, available ...orchestrator.Role) ([]orchestrator.Role, error) {
	if len(aliases) == 0 {
		return available, nil
	}
	byAlias := make(map[string]orchestrator.Role, len(available))
	for _, r := range available {
		byAlias[r.Alias()] = r
	}
	roles := make([]orchestrator.Role, 0, len(aliases))
	for _, alias := range aliases {
		r, ok := byAlias[alias]
		if !ok {
			return nil, fmt.Errorf("unknown role %q in session.roles", alias)
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// buildSession assembles one fully wired conversation: execution client,
// roles, bus, gate and optional compaction.
func buildSession(ctx context.Context, cfg *config.Config, id string) (*orchestrator.Session, *execclient.Client, error) {
	client := execclient.New(cfg.ServerURL(), cfg.Execution.Server.APIKey, id)
	if err := client.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start execution session: %w", err)
	}

	bus := event.NewBus()
	gate := confirm.NewGate(bus)

	plannerProvider, err := newProvider(cfg, cfg.Planner.Model)
	if err != nil {
		return nil, nil, err
	}
	interpProvider, err := newProvider(cfg, cfg.CodeInterpreter.Model)
	if err != nil {
		return nil, nil, err
	}

	var verifier *orchestrator.Verifier
	if len(cfg.CodeInterpreter.AllowedImports) > 0 || len(cfg.CodeInterpreter.ForbiddenImports) > 0 {
		verifier = &orchestrator.Verifier{
			AllowedImports:   cfg.CodeInterpreter.AllowedImports,
			ForbiddenImports: cfg.CodeInterpreter.ForbiddenImports,
		}
	}

	planner := orchestrator.NewPlanner(orchestrator.PlannerConfig{
		Provider:   plannerProvider,
		Bus:        bus,
		Workers:    []string{orchestrator.RoleCodeInterpreter},
		PromptPath: cfg.Planner.PromptPath,
		Model:      cfg.Planner.Model,
	})
	interpreter := orchestrator.NewCodeInterpreter(orchestrator.InterpreterConfig{
		Provider:            interpProvider,
		Bus:                 bus,
		Executor:            client,
		Gate:                gate,
		RequireConfirmation: cfg.CodeInterpreter.ConfirmationRequired(),
		MaxRetryCount:       cfg.CodeInterpreter.MaxRetryCount,
		Verifier:            verifier,
		PromptPath:          cfg.CodeInterpreter.PromptPath,
		Model:               cfg.CodeInterpreter.Model,
	})

	roles, err := rolesFromConfig(cfg.Session.Roles, planner, interpreter)
	if err != nil {
		return nil, nil, err
	}

	session := orchestrator.NewSession(id, bus, gate, roles)
	session.SetMessageBudget(cfg.Session.MaxInternalMessages)

	if cfg.Compaction.Enabled {
		summarize := func(ctx context.Context, prompt string) (string, error) {
			return llm.CompleteText(ctx, plannerProvider, &llm.Request{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			})
		}
		session.EnableCompaction(orchestrator.RolePlanner, memory.CompactorConfig{
			Enabled:            true,
			Threshold:          cfg.Compaction.Threshold,
			RetainRecent:       cfg.Compaction.RetainRecent,
			PromptTemplatePath: cfg.Planner.CompactionPromptPath,
		}, summarize)
		session.EnableCompaction(orchestrator.RoleCodeInterpreter, memory.CompactorConfig{
			Enabled:            true,
			Threshold:          cfg.Compaction.Threshold,
			RetainRecent:       cfg.Compaction.RetainRecent,
			PromptTemplatePath: cfg.CodeInterpreter.CompactionPromptPath,
		}, summarize)
	}

	return session, client, nil
}
