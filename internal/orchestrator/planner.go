package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
)

// PlannerConfig wires the Planner role.
type PlannerConfig struct {
	Provider llm.Provider
	Bus      *event.Bus
	// Workers are the role aliases the planner may dispatch to.
	Workers    []string
	PromptPath string
	Model      string
}

// Planner reads the conversation, decides the next step, and routes its post
// to a worker or back to the user.
type Planner struct {
	provider llm.Provider
	bus      *event.Bus
	workers  []string
	prompt   string
	model    string
}

// NewPlanner creates the planner role.
func NewPlanner(cfg PlannerConfig) *Planner {
	prompt := loadPrompt(cfg.PromptPath, defaultPlannerPrompt)
	prompt = strings.ReplaceAll(prompt, "{workers}", strings.Join(cfg.Workers, ", "))
	return &Planner{
		provider: cfg.Provider,
		bus:      cfg.Bus,
		workers:  cfg.Workers,
		prompt:   prompt,
		model:    cfg.Model,
	}
}

// Alias returns the planner's role alias.
func (p *Planner) Alias() string { return RolePlanner }

type plannerReply struct {
	Thought string `json:"thought"`
	Message string `json:"message"`
	SendTo  string `json:"send_to"`
}

// Reply assembles the planner prompt, splicing the compaction summary before
// the uncompacted tail, invokes the LLM, and streams the parsed response
// through a post proxy.
func (p *Planner) Reply(ctx context.Context, turn *Turn) (*memory.Post, error) {
	rounds, compacted, err := turn.Memory.GetRoleRoundsWithCompaction(RolePlanner, false)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: p.prompt}}
	if compacted != nil {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: compacted.FormatSystemMessage()})
	}
	for _, r := range rounds {
		if compacted != nil && r.Index <= compacted.EndIndex {
			continue
		}
		for _, post := range r.Posts {
			role := llm.RoleUser
			if post.SendFrom == RolePlanner {
				role = llm.RoleAssistant
			}
			messages = append(messages, llm.Message{
				Role:    role,
				Content: fmt.Sprintf("[%s -> %s] %s", post.SendFrom, post.SendTo, post.Message),
			})
		}
	}

	text, err := llm.CompleteText(ctx, p.provider, &llm.Request{
		Model:    p.model,
		Messages: messages,
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}

	var reply plannerReply
	if err := parseJSONReply(text, &reply); err != nil {
		return nil, fmt.Errorf("planner returned unparseable response: %w", err)
	}
	if err := p.validateRecipient(reply.SendTo); err != nil {
		return nil, err
	}

	proxy := p.bus.NewPostProxy(turn.RoundID, RolePlanner)
	if reply.Thought != "" {
		proxy.Attach(memory.KindThought, reply.Thought)
	}
	proxy.UpdateMessage(reply.Message, true)
	proxy.UpdateSendTo(reply.SendTo)
	if err := proxy.End(nil); err != nil {
		return nil, err
	}
	return proxy.Post(), nil
}

func (p *Planner) validateRecipient(sendTo string) error {
	if sendTo == RoleUser {
		return nil
	}
	for _, w := range p.workers {
		if sendTo == w {
			return nil
		}
	}
	return fmt.Errorf("planner addressed unknown recipient %q", sendTo)
}
