package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/logging"
)

// CompactedMessage is the single summarization artifact of a (session, role)
// pair. Updates replace the prior value; EndIndex never decreases.
type CompactedMessage struct {
	StartIndex int    `json:"start_index" yaml:"start_index"`
	EndIndex   int    `json:"end_index" yaml:"end_index"`
	Summary    string `json:"summary" yaml:"summary"`
}

// FormatSystemMessage renders the compaction for inclusion in a prompt.
func (c *CompactedMessage) FormatSystemMessage() string {
	return fmt.Sprintf("[Conversation History Summary (Rounds %d-%d)]\n%s", c.StartIndex, c.EndIndex, c.Summary)
}

// Summarize produces a summary for the assembled compaction prompt. It may
// block on network calls; the compactor invokes it off the orchestrator
// thread.
type Summarize func(ctx context.Context, prompt string) (string, error)

// CompactorConfig controls background compaction behavior.
type CompactorConfig struct {
	// Threshold is the uncompacted round count that triggers a cycle.
	Threshold int
	// RetainRecent is the number of recent rounds excluded from compaction.
	RetainRecent int
	// PromptTemplatePath points to a YAML file with a "content" key holding
	// the prompt template. Empty selects the built-in template.
	PromptTemplatePath string
	// Enabled toggles the whole engine.
	Enabled bool
}

// DefaultCompactorConfig returns the default configuration.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		Threshold:    10,
		RetainRecent: 3,
		Enabled:      true,
	}
}

const defaultPromptTemplate = `Summarize the following conversation history concisely.
Focus on: key decisions made, important information exchanged, and current state.
Preserve any critical details that would be needed to continue the conversation.

## Previous summary
{PREVIOUS_SUMMARY}

## Conversation to summarize
{content}

Provide a clear, structured summary:`

// maxPostPreview bounds how much of each post message enters the
// summarization input.
const maxPostPreview = 1024

// Compactor summarizes older conversation rounds for one role in a
// background worker, leaving the raw history untouched.
type Compactor struct {
	config    CompactorConfig
	summarize Summarize
	role      string
	template  string

	mu         sync.Mutex
	compacted  *CompactedMessage
	compacting bool
	getter     func() []*Round

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewCompactor creates a compactor for the given role. Call Start to launch
// the worker; the rounds getter is bound by Memory.RegisterCompactor.
func NewCompactor(role string, cfg CompactorConfig, summarize Summarize) *Compactor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.RetainRecent < 0 {
		cfg.RetainRecent = 0
	}
	return &Compactor{
		config:    cfg,
		summarize: summarize,
		role:      role,
		template:  loadPromptTemplate(cfg.PromptTemplatePath),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func loadPromptTemplate(path string) string {
	if path == "" {
		return defaultPromptTemplate
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn().Str("path", path).Err(err).Msg("compaction prompt template not readable, using default")
		return defaultPromptTemplate
	}
	var doc struct {
		Content string `yaml:"content"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || doc.Content == "" {
		logging.Warn().Str("path", path).Msg("compaction prompt template malformed, using default")
		return defaultPromptTemplate
	}
	return doc.Content
}

func (c *Compactor) bind(getter func() []*Round) {
	c.mu.Lock()
	c.getter = getter
	c.mu.Unlock()
}

// Start launches the background worker. Safe to call once.
func (c *Compactor) Start() {
	c.mu.Lock()
	if c.started || !c.config.Enabled {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.workerLoop()
	logging.Debug().Str("role", c.role).Msg("compactor worker started")
}

// Stop shuts the worker down, waiting up to the given timeout for the
// in-flight cycle to finish.
func (c *Compactor) Stop(timeout time.Duration) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stop)
	select {
	case <-c.done:
	case <-time.After(timeout):
		logging.Warn().Str("role", c.role).Msg("compactor worker did not stop in time")
	}
}

// Compaction returns the current compacted message, or nil.
func (c *Compactor) Compaction() *CompactedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compacted == nil {
		return nil
	}
	cp := *c.compacted
	return &cp
}

// NotifyRoundsChanged signals the worker when enough uncompacted rounds have
// accumulated. Non-blocking.
func (c *Compactor) NotifyRoundsChanged(total int) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	end := 0
	if c.compacted != nil {
		end = c.compacted.EndIndex
	}
	busy := c.compacting
	c.mu.Unlock()

	if total-end > c.config.Threshold && !busy {
		select {
		case c.trigger <- struct{}{}:
		default:
		}
	}
}

func (c *Compactor) workerLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.trigger:
		}
		select {
		case <-c.stop:
			return
		default:
		}
		c.runCycle()
	}
}

func (c *Compactor) runCycle() {
	c.mu.Lock()
	if c.compacting || c.getter == nil {
		c.mu.Unlock()
		return
	}
	c.compacting = true
	getter := c.getter
	prev := c.compacted
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.compacting = false
		c.mu.Unlock()
	}()

	rounds := getter()
	total := len(rounds)
	if total == 0 {
		return
	}

	prevEnd := 0
	prevSummary := "None"
	if prev != nil {
		prevEnd = prev.EndIndex
		prevSummary = prev.Summary
	}

	newEnd := total - c.config.RetainRecent
	if newEnd <= 0 || newEnd <= prevEnd {
		return
	}

	prompt := c.buildPrompt(rounds, prevEnd, newEnd, prevSummary)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	summary, err := c.summarize(ctx, prompt)
	if err != nil {
		logging.Warn().Str("role", c.role).Err(err).Msg("compaction summarization failed, retaining previous summary")
		return
	}
	if strings.TrimSpace(summary) == "" {
		logging.Warn().Str("role", c.role).Msg("compaction produced empty summary, retaining previous")
		return
	}

	c.mu.Lock()
	c.compacted = &CompactedMessage{StartIndex: 1, EndIndex: newEnd, Summary: summary}
	c.mu.Unlock()

	logging.Info().
		Str("role", c.role).
		Int("end_index", newEnd).
		Msg("compaction cycle complete")
}

func (c *Compactor) buildPrompt(rounds []*Round, prevEnd, newEnd int, prevSummary string) string {
	var content strings.Builder
	for i := prevEnd; i < newEnd && i < len(rounds); i++ {
		r := rounds[i]
		fmt.Fprintf(&content, "\n--- Round %d ---\n", i+1)
		fmt.Fprintf(&content, "User Query: %s\n", r.UserQuery)
		for _, p := range r.Posts {
			msg := p.Message
			if len(msg) > maxPostPreview {
				msg = msg[:maxPostPreview] + "..."
			}
			fmt.Fprintf(&content, "  %s -> %s: %s\n", p.SendFrom, p.SendTo, msg)
		}
	}

	prompt := strings.ReplaceAll(c.template, "{PREVIOUS_SUMMARY}", prevSummary)
	prompt = strings.ReplaceAll(prompt, "{content}", content.String())
	return prompt
}
