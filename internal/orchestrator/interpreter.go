package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/loomhq/loom/internal/confirm"
	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/execclient"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
)

// ErrConfirmationRejected aborts a turn when the user declines code
// execution.
var ErrConfirmationRejected = errors.New("code execution rejected by user")

// Executor runs code in an execution session. Satisfied by
// *execclient.Client.
type Executor interface {
	Execute(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*execclient.Result, error)
}

// InterpreterConfig wires the CodeInterpreter role.
type InterpreterConfig struct {
	Provider llm.Provider
	Bus      *event.Bus
	Executor Executor
	// Gate, with RequireConfirmation, blocks each execution on user
	// approval.
	Gate                *confirm.Gate
	RequireConfirmation bool
	// MaxRetryCount bounds generate-verify-execute attempts per round.
	MaxRetryCount int
	Verifier      *Verifier
	PromptPath    string
	Model         string
}

// CodeInterpreter generates code for the Planner's instruction, verifies it,
// optionally gates it on user confirmation, and executes it, retrying
// recoverable failures.
type CodeInterpreter struct {
	provider       llm.Provider
	bus            *event.Bus
	executor       Executor
	gate           *confirm.Gate
	requireConfirm bool
	maxRetry       int
	verifier       *Verifier
	prompt         string
	model          string
}

// NewCodeInterpreter creates the code interpreter role.
func NewCodeInterpreter(cfg InterpreterConfig) *CodeInterpreter {
	maxRetry := cfg.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &CodeInterpreter{
		provider:       cfg.Provider,
		bus:            cfg.Bus,
		executor:       cfg.Executor,
		gate:           cfg.Gate,
		requireConfirm: cfg.RequireConfirmation,
		maxRetry:       maxRetry,
		verifier:       cfg.Verifier,
		prompt:         loadPrompt(cfg.PromptPath, defaultCodeGenPrompt),
		model:          cfg.Model,
	}
}

// Alias returns the interpreter's role alias.
func (c *CodeInterpreter) Alias() string { return RoleCodeInterpreter }

type codeReply struct {
	Thought      string `json:"thought"`
	ReplyType    string `json:"reply_type"`
	ReplyContent string `json:"reply_content"`
}

// Reply runs the generate-verify-confirm-execute loop. Verification and
// kernel failures are recoverable and consume the retry budget; an exhausted
// budget surfaces to the Planner as a failed worker reply. A rejected
// confirmation aborts the turn.
func (c *CodeInterpreter) Reply(ctx context.Context, turn *Turn) (*memory.Post, error) {
	proxy := c.bus.NewPostProxy(turn.RoundID, RoleCodeInterpreter)

	var lastFailure string
	for attempt := 1; attempt <= c.maxRetry; attempt++ {
		reply, err := c.generate(ctx, turn, lastFailure)
		if err != nil {
			proxy.End(err)
			return nil, err
		}

		if reply.Thought != "" {
			proxy.Attach(memory.KindThought, reply.Thought)
		}
		proxy.Attach(memory.KindReplyType, reply.ReplyType)
		proxy.Attach(memory.KindReplyContent, reply.ReplyContent)

		if err := c.verifier.Verify(reply.ReplyContent); err != nil {
			proxy.Attach(memory.KindCodeError, err.Error())
			lastFailure = err.Error()
			continue
		}

		if c.requireConfirm {
			approved, err := c.gate.Request(ctx, turn.RoundID, proxy.PostID(), reply.ReplyContent)
			if err != nil {
				proxy.End(err)
				return nil, err
			}
			if !approved {
				proxy.End(ErrConfirmationRejected)
				return nil, ErrConfirmationRejected
			}
		}

		proxy.UpdateStatus("executing code")
		execID := "exec-" + ulid.Make().String()
		result, err := c.executor.Execute(ctx, execID, reply.ReplyContent, func(stream, text string) {
			proxy.ExecutionOutput(stream, text)
		})
		if err != nil {
			// Transport failures are fatal to the turn.
			proxy.End(err)
			return nil, err
		}

		if !result.IsSuccess {
			msg := "execution failed"
			if result.Error != nil {
				msg = *result.Error
			}
			proxy.Attach(memory.KindCodeError, msg)
			lastFailure = msg
			continue
		}

		return c.finishSuccess(proxy, result)
	}

	// Budget exhausted: report the failure to the Planner, not as a turn
	// error.
	proxy.Attach(memory.KindExecutionStatus, "FAILURE")
	msg := fmt.Sprintf("code execution failed after %d attempts: %s", c.maxRetry, lastFailure)
	proxy.UpdateMessage(msg, true)
	proxy.UpdateSendTo(RolePlanner)
	if err := proxy.End(nil); err != nil {
		return nil, err
	}
	return proxy.Post(), nil
}

func (c *CodeInterpreter) finishSuccess(proxy *event.PostProxy, result *execclient.Result) (*memory.Post, error) {
	proxy.Attach(memory.KindExecutionStatus, "SUCCESS")

	summary := formatResult(result)
	proxy.Attach(memory.KindExecutionResult, summary)
	if len(result.Artifacts) > 0 {
		names := make([]string, 0, len(result.Artifacts))
		for _, a := range result.Artifacts {
			names = append(names, a.FileName)
		}
		proxy.Attach(memory.KindArtifactPaths, strings.Join(names, "\n"))
	}

	proxy.UpdateMessage(summary, true)
	proxy.UpdateSendTo(RolePlanner)
	if err := proxy.End(nil); err != nil {
		return nil, err
	}
	return proxy.Post(), nil
}

// generate asks the LLM for code, feeding back the previous failure when
// retrying.
func (c *CodeInterpreter) generate(ctx context.Context, turn *Turn, lastFailure string) (*codeReply, error) {
	rounds, err := turn.Memory.GetRoleRounds(RoleCodeInterpreter, false)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: c.prompt}}
	for _, r := range rounds {
		for _, post := range r.Posts {
			role := llm.RoleUser
			if post.SendFrom == RoleCodeInterpreter {
				role = llm.RoleAssistant
			}
			messages = append(messages, llm.Message{
				Role:    role,
				Content: fmt.Sprintf("[%s -> %s] %s", post.SendFrom, post.SendTo, post.Message),
			})
		}
	}
	if lastFailure != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "The previous attempt failed:\n" + lastFailure + "\nRevise the code and try again.",
		})
	}

	text, err := llm.CompleteText(ctx, c.provider, &llm.Request{
		Model:    c.model,
		Messages: messages,
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("code generation: %w", err)
	}

	var reply codeReply
	if err := parseJSONReply(text, &reply); err != nil {
		return nil, fmt.Errorf("code generator returned unparseable response: %w", err)
	}
	return &reply, nil
}

func formatResult(result *execclient.Result) string {
	var sb strings.Builder
	sb.WriteString("The execution succeeded.\n")
	if out := strings.Join(result.Stdout, ""); out != "" {
		sb.WriteString("Stdout:\n")
		sb.WriteString(out)
	}
	for _, o := range result.Output {
		if o.MimeType == "text/plain" {
			sb.WriteString("Result: ")
			sb.WriteString(o.Content)
			sb.WriteString("\n")
		}
	}
	if len(result.Variables) > 0 {
		sb.WriteString("Variables:\n")
		for _, v := range result.Variables {
			if len(v) == 2 {
				fmt.Fprintf(&sb, "  %s = %s\n", v[0], v[1])
			}
		}
	}
	if len(result.Artifacts) > 0 {
		sb.WriteString("Artifacts:\n")
		for _, a := range result.Artifacts {
			fmt.Fprintf(&sb, "  %s\n", a.FileName)
		}
	}
	return sb.String()
}
