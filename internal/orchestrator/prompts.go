package orchestrator

import (
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/logging"
)

const defaultPlannerPrompt = `You are the Planner of a multi-agent system that answers user requests,
delegating computational work to Worker agents.

Workers available: {workers}

Read the conversation and decide the next step. Respond with a single JSON
object, no surrounding text:
{
  "thought": "<your reasoning>",
  "message": "<the instruction for the recipient, or the final answer>",
  "send_to": "<one of: User, {workers}>"
}

Send to "User" only when the request is fully answered.`

const defaultCodeGenPrompt = `You are the CodeInterpreter of a multi-agent system. You write Python code
to fulfil the Planner's instruction. The code runs in a persistent session:
variables from earlier executions remain available.

Respond with a single JSON object, no surrounding text:
{
  "thought": "<your reasoning>",
  "reply_type": "python",
  "reply_content": "<the code>"
}`

// loadPrompt reads a YAML prompt file with a top-level content key, falling
// back to the built-in default.
func loadPrompt(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("prompt file unreadable, using default")
		return fallback
	}
	var doc struct {
		Content string `yaml:"content"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || doc.Content == "" {
		logging.Warn().Str("path", path).Msg("prompt file malformed, using default")
		return fallback
	}
	return doc.Content
}

// parseJSONReply extracts a JSON object from an LLM reply, tolerating code
// fences and leading prose.
func parseJSONReply(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if !strings.HasPrefix(trimmed, "{") {
		if start := strings.Index(trimmed, "{"); start >= 0 {
			trimmed = trimmed[start:]
		}
	}
	return json.Unmarshal([]byte(trimmed), out)
}
