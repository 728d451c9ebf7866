package config

import "fmt"

// Config is the merged application configuration.
type Config struct {
	LogLevel string `json:"log_level,omitempty"`

	// Model is the default model for every role that does not override it.
	Model string `json:"model,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty"`

	Execution       ExecutionConfig       `json:"execution,omitempty"`
	Session         SessionConfig         `json:"session,omitempty"`
	Compaction      CompactionConfig      `json:"compaction,omitempty"`
	Planner         RoleConfig            `json:"planner,omitempty"`
	CodeInterpreter CodeInterpreterConfig `json:"code_interpreter,omitempty"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// ExecutionConfig configures the execution service and how clients reach it.
type ExecutionConfig struct {
	Server ExecutionServerConfig `json:"server,omitempty"`

	// KernelCommand launches one kernel subprocess; the kernel directory
	// and working directory are appended by the session.
	KernelCommand []string `json:"kernel_command,omitempty"`
	WorkDir       string   `json:"work_dir,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

// ExecutionServerConfig describes the execution server endpoint and how the
// launcher brings one up when none is running.
type ExecutionServerConfig struct {
	URL            string `json:"url,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	AutoStart      *bool  `json:"auto_start,omitempty"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Container      bool   `json:"container,omitempty"`
	ContainerImage string `json:"container_image,omitempty"`

	// StartupTimeoutSeconds bounds launcher health polling.
	StartupTimeoutSeconds int `json:"startup_timeout_seconds,omitempty"`
}

// AutoStartEnabled reports whether the launcher may spawn a server.
// Defaults to true when unset.
func (c ExecutionServerConfig) AutoStartEnabled() bool {
	return c.AutoStart == nil || *c.AutoStart
}

// SessionConfig configures the orchestrator turn loop.
type SessionConfig struct {
	Roles               []string `json:"roles,omitempty"`
	MaxInternalMessages int      `json:"max_internal_messages,omitempty"`
}

// CompactionConfig configures rolling history summarization.
type CompactionConfig struct {
	Enabled      bool `json:"enabled,omitempty"`
	Threshold    int  `json:"threshold,omitempty"`
	RetainRecent int  `json:"retain_recent,omitempty"`
}

// RoleConfig holds per-role overrides.
type RoleConfig struct {
	Model                string `json:"model,omitempty"`
	PromptPath           string `json:"prompt_path,omitempty"`
	CompactionPromptPath string `json:"compaction_prompt_path,omitempty"`
}

// CodeInterpreterConfig configures the code-running worker role.
type CodeInterpreterConfig struct {
	RoleConfig

	RequireConfirmation *bool    `json:"require_confirmation,omitempty"`
	MaxRetryCount       int      `json:"max_retry_count,omitempty"`
	AllowedImports      []string `json:"allowed_imports,omitempty"`
	ForbiddenImports    []string `json:"forbidden_imports,omitempty"`
}

// ConfirmationRequired reports whether code execution needs user approval.
// Defaults to false when unset.
func (c CodeInterpreterConfig) ConfirmationRequired() bool {
	return c.RequireConfirmation != nil && *c.RequireConfirmation
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Provider: make(map[string]ProviderConfig),
		Execution: ExecutionConfig{
			Server: ExecutionServerConfig{
				Host:                  "127.0.0.1",
				Port:                  8010,
				StartupTimeoutSeconds: 60,
			},
			KernelCommand: []string{"python3", "-m", "loom_kernel"},
			MaxConcurrent: 4,
		},
		Session: SessionConfig{
			Roles:               []string{"Planner", "CodeInterpreter"},
			MaxInternalMessages: 10,
		},
		Compaction: CompactionConfig{
			Threshold:    10,
			RetainRecent: 3,
		},
		CodeInterpreter: CodeInterpreterConfig{
			MaxRetryCount: 3,
		},
	}
}

// ServerURL resolves the execution server base URL, deriving one from
// host/port when no explicit URL is configured.
func (c *Config) ServerURL() string {
	if c.Execution.Server.URL != "" {
		return c.Execution.Server.URL
	}
	host := c.Execution.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Execution.Server.Port
	if port == 0 {
		port = 8010
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}
