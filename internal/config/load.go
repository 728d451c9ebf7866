package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/loom/)
// 3. Project config (loom.json / .loom/)
// 4. LOOM_CONFIG file
// 5. LOOM_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*Config, error) {
	config := Default()

	// A project .env feeds the {env:} interpolation and overrides below.
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "loom.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "loom.jsonc"), globalPath)

	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".loom")
		loadOnce(filepath.Join(directory, "loom.json"), directory)
		loadOnce(filepath.Join(directory, "loom.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "loom.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "loom.jsonc"), projectConfigDir)
	}

	if configPath := os.Getenv("LOOM_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if configContent := os.Getenv("LOOM_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target. Non-zero source fields win.
func mergeConfig(target, source *Config) {
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Model != "" {
		target.Model = source.Model
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	mergeExecution(&target.Execution, &source.Execution)

	if len(source.Session.Roles) > 0 {
		target.Session.Roles = source.Session.Roles
	}
	if source.Session.MaxInternalMessages != 0 {
		target.Session.MaxInternalMessages = source.Session.MaxInternalMessages
	}

	if source.Compaction.Enabled {
		target.Compaction.Enabled = true
	}
	if source.Compaction.Threshold != 0 {
		target.Compaction.Threshold = source.Compaction.Threshold
	}
	if source.Compaction.RetainRecent != 0 {
		target.Compaction.RetainRecent = source.Compaction.RetainRecent
	}

	mergeRole(&target.Planner, &source.Planner)
	mergeRole(&target.CodeInterpreter.RoleConfig, &source.CodeInterpreter.RoleConfig)
	if source.CodeInterpreter.RequireConfirmation != nil {
		target.CodeInterpreter.RequireConfirmation = source.CodeInterpreter.RequireConfirmation
	}
	if source.CodeInterpreter.MaxRetryCount != 0 {
		target.CodeInterpreter.MaxRetryCount = source.CodeInterpreter.MaxRetryCount
	}
	if len(source.CodeInterpreter.AllowedImports) > 0 {
		target.CodeInterpreter.AllowedImports = source.CodeInterpreter.AllowedImports
	}
	if len(source.CodeInterpreter.ForbiddenImports) > 0 {
		target.CodeInterpreter.ForbiddenImports = source.CodeInterpreter.ForbiddenImports
	}
}

func mergeExecution(target, source *ExecutionConfig) {
	if source.Server.URL != "" {
		target.Server.URL = source.Server.URL
	}
	if source.Server.APIKey != "" {
		target.Server.APIKey = source.Server.APIKey
	}
	if source.Server.AutoStart != nil {
		target.Server.AutoStart = source.Server.AutoStart
	}
	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.Container {
		target.Server.Container = true
	}
	if source.Server.ContainerImage != "" {
		target.Server.ContainerImage = source.Server.ContainerImage
	}
	if source.Server.StartupTimeoutSeconds != 0 {
		target.Server.StartupTimeoutSeconds = source.Server.StartupTimeoutSeconds
	}
	if len(source.KernelCommand) > 0 {
		target.KernelCommand = source.KernelCommand
	}
	if source.WorkDir != "" {
		target.WorkDir = source.WorkDir
	}
	if source.MaxConcurrent != 0 {
		target.MaxConcurrent = source.MaxConcurrent
	}
}

func mergeRole(target, source *RoleConfig) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.PromptPath != "" {
		target.PromptPath = source.PromptPath
	}
	if source.CompactionPromptPath != "" {
		target.CompactionPromptPath = source.CompactionPromptPath
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("LOOM_MODEL"); model != "" {
		config.Model = model
	}
	if level := os.Getenv("LOOM_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if url := os.Getenv("LOOM_EXECUTION_URL"); url != "" {
		config.Execution.Server.URL = url
	}
	if key := os.Getenv("LOOM_EXECUTION_API_KEY"); key != "" {
		config.Execution.Server.APIKey = key
	}
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
