// Package commands provides the CLI commands for loom.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	prettyLog bool
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - orchestrated code-running conversations",
	Long: `Loom runs plan-and-execute conversations: a planner decomposes each
user message and a code interpreter generates, verifies and runs code in a
sandboxed kernel session.

Run 'loom chat' for a terminal conversation, 'loom serve' for the execution
server, or 'loom web' for the browser gateway.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand, show help
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty-logs", false, "Human-readable console logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("loom %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(webCmd)
	rootCmd.AddCommand(chatCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the working directory, loads configuration and
// initializes logging from it.
func loadConfig(dir string) (*config.Config, string, error) {
	workDir := dir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, "", err
		}
	}

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, "", err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: prettyLog,
	})
	return cfg, workDir, nil
}
