package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/execsvc"
	"github.com/loomhq/loom/internal/logging"
)

var (
	servePort    int
	serveHost    string
	serveAPIKey  string
	serveWorkDir string
	serveDir     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution server",
	Long: `Start the execution server that owns kernel sessions and exposes
the HTTP/SSE execution API.

The web gateway and terminal chat auto-start this server when none is
reachable; run it directly for a long-lived shared instance.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Require this API key")
	serveCmd.Flags().StringVar(&serveWorkDir, "work-dir", "", "Kernel session working directory")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Project directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, workDir, err := loadConfig(serveDir)
	if err != nil {
		return err
	}

	serverCfg := execsvc.DefaultServerConfig()
	if cfg.Execution.Server.Host != "" {
		serverCfg.Host = cfg.Execution.Server.Host
	}
	if cfg.Execution.Server.Port != 0 {
		serverCfg.Port = cfg.Execution.Server.Port
	}
	serverCfg.APIKey = cfg.Execution.Server.APIKey
	if serveHost != "" {
		serverCfg.Host = serveHost
	}
	if servePort != 0 {
		serverCfg.Port = servePort
	}
	if serveAPIKey != "" {
		serverCfg.APIKey = serveAPIKey
	}

	kernelWorkDir := cfg.Execution.WorkDir
	if serveWorkDir != "" {
		kernelWorkDir = serveWorkDir
	}
	if kernelWorkDir == "" {
		kernelWorkDir = config.GetPaths().WorkPath()
	}

	manager := execsvc.NewManager(execsvc.Config{
		WorkDir:       kernelWorkDir,
		KernelCommand: cfg.Execution.KernelCommand,
		MaxConcurrent: cfg.Execution.MaxConcurrent,
	}, nil)
	defer manager.Close()

	srv := execsvc.NewServer(serverCfg, manager)

	go func() {
		logging.Info().
			Str("addr", serverCfg.Host).
			Int("port", serverCfg.Port).
			Str("work_dir", kernelWorkDir).
			Str("project", workDir).
			Msg("execution server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
