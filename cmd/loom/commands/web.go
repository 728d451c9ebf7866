package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/execclient"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/orchestrator"
)

var (
	webPort int
	webHost string
	webDir  string
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Start the browser gateway",
	Long: `Start the web gateway that serves chat sessions to browser clients
over WebSocket, with history replay and live event forwarding.

An execution server is started automatically when none is reachable.`,
	RunE: runWeb,
}

func init() {
	webCmd.Flags().IntVarP(&webPort, "port", "p", 8020, "Port to listen on")
	webCmd.Flags().StringVar(&webHost, "host", "127.0.0.1", "Host to listen on")
	webCmd.Flags().StringVar(&webDir, "directory", "", "Project directory")
}

// clientArtifacts serves artifact downloads through each session's execution
// client. Only registered (owned) sessions are served.
type clientArtifacts struct {
	mu      sync.Mutex
	clients map[string]*execclient.Client
}

func (a *clientArtifacts) register(id string, c *execclient.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clients == nil {
		a.clients = make(map[string]*execclient.Client)
	}
	a.clients[id] = c
}

func (a *clientArtifacts) DownloadArtifact(ctx context.Context, sessionID, name string) ([]byte, error) {
	a.mu.Lock()
	c, ok := a.clients[sessionID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no execution session for %s", sessionID)
	}
	return c.DownloadArtifact(ctx, name)
}

func runWeb(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(webDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := ensureExecutionServer(ctx, cfg); err != nil {
		return fmt.Errorf("execution server: %w", err)
	}

	artifacts := &clientArtifacts{}
	g := gateway.New(gateway.Config{
		EnableCORS: true,
		Artifacts:  artifacts,
		NewSession: func(id string) (*orchestrator.Session, gateway.FileUploader, error) {
			session, client, err := buildSession(ctx, cfg, id)
			if err != nil {
				return nil, nil, err
			}
			artifacts.register(id, client)
			return session, client, nil
		},
	})
	defer g.Close()

	httpSrv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", webHost, webPort),
		Handler:     g.Router(),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		logging.Info().Str("host", webHost).Int("port", webPort).Msg("web gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("gateway error")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
