package execclient

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomhq/loom/internal/logging"
)

// LauncherConfig describes how to find or start the execution server.
type LauncherConfig struct {
	URL    string
	APIKey string

	AutoStart bool
	// Host and Port are passed to the spawned server.
	Host string
	Port int
	// Command is the server argv. Empty means re-exec the current binary
	// with the serve subcommand.
	Command []string

	// Container switches auto-start to a container runtime.
	Container      bool
	ContainerImage string
	ContainerCLI   string // defaults to "docker"

	// StartupTimeout bounds how long to wait for the spawned server's
	// health probe to pass.
	StartupTimeout time.Duration
}

// Launcher ensures an execution server is reachable, spawning one when
// configured to.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher creates a launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.ContainerCLI == "" {
		cfg.ContainerCLI = "docker"
	}
	return &Launcher{cfg: cfg}
}

// Ensure probes the configured URL and, when absent and auto-start is
// enabled, spawns the server and waits for it to become healthy.
func (l *Launcher) Ensure(ctx context.Context) error {
	probe := New(l.cfg.URL, l.cfg.APIKey, "")
	if err := probe.Health(ctx); err == nil {
		return nil
	}

	if !l.cfg.AutoStart {
		return fmt.Errorf("%w: %s (auto-start disabled)", ErrServerUnreachable, l.cfg.URL)
	}

	if err := l.spawn(); err != nil {
		return fmt.Errorf("%w: %v", ErrServerStartFailed, err)
	}

	return l.waitHealthy(ctx, probe)
}

func (l *Launcher) spawn() error {
	var cmd *exec.Cmd
	if l.cfg.Container {
		image := l.cfg.ContainerImage
		if image == "" {
			return fmt.Errorf("container image not configured")
		}
		args := []string{
			"run", "--rm", "-d",
			"-p", fmt.Sprintf("%d:%d", l.cfg.Port, l.cfg.Port),
			image,
		}
		cmd = exec.Command(l.cfg.ContainerCLI, args...)
		logging.Info().Str("image", image).Msg("starting execution server container")
	} else {
		argv := l.cfg.Command
		if len(argv) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			argv = []string{exe, "serve", "--host", l.cfg.Host, "--port", strconv.Itoa(l.cfg.Port)}
		}
		cmd = exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		logging.Info().Strs("argv", argv).Msg("starting execution server subprocess")
	}
	return cmd.Start()
}

// waitHealthy polls /health until it passes or the startup deadline elapses.
func (l *Launcher) waitHealthy(ctx context.Context, probe *Client) error {
	deadline, cancel := context.WithTimeout(ctx, l.cfg.StartupTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewConstantBackOff(500*time.Millisecond), deadline)
	err := backoff.Retry(func() error {
		return probe.Health(deadline)
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: server not healthy within %s", ErrServerStartFailed, l.cfg.StartupTimeout)
	}
	logging.Info().Str("url", l.cfg.URL).Msg("execution server ready")
	return nil
}
