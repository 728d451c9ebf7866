package kernel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/logging"
)

// Transport is the IPC channel to one kernel process. Implementations must
// allow Send and Recv from different goroutines; Recv itself is called from a
// single goroutine at a time.
type Transport interface {
	Send(msg Message) error
	// Recv blocks for the next kernel message. Returns io.EOF when the
	// kernel exits cleanly.
	Recv() (Message, error)
	// Interrupt asks the kernel to abort the current execution.
	Interrupt() error
	Close() error
}

// StartSpec describes how to launch a kernel process.
type StartSpec struct {
	// Command is the kernel argv, e.g. ["python", "-m", "loom_kernel"].
	Command []string
	// Dir is the working directory for generated files and uploads.
	Dir string
	// KernelDir holds connection files and kernel-side logs.
	KernelDir string
	// Env entries appended to the parent environment.
	Env []string
}

// TransportFactory creates the transport for a session. Tests substitute
// in-memory fakes; production uses NewProcessTransport.
type TransportFactory func(spec StartSpec) (Transport, error)

// processTransport runs the kernel as a subprocess and frames messages as
// one JSON object per line on its stdio.
type processTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

// NewProcessTransport spawns the kernel subprocess described by spec.
func NewProcessTransport(spec StartSpec) (Transport, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("kernel command not configured")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "LOOM_KERNEL_DIR="+spec.KernelDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn kernel: %w", err)
	}

	go drainStderr(stderr)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	return &processTransport{
		cmd:     cmd,
		stdin:   stdin,
		scanner: scanner,
		enc:     json.NewEncoder(stdin),
	}, nil
}

// drainStderr forwards kernel diagnostics into the server log.
func drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logging.Debug().Str("source", "kernel").Msg(sc.Text())
	}
}

func (t *processTransport) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrStopped
	}
	return t.enc.Encode(msg)
}

func (t *processTransport) Recv() (Message, error) {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logging.Warn().Err(err).Msg("discarding malformed kernel message")
			continue
		}
		return msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

func (t *processTransport) Interrupt() error {
	if t.cmd.Process == nil {
		return ErrStopped
	}
	return t.cmd.Process.Signal(os.Interrupt)
}

// Close shuts the kernel down: close stdin so it can exit cleanly, then kill
// after a grace period. Idempotent.
func (t *processTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		logging.Warn().Msg("kernel did not exit, killing")
		_ = t.cmd.Process.Kill()
		<-done
		return nil
	}
}
