package kernel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStartFailed indicates the kernel subprocess never reported ready.
	ErrStartFailed = errors.New("kernel start failed")
	// ErrStopped indicates an operation on a session whose kernel has exited.
	ErrStopped = errors.New("kernel stopped")
	// ErrPathTraversal indicates a filename tried to escape the session cwd.
	ErrPathTraversal = errors.New("path traversal rejected")
)

// ExecutionError is a kernel-level failure for a single execution. It is
// recoverable: callers feed it into their retry loop rather than aborting the
// session.
type ExecutionError struct {
	Name      string
	Value     string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if len(e.Traceback) > 0 {
		return fmt.Sprintf("%s: %s\n%s", e.Name, e.Value, strings.Join(e.Traceback, "\n"))
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// PluginLoadError indicates plugin source injection was rejected by the
// kernel.
type PluginLoadError struct {
	Plugin string
	Reason string
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("plugin %s failed to load: %s", e.Plugin, e.Reason)
}
