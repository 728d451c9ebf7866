// Package confirm provides the blocking request/response handshake used to
// gate sensitive actions (code execution) on user approval, plus the
// pause/resume handshake terminal UIs use for exclusive stdout access.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/logging"
)

var (
	// ErrBusy is returned when a second confirmation is requested before the
	// first one resolves.
	ErrBusy = errors.New("confirmation already pending")
	// ErrCancelled is returned when the session is torn down while a
	// confirmation is outstanding.
	ErrCancelled = errors.New("confirmation cancelled")
	// ErrTimeout is returned when no decision arrived within the configured
	// timeout.
	ErrTimeout = errors.New("confirmation timed out")
)

// Gate coordinates one confirmation handshake per session. The worker thread
// blocks in Request until the UI thread calls Provide, or until cancellation.
type Gate struct {
	bus *event.Bus

	// Timeout bounds how long Request blocks. Zero means unbounded, the
	// default when an interactive UI is attached.
	Timeout time.Duration

	mu      sync.Mutex
	pending chan bool
	closed  bool
}

// NewGate creates a gate publishing requests on the given bus.
func NewGate(bus *event.Bus) *Gate {
	return &Gate{bus: bus}
}

// Request emits a confirmation_request event for the given post and blocks
// until a decision arrives. At most one request may be outstanding.
func (g *Gate) Request(ctx context.Context, roundID, postID, code string) (bool, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false, ErrCancelled
	}
	if g.pending != nil {
		g.mu.Unlock()
		return false, ErrBusy
	}
	ch := make(chan bool, 1)
	g.pending = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending == ch {
			g.pending = nil
		}
		g.mu.Unlock()
	}()

	if err := g.bus.Emit(event.Event{
		Type:    event.PostConfirmationRequest,
		RoundID: roundID,
		PostID:  postID,
		Extra:   map[string]any{"code": code},
	}); err != nil {
		return false, err
	}

	var timeout <-chan time.Time
	if g.Timeout > 0 {
		timer := time.NewTimer(g.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case decision, ok := <-ch:
		if !ok {
			return false, ErrCancelled
		}
		return decision, nil
	case <-ctx.Done():
		return false, ErrCancelled
	case <-timeout:
		return false, ErrTimeout
	}
}

// Provide delivers the user's decision to the blocked requester. Calling it
// with no outstanding request is a no-op.
func (g *Gate) Provide(approved bool) {
	g.mu.Lock()
	ch := g.pending
	g.pending = nil
	g.mu.Unlock()

	if ch == nil {
		logging.Debug().Msg("confirmation provided with no outstanding request")
		return
	}
	ch <- approved
}

// Cancel resolves any outstanding request to false with ErrCancelled and
// rejects future requests. Used at session tear-down.
func (g *Gate) Cancel() {
	g.mu.Lock()
	ch := g.pending
	g.pending = nil
	g.closed = true
	g.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}
