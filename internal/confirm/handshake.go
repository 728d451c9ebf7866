package confirm

import (
	"sync"
	"time"
)

// flag is a resettable signaling primitive with waiters on both edges:
// Wait unblocks when set, WaitClear when cleared.
type flag struct {
	mu      sync.Mutex
	set     bool
	setCh   chan struct{}
	clearCh chan struct{}
}

func newFlag() *flag {
	f := &flag{setCh: make(chan struct{}), clearCh: make(chan struct{})}
	close(f.clearCh)
	return f
}

func (f *flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.set = true
		close(f.setCh)
		f.clearCh = make(chan struct{})
	}
}

func (f *flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		close(f.clearCh)
		f.setCh = make(chan struct{})
	}
}

func (f *flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait blocks until the flag is set or the timeout elapses. A zero timeout
// waits unbounded. Reports whether the flag was set.
func (f *flag) Wait(timeout time.Duration) bool {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return true
	}
	ch := f.setCh
	f.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitClear blocks until the flag is cleared.
func (f *flag) WaitClear() {
	f.mu.Lock()
	if !f.set {
		f.mu.Unlock()
		return
	}
	ch := f.clearCh
	f.mu.Unlock()
	<-ch
}

// PauseHandshake is the two-event exclusivity handshake between a requester
// needing exclusive stdout and an animator rendering on it. The requester
// sets pause; the animator observes it at the top of each rendering
// iteration, acknowledges with paused, and sleeps until pause clears.
type PauseHandshake struct {
	pause  *flag
	paused *flag
}

// NewPauseHandshake creates a handshake in the released state.
func NewPauseHandshake() *PauseHandshake {
	return &PauseHandshake{pause: newFlag(), paused: newFlag()}
}

// RequestPause asks the animator to stop and waits until it acknowledges.
// Returns false on timeout; the caller then proceeds without exclusivity.
func (h *PauseHandshake) RequestPause(timeout time.Duration) bool {
	h.pause.Set()
	return h.paused.Wait(timeout)
}

// Release clears paused, then pause, letting the animator resume.
func (h *PauseHandshake) Release() {
	h.paused.Clear()
	h.pause.Clear()
}

// AnimatorTick is called by the animator at the top of each rendering
// iteration. When a pause is requested it acknowledges and blocks until the
// requester releases; the animator therefore never writes after observing
// pause.
func (h *PauseHandshake) AnimatorTick() {
	if !h.pause.IsSet() {
		return
	}
	h.paused.Set()
	h.pause.WaitClear()
}

// Teardown clears both events so no party stays blocked after the session
// ends.
func (h *PauseHandshake) Teardown() {
	h.paused.Set()
	h.pause.Clear()
	h.paused.Clear()
}
