package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/event"
)

func TestGate_RequestAndProvide(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	g := NewGate(bus)

	requested := make(chan event.Event, 1)
	bus.Subscribe(event.PostConfirmationRequest, func(e event.Event) {
		requested <- e
	})

	type outcome struct {
		approved bool
		err      error
	}
	result := make(chan outcome, 1)
	go func() {
		approved, err := g.Request(context.Background(), "r1", "p1", "print('x')")
		result <- outcome{approved, err}
	}()

	select {
	case e := <-requested:
		if e.Extra["code"] != "print('x')" {
			t.Errorf("request event missing code: %+v", e.Extra)
		}
	case <-time.After(time.Second):
		t.Fatal("confirmation_request never emitted")
	}

	g.Provide(true)

	select {
	case got := <-result:
		if got.err != nil || !got.approved {
			t.Errorf("expected approved decision, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("requester never unblocked")
	}
}

func TestGate_SecondRequestBusy(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	g := NewGate(bus)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Request(context.Background(), "r1", "p1", "code")
	}()

	// Wait for the first request to become pending.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		pending := g.pending != nil
		g.mu.Unlock()
		if pending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := g.Request(context.Background(), "r1", "p2", "other")
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	g.Provide(false)
	wg.Wait()
}

func TestGate_CancelResolvesFalse(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	g := NewGate(bus)

	type outcome struct {
		approved bool
		err      error
	}
	result := make(chan outcome, 1)
	go func() {
		approved, err := g.Request(context.Background(), "r1", "p1", "code")
		result <- outcome{approved, err}
	}()

	time.Sleep(20 * time.Millisecond)
	g.Cancel()

	select {
	case got := <-result:
		if got.approved || !errors.Is(got.err, ErrCancelled) {
			t.Errorf("expected cancelled/false, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("requester never unblocked after cancel")
	}

	// Gate stays closed after tear-down.
	if _, err := g.Request(context.Background(), "r1", "p2", "code"); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled after teardown, got %v", err)
	}
}

func TestGate_Timeout(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	g := NewGate(bus)
	g.Timeout = 30 * time.Millisecond

	approved, err := g.Request(context.Background(), "r1", "p1", "code")
	if approved || !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout, got approved=%v err=%v", approved, err)
	}
}

func TestPauseHandshake_Exclusivity(t *testing.T) {
	h := NewPauseHandshake()

	var mu sync.Mutex
	var writes []string
	record := func(s string) {
		mu.Lock()
		writes = append(writes, s)
		mu.Unlock()
	}

	stop := make(chan struct{})
	animDone := make(chan struct{})
	go func() {
		defer close(animDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.AnimatorTick()
			record("frame")
			time.Sleep(time.Millisecond)
		}
	}()

	// Requester takes exclusivity, writes, releases.
	if !h.RequestPause(time.Second) {
		t.Fatal("animator never acknowledged pause")
	}
	mu.Lock()
	before := len(writes)
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	record("exclusive")
	mu.Lock()
	if len(writes) != before+1 || writes[len(writes)-1] != "exclusive" {
		t.Errorf("animator wrote while paused: %v", writes[before:])
	}
	mu.Unlock()
	h.Release()

	// Animator resumes after release.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	resumed := len(writes) > before+1
	mu.Unlock()
	if !resumed {
		t.Error("animator did not resume after release")
	}

	close(stop)
	h.Teardown()
	select {
	case <-animDone:
	case <-time.After(time.Second):
		t.Fatal("animator stuck after teardown")
	}
}

func TestPauseHandshake_RequestTimeout(t *testing.T) {
	h := NewPauseHandshake()
	// No animator attached: the requester times out and proceeds.
	if h.RequestPause(20 * time.Millisecond) {
		t.Error("expected pause request to time out with no animator")
	}
	h.Release()
}
