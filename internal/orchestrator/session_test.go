package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/confirm"
	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/execclient"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
)

// scriptedLLM returns canned completions in order.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
}

func (s *scriptedLLM) ID() string { return "scripted" }

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return nil, errors.New("scripted llm exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &stringStream{text: reply}, nil
}

type stringStream struct {
	text string
	done bool
}

func (s *stringStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *stringStream) Close() {}

// fakeExecutor records executions and returns scripted results.
type fakeExecutor struct {
	mu     sync.Mutex
	codes  []string
	script func(call int, code string, onOutput func(stream, text string)) (*execclient.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, execID, code string, onOutput func(stream, text string)) (*execclient.Result, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	call := len(f.codes)
	f.mu.Unlock()
	if f.script != nil {
		return f.script(call, code, onOutput)
	}
	return &execclient.Result{ExecutionID: execID, Code: code, IsSuccess: true}, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

func plannerJSON(thought, message, sendTo string) string {
	return fmt.Sprintf(`{"thought": %q, "message": %q, "send_to": %q}`, thought, message, sendTo)
}

func codeJSON(thought, code string) string {
	return fmt.Sprintf(`{"thought": %q, "reply_type": "python", "reply_content": %q}`, thought, code)
}

type sessionFixture struct {
	session  *Session
	bus      *event.Bus
	gate     *confirm.Gate
	executor *fakeExecutor
}

func newFixture(t *testing.T, replies []string, requireConfirm bool, script func(call int, code string, onOutput func(stream, text string)) (*execclient.Result, error)) *sessionFixture {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	gate := confirm.NewGate(bus)
	provider := &scriptedLLM{replies: replies}
	executor := &fakeExecutor{script: script}

	planner := NewPlanner(PlannerConfig{
		Provider: provider,
		Bus:      bus,
		Workers:  []string{RoleCodeInterpreter},
	})
	interpreter := NewCodeInterpreter(InterpreterConfig{
		Provider:            provider,
		Bus:                 bus,
		Executor:            executor,
		Gate:                gate,
		RequireConfirmation: requireConfirm,
	})
	session := NewSession("conv-1", bus, gate, []Role{planner, interpreter})
	t.Cleanup(session.Stop)
	return &sessionFixture{session: session, bus: bus, gate: gate, executor: executor}
}

func TestSession_DirectReply(t *testing.T) {
	fx := newFixture(t, []string{
		plannerJSON("simple question", "The answer is 4.", "User"),
	}, false, nil)

	var types []event.Type
	fx.bus.SubscribeAll(func(e event.Event) { types = append(types, e.Type) })

	round, err := fx.session.SendMessage(context.Background(), "what is 2+2?")
	if err != nil {
		t.Fatal(err)
	}
	if round.State != memory.RoundFinished {
		t.Errorf("state = %v", round.State)
	}
	if len(round.Posts) != 2 {
		t.Fatalf("posts = %d", len(round.Posts))
	}
	if round.Posts[0].SendFrom != RoleUser || round.Posts[1].SendTo != RoleUser {
		t.Errorf("routing wrong: %+v", round.Posts)
	}
	if round.Posts[1].Message != "The answer is 4." {
		t.Errorf("planner message = %q", round.Posts[1].Message)
	}

	if types[0] != event.RoundStart || types[len(types)-1] != event.RoundEnd {
		t.Errorf("round events misordered: %v", types)
	}
}

func TestSession_CodeExecutionTurn(t *testing.T) {
	fx := newFixture(t, []string{
		plannerJSON("needs computation", "Compute the mean of [1,2,3].", RoleCodeInterpreter),
		codeJSON("compute it", "print(sum([1,2,3])/3)"),
		plannerJSON("done", "The mean is 2.0.", "User"),
	}, false, func(call int, code string, onOutput func(stream, text string)) (*execclient.Result, error) {
		onOutput("stdout", "2.0\n")
		return &execclient.Result{
			ExecutionID: "e1", Code: code, IsSuccess: true,
			Stdout: []string{"2.0\n"}, Variables: [][]string{},
		}, nil
	})

	var execOutputs []string
	fx.bus.Subscribe(event.PostExecutionOutput, func(e event.Event) {
		execOutputs = append(execOutputs, e.Message)
	})

	round, err := fx.session.SendMessage(context.Background(), "mean of 1,2,3?")
	if err != nil {
		t.Fatal(err)
	}
	if round.State != memory.RoundFinished {
		t.Errorf("state = %v", round.State)
	}
	if len(round.Posts) != 4 {
		t.Fatalf("posts = %d", len(round.Posts))
	}
	if fx.executor.calls() != 1 {
		t.Errorf("executions = %d", fx.executor.calls())
	}

	interpPost := round.Posts[2]
	if interpPost.SendFrom != RoleCodeInterpreter || interpPost.SendTo != RolePlanner {
		t.Errorf("interpreter routing: %+v", interpPost)
	}
	if atts := interpPost.AttachmentsOfKind(memory.KindExecutionResult); len(atts) != 1 {
		t.Error("missing execution_result attachment")
	}
	if len(execOutputs) != 1 || execOutputs[0] != "2.0\n" {
		t.Errorf("execution output events = %v", execOutputs)
	}
}

func TestSession_ConfirmationReject(t *testing.T) {
	fx := newFixture(t, []string{
		plannerJSON("needs computation", "Delete all files.", RoleCodeInterpreter),
		codeJSON("dangerous", "import shutil; shutil.rmtree('/')"),
	}, true, nil)

	var confirmRequests int
	var postEndErr string
	fx.bus.Subscribe(event.PostConfirmationRequest, func(e event.Event) {
		confirmRequests++
		fx.gate.Provide(false)
	})
	fx.bus.Subscribe(event.PostEnd, func(e event.Event) {
		if msg, ok := e.Extra["error"].(string); ok && msg != "" {
			postEndErr = msg
		}
	})

	_, err := fx.session.SendMessage(context.Background(), "clean my disk")
	if !errors.Is(err, ErrConfirmationRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	if confirmRequests != 1 {
		t.Errorf("confirm requests = %d", confirmRequests)
	}
	if fx.executor.calls() != 0 {
		t.Error("kernel must see no activity after rejection")
	}
	if postEndErr == "" {
		t.Error("post_end must carry a non-empty error")
	}

	rounds := fx.session.Memory().Snapshot().Rounds
	if len(rounds) != 1 || rounds[0].State != memory.RoundFailed {
		t.Errorf("round state = %+v", rounds)
	}
}

func TestSession_RetryOnExecutionFailure(t *testing.T) {
	fx := newFixture(t, []string{
		plannerJSON("needs computation", "Compute something.", RoleCodeInterpreter),
		codeJSON("first try", "1/0"),
		codeJSON("second try", "print(1)"),
		plannerJSON("done", "It printed 1.", "User"),
	}, false, func(call int, code string, onOutput func(stream, text string)) (*execclient.Result, error) {
		if call == 1 {
			msg := "ZeroDivisionError: division by zero"
			return &execclient.Result{ExecutionID: "e1", Code: code, IsSuccess: false, Error: &msg}, nil
		}
		return &execclient.Result{ExecutionID: "e2", Code: code, IsSuccess: true, Stdout: []string{"1\n"}}, nil
	})

	round, err := fx.session.SendMessage(context.Background(), "compute")
	if err != nil {
		t.Fatal(err)
	}
	if round.State != memory.RoundFinished {
		t.Errorf("state = %v", round.State)
	}
	if fx.executor.calls() != 2 {
		t.Errorf("executions = %d, want 2", fx.executor.calls())
	}

	interpPost := round.Posts[2]
	if atts := interpPost.AttachmentsOfKind(memory.KindCodeError); len(atts) != 1 {
		t.Errorf("expected one code_error attachment, got %d", len(atts))
	}
}

func TestSession_UnknownRecipientFailsRound(t *testing.T) {
	fx := newFixture(t, []string{
		plannerJSON("confused", "Handing off.", "Ghost"),
	}, false, nil)

	var roundErrors []string
	fx.bus.Subscribe(event.RoundError, func(e event.Event) {
		roundErrors = append(roundErrors, e.Message)
	})

	_, err := fx.session.SendMessage(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "Ghost") {
		t.Fatalf("expected unknown recipient error, got %v", err)
	}
	if len(roundErrors) != 1 {
		t.Errorf("round_error events = %v", roundErrors)
	}
}

// loopRole always hands the turn back to itself, never reaching the User.
type loopRole struct {
	bus *event.Bus
}

func (l *loopRole) Alias() string { return RolePlanner }

func (l *loopRole) Reply(ctx context.Context, turn *Turn) (*memory.Post, error) {
	proxy := l.bus.NewPostProxy(turn.RoundID, RolePlanner)
	proxy.UpdateMessage("thinking", true)
	proxy.UpdateSendTo(RolePlanner)
	proxy.End(nil)
	return proxy.Post(), nil
}

func TestSession_MessageBudgetConfigurable(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	session := NewSession("conv-1", bus, confirm.NewGate(bus), []Role{&loopRole{bus: bus}})
	defer session.Stop()
	session.SetMessageBudget(2)

	_, err := session.SendMessage(context.Background(), "loop forever")
	if err == nil || !strings.Contains(err.Error(), "exceeded 2 internal messages") {
		t.Fatalf("expected budget of 2 to be enforced, got %v", err)
	}

	// User post plus one internal post per budgeted exchange.
	rounds := session.Memory().Snapshot().Rounds
	if len(rounds) != 1 || len(rounds[0].Posts) != 3 {
		t.Errorf("rounds = %+v", rounds)
	}
}

// blockingRole parks until released, for in-flight rejection tests.
type blockingRole struct {
	bus     *event.Bus
	release chan struct{}
}

func (b *blockingRole) Alias() string { return RolePlanner }

func (b *blockingRole) Reply(ctx context.Context, turn *Turn) (*memory.Post, error) {
	<-b.release
	proxy := b.bus.NewPostProxy(turn.RoundID, RolePlanner)
	proxy.UpdateMessage("done", true)
	proxy.UpdateSendTo(RoleUser)
	proxy.End(nil)
	return proxy.Post(), nil
}

func TestSession_RejectsMessageWhileBusy(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	role := &blockingRole{bus: bus, release: make(chan struct{})}
	session := NewSession("conv-1", bus, confirm.NewGate(bus), []Role{role})
	defer session.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := session.SendMessage(context.Background(), "first")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !session.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := session.SendMessage(context.Background(), "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("expected ErrTurnInFlight, got %v", err)
	}

	close(role.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
