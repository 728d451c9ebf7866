package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func addFinishedRound(t *testing.T, m *Memory, role, query string) {
	t.Helper()
	r := m.CreateRound(query)
	p := NewPost(role)
	p.SendTo = RoleUser
	p.Message = "reply to " + query
	if err := m.AppendPost(r.ID, p); err != nil {
		t.Fatal(err)
	}
	if err := m.SetRoundState(r.ID, RoundFinished); err != nil {
		t.Fatal(err)
	}
}

func waitForCompaction(t *testing.T, c *Compactor, wantEnd int) *CompactedMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.Compaction(); got != nil && got.EndIndex >= wantEnd {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("compaction did not reach end_index %d in time", wantEnd)
	return nil
}

func TestCompactor_Cycle(t *testing.T) {
	m := New("s1")
	m.RegisterRole("Planner")

	var calls int32
	summarize := func(ctx context.Context, prompt string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "summary of the conversation", nil
	}

	c := NewCompactor("Planner", CompactorConfig{
		Threshold:    3,
		RetainRecent: 1,
		Enabled:      true,
	}, summarize)
	m.RegisterCompactor("Planner", c)
	c.Start()
	defer c.Stop(time.Second)

	for i := 1; i <= 5; i++ {
		addFinishedRound(t, m, "Planner", fmt.Sprintf("query %d", i))
	}

	got := waitForCompaction(t, c, 4)
	if got.StartIndex != 1 {
		t.Errorf("start_index = %d, want 1", got.StartIndex)
	}
	if got.EndIndex != 4 {
		t.Errorf("end_index = %d, want 4", got.EndIndex)
	}
	if got.Summary != "summary of the conversation" {
		t.Errorf("unexpected summary %q", got.Summary)
	}

	rounds, compaction, err := m.GetRoleRoundsWithCompaction("Planner", false)
	if err != nil {
		t.Fatal(err)
	}
	if compaction == nil || compaction.EndIndex != 4 {
		t.Fatalf("memory did not surface compaction: %+v", compaction)
	}
	// A prompt assembled from the compaction covers rounds 1-4; only round 5
	// remains to splice after it.
	if tail := len(rounds) - compaction.EndIndex; tail != 1 {
		t.Errorf("expected 1 uncompacted round, got %d", tail)
	}
}

func TestCompactor_EndIndexMonotonic(t *testing.T) {
	m := New("s1")
	m.RegisterRole("Planner")

	summarize := func(ctx context.Context, prompt string) (string, error) {
		return "s", nil
	}
	c := NewCompactor("Planner", CompactorConfig{Threshold: 2, RetainRecent: 1, Enabled: true}, summarize)
	m.RegisterCompactor("Planner", c)
	c.Start()
	defer c.Stop(time.Second)

	var lastEnd int
	for i := 1; i <= 10; i++ {
		addFinishedRound(t, m, "Planner", fmt.Sprintf("q%d", i))
		if got := c.Compaction(); got != nil {
			if got.EndIndex < lastEnd {
				t.Fatalf("end_index decreased: %d -> %d", lastEnd, got.EndIndex)
			}
			lastEnd = got.EndIndex
		}
	}

	got := waitForCompaction(t, c, 1)
	if got.EndIndex > 10-1 {
		t.Errorf("end_index %d exceeds total-retain_recent", got.EndIndex)
	}
}

func TestCompactor_FailureRetainsPrevious(t *testing.T) {
	m := New("s1")
	m.RegisterRole("Planner")

	var fail atomic.Bool
	summarize := func(ctx context.Context, prompt string) (string, error) {
		if fail.Load() {
			return "", errors.New("llm unavailable")
		}
		return "good summary", nil
	}
	c := NewCompactor("Planner", CompactorConfig{Threshold: 2, RetainRecent: 1, Enabled: true}, summarize)
	m.RegisterCompactor("Planner", c)
	c.Start()
	defer c.Stop(time.Second)

	for i := 1; i <= 4; i++ {
		addFinishedRound(t, m, "Planner", fmt.Sprintf("q%d", i))
	}
	first := waitForCompaction(t, c, 3)

	fail.Store(true)
	for i := 5; i <= 8; i++ {
		addFinishedRound(t, m, "Planner", fmt.Sprintf("q%d", i))
	}
	time.Sleep(200 * time.Millisecond)

	got := c.Compaction()
	if got == nil || got.EndIndex != first.EndIndex || got.Summary != first.Summary {
		t.Errorf("failed cycle must retain previous compaction: %+v vs %+v", got, first)
	}

	// Recovery on the next trigger.
	fail.Store(false)
	addFinishedRound(t, m, "Planner", "q9")
	recovered := waitForCompaction(t, c, first.EndIndex+1)
	if recovered.EndIndex <= first.EndIndex {
		t.Errorf("compaction did not advance after recovery: %+v", recovered)
	}
}

func TestCompactor_PromptIncludesPreviousSummary(t *testing.T) {
	m := New("s1")
	m.RegisterRole("Planner")

	prompts := make(chan string, 8)
	summarize := func(ctx context.Context, prompt string) (string, error) {
		prompts <- prompt
		return "cumulative", nil
	}
	c := NewCompactor("Planner", CompactorConfig{Threshold: 2, RetainRecent: 1, Enabled: true}, summarize)
	m.RegisterCompactor("Planner", c)
	c.Start()
	defer c.Stop(time.Second)

	for i := 1; i <= 4; i++ {
		addFinishedRound(t, m, "Planner", fmt.Sprintf("q%d", i))
	}
	first := <-prompts
	if !strings.Contains(first, "None") {
		t.Error("first prompt should carry 'None' as previous summary")
	}
	waitForCompaction(t, c, 3)

	for i := 5; i <= 8; i++ {
		addFinishedRound(t, m, "Planner", fmt.Sprintf("q%d", i))
	}
	select {
	case second := <-prompts:
		if !strings.Contains(second, "cumulative") {
			t.Error("second prompt should carry the previous summary")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second compaction cycle never ran")
	}
}
