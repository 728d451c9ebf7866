package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/confirm"
	"github.com/loomhq/loom/internal/event"
)

var (
	chatSessionID string
	chatDir       string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Start a terminal conversation",
	Long: `Start an interactive conversation in the terminal.

Each message runs one planning turn; generated code executes in a kernel
session behind the execution server, with streamed output and optional
execution confirmation.

Examples:
  loom chat
  loom chat "plot a sine wave"
  loom chat --session chat-42  # attach to an existing execution session`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Session ID to use")
	chatCmd.Flags().StringVar(&chatDir, "directory", "", "Project directory")
}

// spinner renders a progress indicator between sending a message and the
// final reply. It yields the terminal through the pause handshake whenever
// another party needs exclusive output.
type spinner struct {
	handshake *confirm.PauseHandshake
	status    chan string
	stop      chan struct{}
	done      chan struct{}
}

func newSpinner(handshake *confirm.PauseHandshake) *spinner {
	return &spinner{
		handshake: handshake,
		status:    make(chan string, 8),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *spinner) run() {
	defer close(s.done)
	frames := []string{"|", "/", "-", "\\"}
	status := "thinking"
	i := 0
	for {
		s.handshake.AnimatorTick()
		select {
		case <-s.stop:
			fmt.Print("\r\033[K")
			return
		case status = <-s.status:
		case <-time.After(120 * time.Millisecond):
		}
		fmt.Printf("\r\033[K%s %s", frames[i%len(frames)], status)
		i++
	}
}

func (s *spinner) setStatus(status string) {
	select {
	case s.status <- status:
	default:
	}
}

func (s *spinner) halt() {
	close(s.stop)
	<-s.done
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(chatDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := ensureExecutionServer(ctx, cfg); err != nil {
		return fmt.Errorf("execution server: %w", err)
	}

	id := chatSessionID
	if id == "" {
		id = "chat-" + uuid.NewString()
	}
	session, client, err := buildSession(ctx, cfg, id)
	if err != nil {
		return err
	}
	defer session.Stop()
	defer client.Stop(context.Background())

	stdin := bufio.NewReader(os.Stdin)
	handshake := confirm.NewPauseHandshake()
	defer handshake.Teardown()

	// withExclusiveOutput pauses the spinner around a write to the
	// terminal so frames and output never interleave.
	withExclusiveOutput := func(fn func()) {
		acquired := handshake.RequestPause(2 * time.Second)
		fn()
		if acquired {
			handshake.Release()
		}
	}

	bus := session.Bus()
	bus.Subscribe(event.PostExecutionOutput, func(e event.Event) {
		withExclusiveOutput(func() { fmt.Print(e.Message) })
	})
	bus.Subscribe(event.PostConfirmationRequest, func(e event.Event) {
		withExclusiveOutput(func() {
			code, _ := e.Extra["code"].(string)
			fmt.Printf("\nAbout to execute:\n\n%s\n\nProceed? [y/N] ", code)
			line, _ := stdin.ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			session.Gate().Provide(answer == "y" || answer == "yes")
		})
	})

	fmt.Printf("loom %s, session %s (ctrl-d to exit)\n", Version, id)

	sendOne := func(text string) {
		sp := newSpinner(handshake)
		statusUnsub := bus.Subscribe(event.PostStatusUpdate, func(e event.Event) {
			sp.setStatus(e.Message)
		})
		go sp.run()

		round, err := session.SendMessage(ctx, text)

		sp.halt()
		statusUnsub()

		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		if n := len(round.Posts); n > 0 {
			fmt.Printf("\n%s\n", round.Posts[n-1].Message)
		}
	}

	if len(args) > 0 {
		sendOne(strings.Join(args, " "))
	}

	for {
		fmt.Print("\n> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return nil
		}
		sendOne(text)
	}
}
