package gateway

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhq/loom/internal/confirm"
	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/orchestrator"
)

// echoRole answers every user message with a fixed reply.
type echoRole struct {
	bus   *event.Bus
	reply string
}

func (r *echoRole) Alias() string { return orchestrator.RolePlanner }

func (r *echoRole) Reply(ctx context.Context, turn *orchestrator.Turn) (*memory.Post, error) {
	proxy := r.bus.NewPostProxy(turn.RoundID, orchestrator.RolePlanner)
	proxy.UpdateMessage(r.reply, true)
	proxy.UpdateSendTo(orchestrator.RoleUser)
	proxy.End(nil)
	return proxy.Post(), nil
}

// confirmRole asks for approval before replying.
type confirmRole struct {
	bus  *event.Bus
	gate *confirm.Gate
}

func (r *confirmRole) Alias() string { return orchestrator.RolePlanner }

func (r *confirmRole) Reply(ctx context.Context, turn *orchestrator.Turn) (*memory.Post, error) {
	proxy := r.bus.NewPostProxy(turn.RoundID, orchestrator.RolePlanner)
	approved, err := r.gate.Request(ctx, turn.RoundID, proxy.PostID(), "print('x')")
	if err != nil {
		proxy.End(err)
		return nil, err
	}
	msg := "denied"
	if approved {
		msg = "approved"
	}
	proxy.UpdateMessage(msg, true)
	proxy.UpdateSendTo(orchestrator.RoleUser)
	proxy.End(nil)
	return proxy.Post(), nil
}

// blockedRole parks until released.
type blockedRole struct {
	bus     *event.Bus
	release chan struct{}
}

func (r *blockedRole) Alias() string { return orchestrator.RolePlanner }

func (r *blockedRole) Reply(ctx context.Context, turn *orchestrator.Turn) (*memory.Post, error) {
	<-r.release
	proxy := r.bus.NewPostProxy(turn.RoundID, orchestrator.RolePlanner)
	proxy.UpdateMessage("done", true)
	proxy.UpdateSendTo(orchestrator.RoleUser)
	proxy.End(nil)
	return proxy.Post(), nil
}

type uploadRecorder struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (u *uploadRecorder) UploadFile(ctx context.Context, filename string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.files == nil {
		u.files = make(map[string][]byte)
	}
	u.files[filename] = data
	return nil
}

func (u *uploadRecorder) get(name string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.files[name]
	return data, ok
}

type wsFixture struct {
	gateway  *Gateway
	server   *httptest.Server
	uploader *uploadRecorder
}

// newWSFixture builds a gateway whose sessions are wired with roles from the
// given constructor.
func newWSFixture(t *testing.T, makeRoles func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role) *wsFixture {
	t.Helper()
	uploader := &uploadRecorder{}
	g := New(Config{
		NewSession: func(id string) (*orchestrator.Session, FileUploader, error) {
			bus := event.NewBus()
			gate := confirm.NewGate(bus)
			session := orchestrator.NewSession(id, bus, gate, makeRoles(bus, gate))
			return session, uploader, nil
		},
	})
	srv := httptest.NewServer(g.Router())
	t.Cleanup(func() {
		srv.Close()
		g.Close()
	})
	return &wsFixture{gateway: g, server: srv, uploader: uploader}
}

func (fx *wsFixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/api/v1/chat/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil collects frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) (Frame, []Frame) {
	t.Helper()
	var seen []Frame
	for i := 0; i < 100; i++ {
		f := readFrame(t, conn)
		if f.Type == frameType {
			return f, seen
		}
		seen = append(seen, f)
	}
	t.Fatalf("frame %q never arrived; saw %d frames", frameType, len(seen))
	return Frame{}, nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWebSocket_ConnectedThenHistoryComplete(t *testing.T) {
	fx := newWSFixture(t, func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role {
		return []orchestrator.Role{&echoRole{bus: bus, reply: "hello"}}
	})

	conn := fx.dial(t, "chat-empty")

	if f := readFrame(t, conn); f.Type != FrameConnected || f.Data["session_id"] != "chat-empty" {
		t.Fatalf("first frame = %+v", f)
	}
	if f := readFrame(t, conn); f.Type != FrameHistoryComplete {
		t.Fatalf("empty session must go straight to history_complete, got %+v", f)
	}
}

func TestWebSocket_HistoryReplay(t *testing.T) {
	fx := newWSFixture(t, func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role {
		return []orchestrator.Role{&echoRole{bus: bus, reply: "first answer"}}
	})

	// Seed one finished round before any client connects.
	cs, err := fx.gateway.getOrCreate("chat-replay")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.session.SendMessage(context.Background(), "first question"); err != nil {
		t.Fatal(err)
	}

	conn := fx.dial(t, "chat-replay")
	readFrame(t, conn) // connected

	_, replayed := readUntil(t, conn, FrameHistoryComplete)
	var types []string
	var messages []string
	for _, f := range replayed {
		types = append(types, f.Type)
		if f.Type == FrameMessageUpdate {
			messages = append(messages, f.Data["text"].(string))
		}
	}

	if types[0] != FrameRoundStart || types[len(types)-1] != FrameRoundEnd {
		t.Errorf("replay not round-delimited: %v", types)
	}
	if len(messages) != 2 || messages[0] != "first question" || messages[1] != "first answer" {
		t.Errorf("replayed messages = %v", messages)
	}
}

func TestWebSocket_SendMessageTurn(t *testing.T) {
	fx := newWSFixture(t, func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role {
		return []orchestrator.Role{&echoRole{bus: bus, reply: "the answer"}}
	})

	conn := fx.dial(t, "chat-live")
	readUntil(t, conn, FrameHistoryComplete)

	sendFrame(t, conn, Frame{Type: FrameSendMessage, Data: map[string]any{"message": "a question"}})

	complete, live := readUntil(t, conn, FrameMessageComplete)
	if complete.Data["message"] != "the answer" {
		t.Errorf("message_complete = %+v", complete)
	}

	var sawRoundStart, sawRoundEnd, sawUpdate bool
	for _, f := range live {
		switch f.Type {
		case FrameRoundStart:
			sawRoundStart = true
		case FrameRoundEnd:
			sawRoundEnd = true
		case FrameMessageUpdate:
			if f.Data["text"] == "the answer" {
				sawUpdate = true
			}
		}
	}
	if !sawRoundStart || !sawRoundEnd || !sawUpdate {
		t.Errorf("live frames incomplete: start=%v end=%v update=%v", sawRoundStart, sawRoundEnd, sawUpdate)
	}
}

func TestWebSocket_ConfirmApproval(t *testing.T) {
	fx := newWSFixture(t, func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role {
		return []orchestrator.Role{&confirmRole{bus: bus, gate: gate}}
	})

	conn := fx.dial(t, "chat-confirm")
	readUntil(t, conn, FrameHistoryComplete)

	sendFrame(t, conn, Frame{Type: FrameSendMessage, Data: map[string]any{"message": "run it"}})

	req, _ := readUntil(t, conn, FrameConfirmRequest)
	if req.Data["code"] != "print('x')" {
		t.Errorf("confirm_request = %+v", req)
	}
	sendFrame(t, conn, Frame{Type: FrameConfirm, Data: map[string]any{"approved": true}})

	complete, _ := readUntil(t, conn, FrameMessageComplete)
	if complete.Data["message"] != "approved" {
		t.Errorf("message_complete = %+v", complete)
	}
}

func TestWebSocket_BusyRejection(t *testing.T) {
	release := make(chan struct{})
	fx := newWSFixture(t, func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role {
		return []orchestrator.Role{&blockedRole{bus: bus, release: release}}
	})

	conn := fx.dial(t, "chat-busy")
	readUntil(t, conn, FrameHistoryComplete)

	sendFrame(t, conn, Frame{Type: FrameSendMessage, Data: map[string]any{"message": "first"}})
	readUntil(t, conn, FrameRoundStart)

	sendFrame(t, conn, Frame{Type: FrameSendMessage, Data: map[string]any{"message": "second"}})
	errFrame, _ := readUntil(t, conn, FrameError)
	if msg, _ := errFrame.Data["message"].(string); !strings.Contains(msg, "in flight") {
		t.Errorf("error frame = %+v", errFrame)
	}

	close(release)
	readUntil(t, conn, FrameMessageComplete)
}

func TestWebSocket_UploadFile(t *testing.T) {
	fx := newWSFixture(t, func(bus *event.Bus, gate *confirm.Gate) []orchestrator.Role {
		return []orchestrator.Role{&echoRole{bus: bus, reply: "ok"}}
	})

	conn := fx.dial(t, "chat-upload")
	readUntil(t, conn, FrameHistoryComplete)

	sendFrame(t, conn, Frame{Type: FrameUploadFile, Data: map[string]any{
		"filename":    "data.csv",
		"content_b64": base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n")),
	}})
	readUntil(t, conn, FrameStatusUpdate)

	// Queued files only reach the execution environment with the next turn.
	if _, ok := fx.uploader.get("data.csv"); ok {
		t.Error("file uploaded before any turn started")
	}

	sendFrame(t, conn, Frame{Type: FrameSendMessage, Data: map[string]any{"message": "analyze it"}})
	readUntil(t, conn, FrameMessageComplete)

	data, ok := fx.uploader.get("data.csv")
	if !ok || string(data) != "a,b\n1,2\n" {
		t.Errorf("uploaded data = %q (ok=%v)", data, ok)
	}
}
