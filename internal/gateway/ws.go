package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/orchestrator"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware on the
	// REST surface; the socket accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes frame writes. Bus handlers, the reader goroutine and
// turn completions all write concurrently.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) writeError(msg string) {
	if err := c.writeFrame(Frame{Type: FrameError, Data: map[string]any{"message": msg}}); err != nil {
		logging.Debug().Err(err).Msg("write error frame")
	}
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	cs, err := g.getOrCreate(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("websocket upgrade failed")
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	logging.Info().Str("session", id).Msg("chat client connected")

	if err := ws.writeFrame(Frame{Type: FrameConnected, Data: map[string]any{"session_id": id}}); err != nil {
		return
	}
	if err := g.replayHistory(ws, cs.session); err != nil {
		logging.Debug().Err(err).Str("session", id).Msg("history replay aborted")
		return
	}

	// Live events flow from here on; replay happened before the
	// subscription so the client never sees a round twice.
	unsubscribe := cs.session.Bus().SubscribeAll(func(e event.Event) {
		frame, ok := frameForEvent(e)
		if !ok {
			return
		}
		if err := ws.writeFrame(frame); err != nil {
			logging.Debug().Err(err).Str("session", id).Msg("event write failed")
		}
	})
	defer unsubscribe()

	g.readLoop(r.Context(), ws, cs)
	logging.Info().Str("session", id).Msg("chat client disconnected")
}

// replayHistory replays the stored conversation then marks the boundary
// with history_complete.
func (g *Gateway) replayHistory(ws *wsConn, session *orchestrator.Session) error {
	for _, round := range session.Memory().Snapshot().Rounds {
		for _, frame := range historyFrames(round) {
			if err := ws.writeFrame(frame); err != nil {
				return err
			}
		}
	}
	return ws.writeFrame(Frame{Type: FrameHistoryComplete})
}

func (g *Gateway) readLoop(ctx context.Context, ws *wsConn, cs *chatSession) {
	for {
		var frame Frame
		if err := ws.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		switch frame.Type {
		case FrameSendMessage:
			g.handleSendMessage(ctx, ws, cs, frame)
		case FrameConfirm:
			approved, _ := frame.Data["approved"].(bool)
			cs.session.Gate().Provide(approved)
		case FrameUploadFile:
			g.handleUploadFrame(ws, cs, frame)
		default:
			ws.writeError("unknown frame type: " + frame.Type)
		}
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, ws *wsConn, cs *chatSession, frame Frame) {
	text, _ := frame.Data["message"].(string)
	if text == "" {
		ws.writeError("send_message requires a message")
		return
	}
	if cs.session.Busy() {
		ws.writeError("a turn is already in flight")
		return
	}

	if files, ok := frame.Data["files"].([]any); ok {
		for _, f := range files {
			if !g.queueFromFrame(ws, cs, f) {
				return
			}
		}
	}
	if !g.flushPending(ctx, ws, cs) {
		return
	}

	// The turn runs detached from the read loop so the client can still
	// deliver confirmation replies while the round is in progress.
	go func() {
		round, err := cs.session.SendMessage(ctx, text)
		if err != nil {
			// round_error already went out on the bus; the frame below
			// is for clients that only track turn completion.
			ws.writeError(err.Error())
			return
		}
		final := ""
		if n := len(round.Posts); n > 0 {
			final = round.Posts[n-1].Message
		}
		if err := ws.writeFrame(Frame{Type: FrameMessageComplete, Data: map[string]any{
			"round_id": round.ID, "message": final,
		}}); err != nil {
			logging.Debug().Err(err).Msg("message_complete write failed")
		}
	}()
}

// handleUploadFrame queues a file for the next turn. Files reach the
// execution environment when the next send_message arrives.
func (g *Gateway) handleUploadFrame(ws *wsConn, cs *chatSession, frame Frame) {
	if !g.queueFromFrame(ws, cs, map[string]any(frame.Data)) {
		return
	}
	name, _ := frame.Data["filename"].(string)
	ws.writeFrame(Frame{Type: FrameStatusUpdate, Data: map[string]any{
		"status": "queued " + name,
	}})
}

// queueFromFrame validates one {filename, content_b64} entry and adds it to
// the session's pending queue. Reports failure to the client.
func (g *Gateway) queueFromFrame(ws *wsConn, cs *chatSession, entry any) bool {
	m, ok := entry.(map[string]any)
	if !ok {
		ws.writeError("malformed file entry")
		return false
	}
	name, _ := m["filename"].(string)
	encoded, _ := m["content_b64"].(string)
	if name == "" {
		ws.writeError("file entry requires a filename")
		return false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		ws.writeError("file content is not valid base64: " + name)
		return false
	}
	cs.queueFile(name, data)
	return true
}

// flushPending uploads all queued files ahead of a turn.
func (g *Gateway) flushPending(ctx context.Context, ws *wsConn, cs *chatSession) bool {
	files := cs.takePending()
	if len(files) == 0 {
		return true
	}
	if cs.uploader == nil {
		ws.writeError("file uploads are not configured")
		return false
	}
	for _, f := range files {
		if err := cs.uploader.UploadFile(ctx, f.name, f.data); err != nil {
			ws.writeError("upload failed: " + f.name + ": " + err.Error())
			return false
		}
	}
	return true
}
