package execsvc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/logging"
)

const (
	// sseHeartbeatInterval is the keepalive comment interval.
	sseHeartbeatInterval = 30 * time.Second
	// streamLinger keeps a finished stream resolvable briefly so a client
	// that raced the execution can still collect the tail.
	streamLinger = 5 * time.Second
	// streamBuffer bounds frames held for a slow or absent consumer.
	streamBuffer = 256
)

// sseFrame is one event on an execution stream.
type sseFrame struct {
	event string
	data  any
}

// execStream buffers frames for one (session, exec) pair. Frames beyond the
// buffer are dropped; reconnecting clients resume at the current tail.
type execStream struct {
	frames chan sseFrame
}

func (s *execStream) publish(event string, data any) {
	select {
	case s.frames <- sseFrame{event: event, data: data}:
	default:
		logging.Warn().Str("event", event).Msg("execution stream full, dropping frame")
	}
}

// streamHub registers execution streams keyed by session and exec id.
type streamHub struct {
	mu      sync.Mutex
	streams map[string]*execStream
}

func newStreamHub() *streamHub {
	return &streamHub{streams: make(map[string]*execStream)}
}

func streamKey(sessionID, execID string) string {
	return sessionID + ":" + execID
}

func (h *streamHub) create(sessionID, execID string) *execStream {
	s := &execStream{frames: make(chan sseFrame, streamBuffer)}
	h.mu.Lock()
	h.streams[streamKey(sessionID, execID)] = s
	h.mu.Unlock()
	return s
}

func (h *streamHub) get(sessionID, execID string) (*execStream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[streamKey(sessionID, execID)]
	return s, ok
}

// finish schedules removal after the linger window.
func (h *streamHub) finish(sessionID, execID string) {
	key := streamKey(sessionID, execID)
	time.AfterFunc(streamLinger, func() {
		h.mu.Lock()
		delete(h.streams, key)
		h.mu.Unlock()
	})
}

// sseWriter wraps http.ResponseWriter for SSE output.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}
