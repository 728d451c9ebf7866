package execsvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/kernel"
	"github.com/loomhq/loom/internal/logging"
)

// mapError translates manager and kernel errors onto HTTP statuses.
func mapError(w http.ResponseWriter, err error) {
	var pluginErr *kernel.PluginLoadError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, KindSessionNotFound, err.Error())
	case errors.Is(err, ErrSessionExists):
		writeError(w, http.StatusConflict, KindSessionExists, err.Error())
	case errors.Is(err, kernel.ErrPathTraversal):
		writeError(w, http.StatusBadRequest, KindPathTraversal, err.Error())
	case errors.Is(err, kernel.ErrStartFailed):
		writeError(w, http.StatusInternalServerError, KindKernelStart, err.Error())
	case errors.As(err, &pluginErr):
		writeError(w, http.StatusBadRequest, KindPluginLoad, err.Error())
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, KindSessionNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, KindInternal, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Version:        Version,
		ActiveSessions: s.manager.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionInfo(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "invalid JSON body")
		return
	}

	sess, err := s.manager.Create(r.Context(), req.SessionID, req.Cwd)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionInfo(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(chi.URLParam(r, "sessionID")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req LoadPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "plugin name and code required")
		return
	}

	if err := s.manager.LoadPlugin(chi.URLParam(r, "sessionID"), req.Name, req.Code, req.Config); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "code required")
		return
	}
	if req.ExecID == "" {
		req.ExecID = "exec-" + uuid.NewString()
	}

	if !req.Stream {
		result, err := s.manager.Execute(r.Context(), sessionID, req.ExecID, req.Code, nil)
		if err != nil {
			mapError(w, err)
			return
		}
		// Kernel-level failures are a 200 with is_success=false.
		writeJSON(w, http.StatusOK, resultJSON(sessionID, result))
		return
	}

	if _, err := s.manager.Get(sessionID); err != nil {
		mapError(w, err)
		return
	}

	stream := s.streams.create(sessionID, req.ExecID)
	go s.runStreamedExecution(sessionID, req.ExecID, req.Code, stream)

	writeJSON(w, http.StatusAccepted, ExecuteAccepted{
		ExecID:    req.ExecID,
		StreamURL: "/api/v1/sessions/" + sessionID + "/execute/" + req.ExecID + "/stream",
	})
}

// runStreamedExecution drives one execution, forwarding output chunks onto
// the stream in kernel order and terminating with result then done.
func (s *Server) runStreamedExecution(sessionID, execID, code string, stream *execStream) {
	defer s.streams.finish(sessionID, execID)

	result, err := s.manager.Execute(context.Background(), sessionID, execID, code, func(streamName, text string) {
		stream.publish("output", map[string]string{"type": streamName, "text": text})
	})
	if err != nil {
		logging.Error().Err(err).Str("session", sessionID).Str("exec", execID).Msg("streamed execution failed")
		msg := err.Error()
		stream.publish("result", ResultJSON{
			ExecutionID: execID,
			Code:        code,
			IsSuccess:   false,
			Error:       &msg,
			Output:      []OutputJSON{},
			Stdout:      []string{},
			Stderr:      []string{},
			Log:         []LogJSON{},
			Artifacts:   []ArtifactJSON{},
			Variables:   [][]string{},
		})
	} else {
		stream.publish("result", resultJSON(sessionID, result))
	}
	// done is always sent, even on error.
	stream.publish("done", map[string]any{})
}

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	execID := chi.URLParam(r, "execID")

	stream, ok := s.streams.get(sessionID, execID)
	if !ok {
		writeError(w, http.StatusNotFound, KindSessionNotFound, "no stream for execution "+execID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, KindInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-stream.frames:
			if err := sse.writeEvent(frame.event, frame.data); err != nil {
				return
			}
			if frame.event == "done" {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

func (s *Server) handleUpdateVariables(w http.ResponseWriter, r *http.Request) {
	var req UpdateVariablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "invalid JSON body")
		return
	}

	if err := s.manager.UpdateVariables(chi.URLParam(r, "sessionID"), req.Variables); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	var req UploadFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "filename required")
		return
	}

	var data []byte
	switch req.Encoding {
	case "", "text":
		data = []byte(req.Content)
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindInvalidRequest, "invalid base64 content")
			return
		}
		data = decoded
	default:
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "unknown encoding "+req.Encoding)
		return
	}

	if _, err := s.manager.UploadFile(chi.URLParam(r, "sessionID"), req.Filename, data); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadFileResponse{Filename: req.Filename, Size: len(data)})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	path, err := s.manager.ArtifactPath(chi.URLParam(r, "sessionID"), chi.URLParam(r, "filename"))
	if err != nil {
		mapError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
