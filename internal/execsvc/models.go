package execsvc

import (
	"time"

	"github.com/loomhq/loom/internal/kernel"
)

// SessionInfo is the wire representation of one session.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	Cwd            string    `json:"cwd"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ExecutionCount int       `json:"execution_count"`
	Plugins        []string  `json:"plugins"`
}

func sessionInfo(s Session) SessionInfo {
	return SessionInfo{
		SessionID:      s.ID(),
		Cwd:            s.Cwd(),
		CreatedAt:      s.CreatedAt(),
		LastActivity:   s.LastActivity(),
		ExecutionCount: s.ExecutionCount(),
		Plugins:        s.Plugins(),
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// LoadPluginRequest is the POST /sessions/{id}/plugins body.
type LoadPluginRequest struct {
	Name   string            `json:"name"`
	Code   string            `json:"code"`
	Config map[string]string `json:"config,omitempty"`
}

// ExecuteRequest is the POST /sessions/{id}/execute body.
type ExecuteRequest struct {
	ExecID string `json:"exec_id"`
	Code   string `json:"code"`
	Stream bool   `json:"stream,omitempty"`
}

// ExecuteAccepted is the 202 body for streamed executions.
type ExecuteAccepted struct {
	ExecID    string `json:"exec_id"`
	StreamURL string `json:"stream_url"`
}

// UpdateVariablesRequest is the POST /sessions/{id}/variables body.
type UpdateVariablesRequest struct {
	Variables map[string]any `json:"variables"`
}

// UploadFileRequest is the POST /sessions/{id}/files body. Encoding is
// "base64" or "text".
type UploadFileRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// UploadFileResponse reports where the file landed.
type UploadFileResponse struct {
	Filename string `json:"filename"`
	Size     int    `json:"size"`
}

// ArtifactJSON is the wire shape of one artifact.
type ArtifactJSON struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	MimeType     string `json:"mime_type,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	FileName     string `json:"file_name"`
	FileContent  string `json:"file_content,omitempty"`
	Preview      string `json:"preview,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
}

// OutputJSON is one (mime, content) output pair.
type OutputJSON struct {
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

// LogJSON is one captured kernel log line.
type LogJSON struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ResultJSON is the wire shape of an ExecutionResult. Variables are
// [name, short_repr] tuples; the artifact list keeps its historical
// singular key.
type ResultJSON struct {
	ExecutionID string         `json:"execution_id"`
	Code        string         `json:"code"`
	IsSuccess   bool           `json:"is_success"`
	Error       *string        `json:"error"`
	Output      []OutputJSON   `json:"output"`
	Stdout      []string       `json:"stdout"`
	Stderr      []string       `json:"stderr"`
	Log         []LogJSON      `json:"log"`
	Artifacts   []ArtifactJSON `json:"artifact"`
	Variables   [][]string     `json:"variables"`
}

func resultJSON(sessionID string, r *kernel.ExecutionResult) ResultJSON {
	out := ResultJSON{
		ExecutionID: r.ExecutionID,
		Code:        r.Code,
		IsSuccess:   r.IsSuccess,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		Output:      make([]OutputJSON, 0, len(r.Output)),
		Log:         make([]LogJSON, 0, len(r.Log)),
		Artifacts:   make([]ArtifactJSON, 0, len(r.Artifacts)),
		Variables:   make([][]string, 0, len(r.Variables)),
	}
	if r.Error != "" {
		msg := r.Error
		out.Error = &msg
	}
	if out.Stdout == nil {
		out.Stdout = []string{}
	}
	if out.Stderr == nil {
		out.Stderr = []string{}
	}
	for _, o := range r.Output {
		out.Output = append(out.Output, OutputJSON{MimeType: o.MimeType, Content: o.Content})
	}
	for _, l := range r.Log {
		out.Log = append(out.Log, LogJSON{Level: l.Level, Tag: l.Tag, Message: l.Message})
	}
	for _, a := range r.Artifacts {
		out.Artifacts = append(out.Artifacts, ArtifactJSON{
			Name:         a.Name,
			Type:         a.Type,
			MimeType:     a.MimeType,
			OriginalName: a.OriginalName,
			FileName:     a.FileName,
			Preview:      a.Preview,
			DownloadURL:  "/api/v1/sessions/" + sessionID + "/artifacts/" + a.FileName,
		})
	}
	for _, v := range r.Variables {
		out.Variables = append(out.Variables, []string{v.Name, v.Repr})
	}
	return out
}
