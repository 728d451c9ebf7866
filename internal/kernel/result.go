package kernel

// OutputItem is one display payload produced by an execution, keyed by mime
// type.
type OutputItem struct {
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

// LogEntry is one kernel-side log line captured during an execution.
type LogEntry struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Variable is a (name, short-repr) pair surfaced from the kernel namespace
// after an execution.
type Variable struct {
	Name string `json:"name"`
	Repr string `json:"repr"`
}

// Artifact is a file produced by an execution, either discovered in the
// session cwd or decoded from inline display data.
type Artifact struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	MimeType     string `json:"mime_type"`
	OriginalName string `json:"original_name"`
	FileName     string `json:"file_name"`
	Preview      string `json:"preview,omitempty"`
}

// ExecutionResult is the outcome of one code execution.
type ExecutionResult struct {
	ExecutionID string       `json:"execution_id"`
	Code        string       `json:"code"`
	IsSuccess   bool         `json:"is_success"`
	Error       string       `json:"error,omitempty"`
	Output      []OutputItem `json:"output"`
	Stdout      []string     `json:"stdout"`
	Stderr      []string     `json:"stderr"`
	Log         []LogEntry   `json:"log"`
	Artifacts   []Artifact   `json:"artifacts"`
	Variables   []Variable   `json:"variables"`
}
