package kernel

// The kernel speaks a line-delimited JSON protocol over its stdio: one
// message per line in each direction. The shapes mirror the IPython
// messaging model (stream, display_data, execute_result, status) plus a
// privileged control channel for plugin injection and variable access.

// Message type constants, shared by both directions.
const (
	MsgExecuteRequest = "execute_request"
	MsgControlRequest = "control_request"
	MsgControlReply   = "control_reply"
	MsgStream         = "stream"
	MsgDisplayData    = "display_data"
	MsgExecuteResult  = "execute_result"
	MsgExecuteError   = "error"
	MsgStatus         = "status"
	MsgLog            = "log"
)

// Kernel execution states carried by status messages.
const (
	StateReady = "ready"
	StateBusy  = "busy"
	StateIdle  = "idle"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Control actions.
const (
	ControlRegisterPlugin  = "register_plugin"
	ControlUpdateVariables = "update_variables"
	ControlListVariables   = "list_variables"
)

// Message is one protocol frame. Fields are populated per Type; unused
// fields stay zero and are omitted on the wire.
type Message struct {
	Type   string `json:"type"`
	ExecID string `json:"exec_id,omitempty"`

	// execute_request
	Code string `json:"code,omitempty"`

	// stream
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// display_data / execute_result: mime type -> content. Binary payloads
	// (images) are base64-encoded by the kernel.
	Data map[string]string `json:"data,omitempty"`

	// status
	State string `json:"state,omitempty"`

	// error
	ErrorName      string   `json:"ename,omitempty"`
	ErrorValue     string   `json:"evalue,omitempty"`
	ErrorTraceback []string `json:"traceback,omitempty"`

	// log
	LogLevel string `json:"level,omitempty"`
	LogTag   string `json:"tag,omitempty"`

	// control_request / control_reply
	ControlID string         `json:"control_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	OK        bool           `json:"ok,omitempty"`
	Error     string         `json:"error,omitempty"`
	Variables []VariableInfo `json:"variables,omitempty"`
}

// VariableInfo describes one name in the kernel namespace as reported by the
// list_variables control action.
type VariableInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Repr string `json:"repr"`
}
