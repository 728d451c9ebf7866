package event

// Scope identifies which level of the conversation an event targets.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeRound   Scope = "round"
	ScopePost    Scope = "post"
)

// Type represents the type of event.
type Type string

const (
	SessionStart Type = "session_start"
	SessionEnd   Type = "session_end"

	RoundStart Type = "round_start"
	RoundEnd   Type = "round_end"
	RoundError Type = "round_error"

	PostStart               Type = "post_start"
	PostEnd                 Type = "post_end"
	PostMessageUpdate       Type = "post_message_update"
	PostAttachmentStart     Type = "post_attachment_start"
	PostAttachmentUpdate    Type = "post_attachment_update"
	PostSendToUpdate        Type = "post_send_to_update"
	PostStatusUpdate        Type = "post_status_update"
	PostExecutionOutput     Type = "post_execution_output"
	PostConfirmationRequest Type = "post_confirmation_request"
)

// ScopeOf returns the scope a given event type belongs to.
func ScopeOf(t Type) Scope {
	switch t {
	case SessionStart, SessionEnd:
		return ScopeSession
	case RoundStart, RoundEnd, RoundError:
		return ScopeRound
	default:
		return ScopePost
	}
}

// Event is one item on the bus. Identity is (scope, type, target id);
// Extra carries per-type payload fields.
type Event struct {
	Scope     Scope          `json:"scope"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	RoundID   string         `json:"round_id,omitempty"`
	PostID    string         `json:"post_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// TargetID returns the id of the entity the event addresses.
func (e Event) TargetID() string {
	switch e.Scope {
	case ScopePost:
		return e.PostID
	case ScopeRound:
		return e.RoundID
	default:
		return e.SessionID
	}
}
