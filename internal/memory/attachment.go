package memory

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"
)

// AttachmentKind identifies the payload type carried by an Attachment.
type AttachmentKind string

const (
	KindPlan              AttachmentKind = "plan"
	KindCurrentPlanStep   AttachmentKind = "current_plan_step"
	KindPlanReasoning     AttachmentKind = "plan_reasoning"
	KindStop              AttachmentKind = "stop"
	KindThought           AttachmentKind = "thought"
	KindReplyType         AttachmentKind = "reply_type"
	KindReplyContent      AttachmentKind = "reply_content"
	KindVerification      AttachmentKind = "verification"
	KindCodeError         AttachmentKind = "code_error"
	KindExecutionStatus   AttachmentKind = "execution_status"
	KindExecutionResult   AttachmentKind = "execution_result"
	KindArtifactPaths     AttachmentKind = "artifact_paths"
	KindReviseMessage     AttachmentKind = "revise_message"
	KindFunction          AttachmentKind = "function"
	KindSessionVariables  AttachmentKind = "session_variables"
	KindSharedMemoryEntry AttachmentKind = "shared_memory_entry"
	KindInvalidResponse   AttachmentKind = "invalid_response"
	KindText              AttachmentKind = "text"
	KindImageURL          AttachmentKind = "image_url"

	// KindUnknown marks attachments whose kind was not recognized on load.
	// Loaders strip these for forward compatibility.
	KindUnknown AttachmentKind = "unknown"
)

var knownKinds = map[AttachmentKind]bool{
	KindPlan:              true,
	KindCurrentPlanStep:   true,
	KindPlanReasoning:     true,
	KindStop:              true,
	KindThought:           true,
	KindReplyType:         true,
	KindReplyContent:      true,
	KindVerification:      true,
	KindCodeError:         true,
	KindExecutionStatus:   true,
	KindExecutionResult:   true,
	KindArtifactPaths:     true,
	KindReviseMessage:     true,
	KindFunction:          true,
	KindSessionVariables:  true,
	KindSharedMemoryEntry: true,
	KindInvalidResponse:   true,
	KindText:              true,
	KindImageURL:          true,
}

// Known reports whether k is a member of the closed attachment kind set.
func (k AttachmentKind) Known() bool {
	return knownKinds[k]
}

// Attachment is a typed payload attached to a Post.
type Attachment struct {
	ID      string         `json:"id" yaml:"id"`
	Kind    AttachmentKind `json:"kind" yaml:"kind"`
	Content string         `json:"content" yaml:"content"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewAttachment creates an attachment with a fresh id.
func NewAttachment(kind AttachmentKind, content string) *Attachment {
	return &Attachment{
		ID:      "atta-" + ulid.Make().String(),
		Kind:    kind,
		Content: content,
	}
}

// UnmarshalJSON decodes an attachment, mapping kinds outside the closed set
// to KindUnknown.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	type alias Attachment
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Attachment(raw)
	if !a.Kind.Known() {
		a.Kind = KindUnknown
	}
	return nil
}

// clone returns a deep copy of the attachment.
func (a *Attachment) clone() *Attachment {
	c := *a
	if a.Extra != nil {
		c.Extra = make(map[string]any, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
