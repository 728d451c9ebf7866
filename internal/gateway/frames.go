package gateway

import (
	"github.com/loomhq/loom/internal/event"
	"github.com/loomhq/loom/internal/memory"
)

// Frame is one message on the duplex connection, in both directions.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Server-to-client frame types.
const (
	FrameConnected       = "connected"
	FrameRoundStart      = "round_start"
	FrameRoundEnd        = "round_end"
	FrameRoundError      = "round_error"
	FramePostStart       = "post_start"
	FramePostEnd         = "post_end"
	FrameMessageUpdate   = "message_update"
	FrameAttachStart     = "attachment_start"
	FrameAttachUpdate    = "attachment_update"
	FrameSendToUpdate    = "send_to_update"
	FrameStatusUpdate    = "status_update"
	FrameExecutionOutput = "execution_output"
	FrameConfirmRequest  = "confirm_request"
	FrameMessageComplete = "message_complete"
	FrameHistoryComplete = "history_complete"
	FrameError           = "error"
)

// Client-to-server frame types.
const (
	FrameSendMessage = "send_message"
	FrameConfirm     = "confirm"
	FrameUploadFile  = "upload_file"
)

// frameForEvent translates a bus event into its wire frame. Returns false
// for events that do not cross the connection.
func frameForEvent(e event.Event) (Frame, bool) {
	switch e.Type {
	case event.RoundStart:
		return Frame{Type: FrameRoundStart, Data: map[string]any{"round_id": e.RoundID}}, true
	case event.RoundEnd:
		return Frame{Type: FrameRoundEnd, Data: map[string]any{"round_id": e.RoundID}}, true
	case event.RoundError:
		return Frame{Type: FrameRoundError, Data: map[string]any{"round_id": e.RoundID, "message": e.Message}}, true
	case event.PostStart:
		return Frame{Type: FramePostStart, Data: map[string]any{
			"post_id": e.PostID, "round_id": e.RoundID, "role": e.Extra["role"],
		}}, true
	case event.PostEnd:
		data := map[string]any{"post_id": e.PostID}
		if errMsg, ok := e.Extra["error"]; ok {
			data["error"] = errMsg
		}
		return Frame{Type: FramePostEnd, Data: data}, true
	case event.PostMessageUpdate:
		return Frame{Type: FrameMessageUpdate, Data: map[string]any{
			"post_id": e.PostID, "text": e.Message, "is_end": e.Extra["is_end"],
		}}, true
	case event.PostAttachmentStart:
		return Frame{Type: FrameAttachStart, Data: map[string]any{
			"post_id":         e.PostID,
			"attachment_id":   e.Extra["attachment_id"],
			"attachment_type": e.Extra["attachment_type"],
		}}, true
	case event.PostAttachmentUpdate:
		return Frame{Type: FrameAttachUpdate, Data: map[string]any{
			"post_id":       e.PostID,
			"attachment_id": e.Extra["attachment_id"],
			"content":       e.Message,
			"is_end":        e.Extra["is_end"],
		}}, true
	case event.PostSendToUpdate:
		return Frame{Type: FrameSendToUpdate, Data: map[string]any{
			"post_id": e.PostID, "send_to": e.Extra["send_to"],
		}}, true
	case event.PostStatusUpdate:
		return Frame{Type: FrameStatusUpdate, Data: map[string]any{
			"post_id": e.PostID, "status": e.Message,
		}}, true
	case event.PostExecutionOutput:
		return Frame{Type: FrameExecutionOutput, Data: map[string]any{
			"post_id": e.PostID, "stream": e.Extra["stream"], "text": e.Message,
		}}, true
	case event.PostConfirmationRequest:
		return Frame{Type: FrameConfirmRequest, Data: map[string]any{
			"post_id": e.PostID, "round_id": e.RoundID, "code": e.Extra["code"],
		}}, true
	default:
		return Frame{}, false
	}
}

// historyFrames renders a stored round as the synthetic frame sequence a
// live observer would have seen, with attachments and messages collapsed to
// single final updates.
func historyFrames(r *memory.Round) []Frame {
	frames := []Frame{{Type: FrameRoundStart, Data: map[string]any{"round_id": r.ID}}}

	for _, post := range r.Posts {
		frames = append(frames, Frame{Type: FramePostStart, Data: map[string]any{
			"post_id": post.ID, "round_id": r.ID, "role": post.SendFrom,
		}})
		frames = append(frames, Frame{Type: FrameSendToUpdate, Data: map[string]any{
			"post_id": post.ID, "send_to": post.SendTo,
		}})
		for _, att := range post.Attachments {
			frames = append(frames, Frame{Type: FrameAttachStart, Data: map[string]any{
				"post_id": post.ID, "attachment_id": att.ID, "attachment_type": string(att.Kind),
			}})
			frames = append(frames, Frame{Type: FrameAttachUpdate, Data: map[string]any{
				"post_id": post.ID, "attachment_id": att.ID, "content": att.Content, "is_end": true,
			}})
		}
		if post.Message != "" {
			frames = append(frames, Frame{Type: FrameMessageUpdate, Data: map[string]any{
				"post_id": post.ID, "text": post.Message, "is_end": true,
			}})
		}
		frames = append(frames, Frame{Type: FramePostEnd, Data: map[string]any{"post_id": post.ID}})
	}

	switch r.State {
	case memory.RoundFailed:
		frames = append(frames, Frame{Type: FrameRoundError, Data: map[string]any{
			"round_id": r.ID, "message": "round failed",
		}})
	}
	frames = append(frames, Frame{Type: FrameRoundEnd, Data: map[string]any{"round_id": r.ID}})
	return frames
}
