package event

import (
	"sync"

	"github.com/loomhq/loom/internal/memory"
)

// PostProxy is the event-bus handle bound to a single in-flight Post. Roles
// stream incremental updates through it; the proxy applies them to the post
// in emission order and publishes the matching events. The post is frozen
// once End is called.
type PostProxy struct {
	bus     *Bus
	roundID string

	mu     sync.Mutex
	post   *memory.Post
	open   map[string]*memory.Attachment
	closed bool
}

// NewPostProxy creates a proxy for a new post sent from the given role and
// emits post_start.
func (b *Bus) NewPostProxy(roundID, sendFrom string) *PostProxy {
	p := &PostProxy{
		bus:     b,
		roundID: roundID,
		post:    memory.NewPost(sendFrom),
		open:    make(map[string]*memory.Attachment),
	}
	_ = b.Emit(Event{
		Type:    PostStart,
		RoundID: roundID,
		PostID:  p.post.ID,
		Extra:   map[string]any{"role": sendFrom},
	})
	return p
}

// PostID returns the id of the bound post.
func (p *PostProxy) PostID() string {
	return p.post.ID
}

// Post returns the bound post. Callers must not mutate it after End.
func (p *PostProxy) Post() *memory.Post {
	return p.post
}

// UpdateMessage appends a message delta. is_end marks the final chunk of the
// streamed message.
func (p *PostProxy) UpdateMessage(text string, isEnd bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	p.post.Message += text
	p.mu.Unlock()

	return p.bus.Emit(Event{
		Type:    PostMessageUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: text,
		Extra:   map[string]any{"is_end": isEnd},
	})
}

// StartAttachment opens a new attachment of the given kind and returns its id.
func (p *PostProxy) StartAttachment(kind memory.AttachmentKind) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPostClosed
	}
	a := memory.NewAttachment(kind, "")
	p.post.AddAttachment(a)
	p.open[a.ID] = a
	p.mu.Unlock()

	err := p.bus.Emit(Event{
		Type:    PostAttachmentStart,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra:   map[string]any{"attachment_id": a.ID, "attachment_type": string(kind)},
	})
	return a.ID, err
}

// UpdateAttachment appends content to an open attachment. is_end closes it.
func (p *PostProxy) UpdateAttachment(attID, content string, isEnd bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	a := p.open[attID]
	if a != nil {
		a.Content += content
		if isEnd {
			delete(p.open, attID)
		}
	}
	p.mu.Unlock()

	return p.bus.Emit(Event{
		Type:    PostAttachmentUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: content,
		Extra:   map[string]any{"attachment_id": attID, "is_end": isEnd},
	})
}

// Attach adds a complete attachment in one shot.
func (p *PostProxy) Attach(kind memory.AttachmentKind, content string) error {
	id, err := p.StartAttachment(kind)
	if err != nil {
		return err
	}
	return p.UpdateAttachment(id, content, true)
}

// UpdateSendTo routes the post to a recipient role.
func (p *PostProxy) UpdateSendTo(sendTo string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	p.post.SendTo = sendTo
	p.mu.Unlock()

	return p.bus.Emit(Event{
		Type:    PostSendToUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra:   map[string]any{"send_to": sendTo},
	})
}

// UpdateStatus publishes a human-readable progress status.
func (p *PostProxy) UpdateStatus(status string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	p.mu.Unlock()

	return p.bus.Emit(Event{
		Type:    PostStatusUpdate,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: status,
	})
}

// ExecutionOutput forwards a stdout/stderr chunk produced during code
// execution.
func (p *PostProxy) ExecutionOutput(stream, text string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	p.mu.Unlock()

	return p.bus.Emit(Event{
		Type:    PostExecutionOutput,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Message: text,
		Extra:   map[string]any{"stream": stream},
	})
}

// ConfirmationRequest publishes a request to approve code execution.
func (p *PostProxy) ConfirmationRequest(code string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	p.mu.Unlock()

	return p.bus.Emit(Event{
		Type:    PostConfirmationRequest,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra:   map[string]any{"code": code},
	})
}

// End freezes the post and emits post_end. err, when non-nil, is surfaced in
// the event payload. Idempotent: a second End returns ErrPostClosed.
func (p *PostProxy) End(endErr error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPostClosed
	}
	p.closed = true
	p.open = nil
	p.mu.Unlock()

	extra := map[string]any{}
	if endErr != nil {
		extra["error"] = endErr.Error()
	}
	return p.bus.Emit(Event{
		Type:    PostEnd,
		RoundID: p.roundID,
		PostID:  p.post.ID,
		Extra:   extra,
	})
}
