package memory

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"
)

// RoleUser is the role alias of the end user.
const RoleUser = "User"

// RoleUnknown is the default recipient before a post is routed.
const RoleUnknown = "Unknown"

// Post is a single directed message within a Round.
type Post struct {
	ID          string        `json:"id" yaml:"id"`
	SendFrom    string        `json:"send_from" yaml:"send_from"`
	SendTo      string        `json:"send_to" yaml:"send_to"`
	Message     string        `json:"message" yaml:"message"`
	Attachments []*Attachment `json:"attachments" yaml:"attachments"`
}

// NewPost creates a post originating from the given role.
func NewPost(sendFrom string) *Post {
	return &Post{
		ID:       "post-" + ulid.Make().String(),
		SendFrom: sendFrom,
		SendTo:   RoleUnknown,
	}
}

// AddAttachment appends an attachment, preserving emission order.
func (p *Post) AddAttachment(a *Attachment) {
	p.Attachments = append(p.Attachments, a)
}

// AttachmentsOfKind returns all attachments of the given kind in order.
func (p *Post) AttachmentsOfKind(kind AttachmentKind) []*Attachment {
	var out []*Attachment
	for _, a := range p.Attachments {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// UnmarshalJSON decodes a post, silently dropping attachments whose kind was
// not recognized.
func (p *Post) UnmarshalJSON(data []byte) error {
	type alias Post
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Post(raw)
	if p.SendTo == "" {
		p.SendTo = RoleUnknown
	}
	kept := p.Attachments[:0]
	for _, a := range p.Attachments {
		if a.Kind != KindUnknown {
			kept = append(kept, a)
		}
	}
	p.Attachments = kept
	return nil
}

// clone returns a deep copy of the post.
func (p *Post) clone() *Post {
	c := *p
	if p.Attachments != nil {
		c.Attachments = make([]*Attachment, len(p.Attachments))
		for i, a := range p.Attachments {
			c.Attachments[i] = a.clone()
		}
	}
	return &c
}
