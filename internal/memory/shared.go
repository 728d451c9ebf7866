package memory

// SharedMemoryScope controls the lifetime of a SharedMemoryEntry.
type SharedMemoryScope string

const (
	ScopeRound        SharedMemoryScope = "round"
	ScopeConversation SharedMemoryScope = "conversation"
)

// SharedMemoryEntry is cross-role scratch data carried inside a
// shared_memory_entry attachment. Round-scoped entries are visible only
// while their round is the latest one.
type SharedMemoryEntry struct {
	Type    string            `json:"type" yaml:"type"`
	Scope   SharedMemoryScope `json:"scope" yaml:"scope"`
	Content string            `json:"content" yaml:"content"`
}

// SharedMemoryAttachment wraps an entry into an attachment.
func SharedMemoryAttachment(entry SharedMemoryEntry) *Attachment {
	a := NewAttachment(KindSharedMemoryEntry, entry.Content)
	a.Extra = map[string]any{
		"type":  entry.Type,
		"scope": string(entry.Scope),
	}
	return a
}

// entryFromAttachment decodes a SharedMemoryEntry from an attachment's extra
// mapping. Returns false when the attachment does not carry one.
func entryFromAttachment(a *Attachment) (SharedMemoryEntry, bool) {
	if a.Kind != KindSharedMemoryEntry || a.Extra == nil {
		return SharedMemoryEntry{}, false
	}
	typ, _ := a.Extra["type"].(string)
	scope, _ := a.Extra["scope"].(string)
	if typ == "" {
		return SharedMemoryEntry{}, false
	}
	if scope == "" {
		scope = string(ScopeConversation)
	}
	return SharedMemoryEntry{
		Type:    typ,
		Scope:   SharedMemoryScope(scope),
		Content: a.Content,
	}, true
}
