// Package event provides the typed pub/sub pipeline that roles publish
// incremental updates through, built on watermill's gochannel.
package event

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/loomhq/loom/internal/logging"
)

// ErrPostClosed is returned when an event is emitted for a post after its
// post_end has been published.
var ErrPostClosed = errors.New("post already ended")

// Handler is a function that receives events. Handlers run on the emitting
// goroutine and must be non-blocking or queue internally.
type Handler func(event Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bus dispatches events synchronously to subscribers. It keeps watermill's
// gochannel underneath for middleware/routing while the direct subscriber
// list preserves type information and emission order.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	byType map[Type][]handlerEntry
	global []handlerEntry

	// Posts that have seen post_end; further post-scope emission is a
	// programming error.
	closedPosts map[string]bool

	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		byType:      make(map[Type][]handlerEntry),
		closedPosts: make(map[string]bool),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.byType[t] = append(b.byType[t], handlerEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers a handler for every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, handlerEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[t]
	for i, entry := range subs {
		if entry.id == id {
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// Emit delivers the event to all handlers synchronously on the caller's
// goroutine, preserving per-post emission order. A handler panic is logged
// and does not prevent the remaining handlers from receiving the event.
// Post-scope emission after post_end is rejected with ErrPostClosed.
func (b *Bus) Emit(e Event) error {
	if e.Scope == "" {
		e.Scope = ScopeOf(e.Type)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if e.Scope == ScopePost && e.PostID != "" {
		if b.closedPosts[e.PostID] {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPostClosed, e.PostID)
		}
		if e.Type == PostEnd {
			b.closedPosts[e.PostID] = true
		}
	}
	// Copy-on-emit so handler code runs outside the lock.
	subs := make([]Handler, 0, len(b.byType[e.Type])+len(b.global))
	for _, entry := range b.byType[e.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		safeInvoke(fn, e)
	}
	return nil
}

func safeInvoke(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("type", string(e.Type)).
				Str("target", e.TargetID()).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn(e)
}

// Close shuts the bus down; further emissions are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byType = make(map[Type][]handlerEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases
// such as bridging to distributed backends.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
