package events

import "thunderfuel/core/types"

// Event represents a structured state change produced by a ledger operation.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter publishes events to downstream subscribers (indexers, UIs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer holds events emitted during a single operation until the host decides
// whether the operation commits. Buffer is not safe for concurrent use.
type Buffer struct {
	pending []*types.Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil || evt.Event() == nil {
		return
	}
	b.pending = append(b.pending, evt.Event().Clone())
}

// Drain returns the buffered events and resets the buffer.
func (b *Buffer) Drain() []*types.Event {
	if b == nil {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.pending)
}
