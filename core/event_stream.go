package core

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"thunderfuel/core/state"
)

const eventStreamBuffer = 64

// EventStream fans committed event records out to live subscribers.
type EventStream struct {
	mu     sync.Mutex
	subs   map[uint64]chan state.EventRecord
	nextID uint64
}

// NewEventStream returns an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[uint64]chan state.EventRecord)}
}

func (s *EventStream) publish(records []state.EventRecord) {
	if s == nil || len(records) == 0 {
		return
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	// They never block.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		for _, ch := range s.subs {
			select {
			case ch <- cloneRecord(record):
			default:
			}
		}
	}
}

func (s *EventStream) subscribe(ctx context.Context) (<-chan state.EventRecord, func()) {
	updates := make(chan state.EventRecord, eventStreamBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			sub, ok := s.subs[id]
			if ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel
}

// Subscribers reports the number of live subscriptions.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func cloneRecord(record state.EventRecord) state.EventRecord {
	out := record
	if record.Event != nil {
		out.Event = record.Event.Clone()
	}
	return out
}

// ParseCursor converts a textual cursor into a sequence number. Empty or
// malformed cursors start from the beginning of the log.
func ParseCursor(cursor string) uint64 {
	trimmed := strings.TrimSpace(cursor)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// FormatCursor renders a sequence number as a resumable cursor.
func FormatCursor(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
