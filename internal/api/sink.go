package api

import (
	"sync"

	"github.com/SimplyPrint/mifare-agent/internal/session"
)

// Listener receives card events forwarded by an EventSink.
type Listener interface {
	Deliver(session.Event)
}

// EventSink is the session.Sink behind the API. It remembers the latest
// event, each publish replacing the last, and forwards events to at most
// one listener. Registering a listener replaces the previous one.
type EventSink struct {
	mu       sync.Mutex
	latest   *session.Event
	listener Listener
}

// NewEventSink returns a sink with no event and no listener.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// Publish implements session.Sink.
func (s *EventSink) Publish(e session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &e
	if s.listener != nil {
		s.listener.Deliver(e)
	}
}

// Latest returns the most recent event, if any.
func (s *EventSink) Latest() (session.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return session.Event{}, false
	}
	return *s.latest, true
}

// Reset forgets the latest event, for example when the card is removed.
func (s *EventSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = nil
}

// Listen makes l the listener.
func (s *EventSink) Listen(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Unlisten removes l if it is still the listener. Once it returns, no
// Deliver call on l is in progress.
func (s *EventSink) Unlisten(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != l {
		return false
	}
	s.listener = nil
	return true
}

// IsListening reports whether l is the current listener.
func (s *EventSink) IsListening(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener == l
}

// HasListener reports whether any listener is registered.
func (s *EventSink) HasListener() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}
