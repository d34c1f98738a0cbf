package realtime

import (
	"encoding/json"
	"slices"
	"sync"
)

// Handler receives the decoded data of one relay event.
type Handler func(data json.RawMessage)

// Subscription is one channel on the relay and the handlers bound to its
// events.
type Subscription struct {
	name string

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newSubscription(name string) *Subscription {
	return &Subscription{name: name, handlers: make(map[string][]Handler)}
}

// Name returns the channel name.
func (s *Subscription) Name() string {
	return s.name
}

// Bind attaches h to event.
func (s *Subscription) Bind(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// UnbindAll detaches every handler.
func (s *Subscription) UnbindAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make(map[string][]Handler)
}

// Bound reports how many handlers are attached to event.
func (s *Subscription) Bound(event string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[event])
}

func (s *Subscription) dispatch(event string, data json.RawMessage) {
	s.mu.RLock()
	handlers := slices.Clone(s.handlers[event])
	s.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}
