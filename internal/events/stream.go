package events

import "sync"

// Stream is an in-process fan-out of applied events, feeding the live
// websocket tail. Delivery is best effort: a subscriber that falls behind
// its buffer drops events rather than blocking the projection path.
type Stream struct {
	mu         sync.RWMutex
	subs       map[chan *Event]struct{}
	bufferSize int
}

// NewStream creates a stream with the given per-subscriber buffer.
func NewStream(bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Stream{
		subs:       make(map[chan *Event]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a channel receiving every published event.
func (s *Stream) Subscribe() chan *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *Event, s.bufferSize)
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *Stream) Unsubscribe(ch chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// Publish fans the event out to all subscribers without blocking.
func (s *Stream) Publish(e *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
