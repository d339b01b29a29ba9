package experiment

import "time"

// EventType labels a streamed frame.
type EventType string

const (
	EventStatus       EventType = "status"
	EventMessage      EventType = "message"
	EventConversation EventType = "conversation"
)

// Event is one frame destined for an experiment's listeners. Final status
// events carry final/close_connection markers inside Data.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Final reports whether this is the terminal status frame.
func (e Event) Final() bool {
	if e.Type != EventStatus {
		return false
	}
	final, _ := e.Data["final"].(bool)
	return final
}

// Queue bridges events produced on background goroutines to one async
// consumer. Post never blocks the producer; Poll gives the consumer a
// timed wait. One producer goroutine per experiment writes at a time, so
// listener ordering follows production order.
type Queue struct {
	ch chan Event
}

// NewQueue creates a queue buffering up to size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size)}
}

// Post enqueues an event without blocking. When the buffer is full,
// ordinary events are dropped (the throttled stream tolerates gaps), but a
// terminal event evicts the oldest entries until it fits: the final frame
// must always be deliverable.
func (q *Queue) Post(ev Event) bool {
	for {
		select {
		case q.ch <- ev:
			return true
		default:
		}
		if !ev.Final() {
			return false
		}
		// Make room for the terminal frame.
		select {
		case <-q.ch:
		default:
		}
	}
}

// Poll waits up to timeout for the next event.
func (q *Queue) Poll(timeout time.Duration) (Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	}
}
