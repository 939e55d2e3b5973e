package workflow

import (
	"context"
	"sync"

	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/metrics"
)

// mailbox holds events for one running instance. Events that arrive before a
// step starts waiting are buffered; each event resolves at most one waiter.
type mailbox struct {
	mu       sync.Mutex
	buffered map[string][]*Event
	waiters  map[string]chan *Event
}

func newMailbox() *mailbox {
	return &mailbox{
		buffered: make(map[string][]*Event),
		waiters:  make(map[string]chan *Event),
	}
}

// put delivers the event to the single registered waiter for its type, or
// buffers it until one registers.
func (m *mailbox) put(ev *Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.waiters[ev.Type]; ok {
		delete(m.waiters, ev.Type)
		ch <- ev

		return true
	}

	m.buffered[ev.Type] = append(m.buffered[ev.Type], ev)

	return false
}

// wait returns a buffered event immediately if one is queued, otherwise a
// channel the next event of this type will be delivered on.
func (m *mailbox) wait(eventType string) (*Event, chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if queued := m.buffered[eventType]; len(queued) > 0 {
		ev := queued[0]
		if len(queued) == 1 {
			delete(m.buffered, eventType)
		} else {
			m.buffered[eventType] = queued[1:]
		}

		return ev, nil
	}

	ch := make(chan *Event, 1)
	m.waiters[eventType] = ch

	return nil, ch
}

// abandon removes the waiter after a timeout. An event that raced into the
// channel is put back into the buffer so it is not lost.
func (m *mailbox) abandon(eventType string, ch chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.waiters[eventType]; ok && cur == ch {
		delete(m.waiters, eventType)
	}

	select {
	case ev := <-ch:
		m.buffered[ev.Type] = append(m.buffered[ev.Type], ev)
	default:
	}
}

// EmitEvent routes an event to the instance with the given workflow id. It
// resolves at most one waiting step. Emitting to an unknown or already
// finished instance is a safe no-op; the event is dropped. The return value
// reports whether the event reached a running instance.
func (e *Engine) EmitEvent(workflowID, eventType string, payload any) bool {
	e.mu.Lock()
	box, ok := e.boxes[workflowID]
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("Dropping event for unknown workflow instance",
			log.WorkflowIDKey, workflowID,
			log.EventTypeKey, eventType,
		)
		e.mc.Counter(metrics.EventDropped, metrics.Tags{metrics.EventType: eventType}, 1)

		return false
	}

	ev := &Event{
		Type:       eventType,
		WorkflowID: workflowID,
		Payload:    payload,
		Timestamp:  e.clock.Now(),
	}

	if box.put(ev) {
		e.mc.Counter(metrics.EventDelivered, metrics.Tags{metrics.EventType: eventType}, 1)
	} else {
		e.mc.Counter(metrics.EventBuffered, metrics.Tags{metrics.EventType: eventType}, 1)
	}

	return true
}

func (e *Engine) waitForEvent(ctx context.Context, workflowID, eventType string) (*Event, error) {
	e.mu.Lock()
	box, ok := e.boxes[workflowID]
	e.mu.Unlock()

	if !ok {
		// Only reachable when a step action outlives its instance.
		return nil, ErrInstanceNotFound
	}

	ev, ch := box.wait(eventType)
	if ch == nil {
		return ev, nil
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		box.abandon(eventType, ch)

		return nil, ctx.Err()
	}
}
