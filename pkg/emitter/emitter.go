package emitter

import "sync"

// Emitter is a minimal topic-keyed subscriber registry. Components that
// need to publish lifecycle events own one by composition; none of them
// are themselves emitters.
type Emitter struct {
	mu     sync.Mutex
	subs   map[string]map[int]func(interface{})
	nextID int

	// Deferred emitters buffer events until Start drains them; after the
	// switch, Emit dispatches directly.
	live    bool
	pending []pendingEvent
}

type pendingEvent struct {
	topic   string
	payload interface{}
}

// New returns an emitter that dispatches immediately.
func New() *Emitter {
	return &Emitter{
		subs: make(map[string]map[int]func(interface{})),
		live: true,
	}
}

// NewDeferred returns an emitter that queues events until Start is called.
func NewDeferred() *Emitter {
	return &Emitter{
		subs: make(map[string]map[int]func(interface{})),
	}
}

// Subscribe registers a handler for a topic and returns a cancel func.
func (e *Emitter) Subscribe(topic string, fn func(interface{})) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs[topic] == nil {
		e.subs[topic] = make(map[int]func(interface{}))
	}
	id := e.nextID
	e.nextID++
	e.subs[topic][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[topic], id)
	}
}

// Emit dispatches to current subscribers of the topic, or queues the
// event when the emitter has not started yet.
func (e *Emitter) Emit(topic string, payload interface{}) {
	e.mu.Lock()
	if !e.live {
		e.pending = append(e.pending, pendingEvent{topic: topic, payload: payload})
		e.mu.Unlock()
		return
	}
	handlers := e.handlersLocked(topic)
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// Start drains queued events in emit order and switches to direct
// dispatch. Calling Start on a live emitter is a no-op.
func (e *Emitter) Start() {
	e.mu.Lock()
	if e.live {
		e.mu.Unlock()
		return
	}
	e.live = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, ev := range queued {
		e.mu.Lock()
		handlers := e.handlersLocked(ev.topic)
		e.mu.Unlock()
		for _, fn := range handlers {
			fn(ev.payload)
		}
	}
}

func (e *Emitter) handlersLocked(topic string) []func(interface{}) {
	handlers := make([]func(interface{}), 0, len(e.subs[topic]))
	for _, fn := range e.subs[topic] {
		handlers = append(handlers, fn)
	}
	return handlers
}
