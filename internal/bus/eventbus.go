package bus

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Topic names used by the agent lifecycle event bus.
const (
	TopicAgentAdded   = "agent.added"
	TopicAgentRemoved = "agent.removed"
	TopicAgentUpdated = "agent.updated"
	TopicFileChanged  = "file.changed"
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
)

// AgentAddedPayload is published when the registry observes a new agent name.
type AgentAddedPayload struct {
	Name      string
	Workspace string
}

// AgentRemovedPayload is published when an agent name disappears from config.
type AgentRemovedPayload struct {
	Name string
}

// AgentUpdatedPayload is published when a common agent's tracked fields change.
type AgentUpdatedPayload struct {
	Name          string
	ChangedFields []string
}

// FileChangedPayload is published by the file watcher for a raw filesystem change.
type FileChangedPayload struct {
	Path string
}

// RunStartedPayload is published when an agent instance begins a turn.
type RunStartedPayload struct {
	RunID string
	Agent string
}

// RunCompletedPayload is published when an agent instance finishes a turn,
// successfully or not.
type RunCompletedPayload struct {
	RunID string
	Agent string
	Err   error
}

// AgentEvent is a single topic-keyed event carried on the EventBus.
type AgentEvent struct {
	Topic   string
	Payload any
}

// Handler reacts to an AgentEvent published on a topic it subscribed to.
type Handler interface {
	Handle(AgentEvent)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(AgentEvent)

// Handle implements Handler.
func (f HandlerFunc) Handle(e AgentEvent) { f(e) }

// Subscription is the token returned by Subscribe, used to Unsubscribe later.
// Identity is by token, not by handler value, so two subscriptions holding
// equal-but-distinct handlers never collide on unsubscribe.
type Subscription struct {
	topic string
	id    uint64
}

// EventBus is a lightweight in-process, topic-keyed, multi-handler publisher.
//
// Handlers registered on the same topic run in parallel on Publish; one
// handler panicking or erroring never prevents the others from running.
type EventBus struct {
	mu      sync.RWMutex
	nextID  uint64
	byTopic map[string]map[uint64]Handler
	logger  *slog.Logger
}

// New creates an empty EventBus.
func New(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		byTopic: make(map[string]map[uint64]Handler),
		logger:  logger,
	}
}

// Subscribe registers handler for topic and returns a token for Unsubscribe.
func (b *EventBus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = make(map[uint64]Handler)
	}
	b.byTopic[topic][id] = handler
	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes the handler registered under sub. A stale or
// already-removed token is a no-op.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.byTopic[sub.topic]
	if handlers == nil {
		return
	}
	delete(handlers, sub.id)
	if len(handlers) == 0 {
		delete(b.byTopic, sub.topic)
	}
}

// Publish dispatches event to every handler subscribed to event.Topic in
// parallel, using a snapshot of the subscriber set taken under the read
// lock so late subscribers never observe events published before they
// joined. It returns once every handler invoked for this event has
// returned; a handler that panics is recovered and logged, not propagated.
func (b *EventBus) Publish(event AgentEvent) {
	b.mu.RLock()
	handlers := b.byTopic[event.Topic]
	snapshot := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	var g errgroup.Group
	for _, h := range snapshot {
		h := h
		g.Go(func() error {
			b.safeCall(h, event)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *EventBus) safeCall(h Handler, event AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", event.Topic, "panic", r)
		}
	}()
	h.Handle(event)
}
