package bus

import (
	"context"
	"sync"
)

// MessageBus is the concrete channel-adapter message router: inbound
// messages from any channel funnel through a single buffered queue the
// gateway's dispatch loop drains, and outbound replies fan back out the
// same way. It also doubles as the EventPublisher channels subscribe to
// for server-sent events (typing/streaming/cache-invalidation signals).
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu        sync.RWMutex
	listeners map[string]EventHandler
}

// NewMessageBus creates a MessageBus with the given channel buffer depth.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MessageBus{
		inbound:   make(chan InboundMessage, buffer),
		outbound:  make(chan OutboundMessage, buffer),
		listeners: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues msg for the agent runtime to consume. If the
// queue is full it blocks until there is room; it never drops a message.
func (m *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case m.inbound <- msg:
	default:
		// queue full; apply backpressure by blocking until a slot frees
		// instead of silently dropping a live user message.
		m.inbound <- msg
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (m *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-m.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues msg for the owning channel adapter to send.
func (m *MessageBus) PublishOutbound(msg OutboundMessage) {
	m.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx
// is done. Every channel manager dispatch loop calls this in a loop; all
// consumers share the same queue, so exactly one receives each message.
func (m *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-m.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler under id to receive every Broadcast event.
func (m *MessageBus) Subscribe(id string, handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (m *MessageBus) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// Broadcast delivers event to every registered listener synchronously,
// isolating one listener's panic from the rest.
func (m *MessageBus) Broadcast(event Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, 0, len(m.listeners))
	for _, h := range m.listeners {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		m.safeBroadcast(h, event)
	}
}

func (m *MessageBus) safeBroadcast(h EventHandler, event Event) {
	defer func() { recover() }()
	h(event)
}
