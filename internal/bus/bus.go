package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries replies from polling channels to the reply consumer
// and acknowledgements back out to channels.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage

	mu     sync.RWMutex
	closed bool
}

// NewMessageBus creates a bus with the given per-direction buffer.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan *InboundMessage, bufferSize),
		outbound: make(chan *OutboundMessage, bufferSize),
	}
}

// PublishInbound enqueues a reply. It never blocks: when the buffer is full
// the message is dropped and false is returned.
func (b *MessageBus) PublishInbound(msg *InboundMessage) bool {
	if msg == nil {
		return false
	}
	if msg.RequestID == "" {
		msg.RequestID = NewRequestID()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		slog.Warn("inbound bus full, dropping message", "request_id", msg.RequestID, "channel", msg.Channel)
		return false
	}
}

// PublishOutbound enqueues a message for a channel. It never blocks.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) bool {
	if msg == nil {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.outbound <- msg:
		return true
	default:
		slog.Warn("outbound bus full, dropping message", "request_id", msg.RequestID, "channel", msg.Channel)
		return false
	}
}

// ConsumeInbound blocks until a reply is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-b.inbound:
		if !ok {
			return nil, context.Canceled
		}
		return msg, nil
	}
}

// Inbound exposes the inbound queue.
func (b *MessageBus) Inbound() <-chan *InboundMessage {
	return b.inbound
}

// Outbound exposes the outbound queue.
func (b *MessageBus) Outbound() <-chan *OutboundMessage {
	return b.outbound
}

// Close stops accepting messages and closes both queues.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
	close(b.outbound)
}
