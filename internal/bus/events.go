package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// InboundMessage is a reply received from an approver on some channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
	RequestID string
}

// Sender returns the channel-qualified sender, e.g. "imessage:+15550100".
// A SenderID that already carries the channel prefix is left as is.
func (m *InboundMessage) Sender() string {
	sender := strings.TrimSpace(m.SenderID)
	if m.Channel == "" {
		return sender
	}
	if strings.HasPrefix(strings.ToLower(sender), strings.ToLower(m.Channel)+":") {
		return sender
	}
	return m.Channel + ":" + sender
}

// OutboundMessage to send to a channel. An empty ChatID targets the
// channel's configured approver.
type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	ReplyTo   string
	Metadata  map[string]any
	RequestID string
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
