package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
)

// ErrBadSignature is returned by DecodeWebhook when a request fails the
// platform's authenticity check.
var ErrBadSignature = errors.New("webhook signature invalid")

// Channel interface for approver chat platforms
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Send delivers msg. An empty ChatID targets the configured approver.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
	IsAllowed(senderID string) bool
}

// WebhookReceiver is implemented by channels that receive replies over HTTP.
type WebhookReceiver interface {
	DecodeWebhook(r *http.Request) (WebhookEvent, error)
}

// WebhookEvent is a decoded webhook request. Message is nil when the
// request carried nothing to act on.
type WebhookEvent struct {
	Message *bus.InboundMessage
	// Challenge is echoed back verbatim (Slack url_verification).
	Challenge string
}

// ReplyHandler applies a normalized approver reply.
type ReplyHandler interface {
	HandleReply(ctx context.Context, msg *bus.InboundMessage) (approval.ReplyResult, error)
}

// BaseChannel provides common functionality
type BaseChannel struct {
	Bus       *bus.MessageBus
	AllowList map[string]bool
}

// NewAllowList builds an allow list from configured entries, skipping blanks.
func NewAllowList(entries []string) map[string]bool {
	allow := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			allow[e] = true
		}
	}
	return allow
}

// IsAllowed checks if sender is permitted. senderID may be "id|username".
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for allowed := range b.AllowList {
		normalized := strings.TrimSpace(allowed)
		trimmed := strings.TrimPrefix(normalized, "@")
		if normalized == senderID || trimmed == senderID ||
			normalized == idPart || trimmed == idPart ||
			(userPart != "" && (normalized == userPart || trimmed == userPart)) {
			return true
		}
	}

	return false
}

// PublishInbound sends message to bus
func (b *BaseChannel) PublishInbound(msg *bus.InboundMessage) bool {
	if b.Bus == nil {
		return false
	}
	return b.Bus.PublishInbound(msg)
}

// allowKey is the sender string checked against allow lists.
func allowKey(msg *bus.InboundMessage) string {
	if msg.Metadata != nil {
		if user, ok := msg.Metadata["username"].(string); ok && user != "" {
			return msg.SenderID + "|" + user
		}
	}
	return msg.SenderID
}
