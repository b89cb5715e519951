package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInboundMessage_Sender(t *testing.T) {
	tests := []struct {
		channel, sender, want string
	}{
		{"imessage", "+15550100", "imessage:+15550100"},
		{"whatsapp", "whatsapp:+15550100", "whatsapp:+15550100"},
		{"WhatsApp", "whatsapp:+1", "whatsapp:+1"},
		{"", "alice", "alice"},
	}
	for _, tt := range tests {
		msg := &InboundMessage{Channel: tt.channel, SenderID: tt.sender}
		if got := msg.Sender(); got != tt.want {
			t.Errorf("Sender(%q, %q) = %q, want %q", tt.channel, tt.sender, got, tt.want)
		}
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}

	if got := WithRequestID(ctx, "   "); RequestIDFromContext(got) != "req-123" {
		t.Fatalf("blank request id should keep the existing one")
	}
	if NewRequestID() == NewRequestID() {
		t.Fatalf("expected unique request ids")
	}
}

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := NewMessageBus(2)
	if !b.PublishInbound(&InboundMessage{Channel: "telegram", Content: "approve cr_1"}) {
		t.Fatalf("PublishInbound returned false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("ConsumeInbound error: %v", err)
	}
	if msg.Content != "approve cr_1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.RequestID == "" {
		t.Fatalf("expected request id to be assigned")
	}
}

func TestMessageBus_DropsWhenFull(t *testing.T) {
	b := NewMessageBus(1)
	if !b.PublishOutbound(&OutboundMessage{Channel: "slack"}) {
		t.Fatalf("first publish should succeed")
	}
	if b.PublishOutbound(&OutboundMessage{Channel: "slack"}) {
		t.Fatalf("second publish should be dropped")
	}
	if b.PublishOutbound(nil) {
		t.Fatalf("nil publish should be rejected")
	}
}

func TestMessageBus_ConsumeHonorsContext(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ConsumeInbound(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMessageBus_Close(t *testing.T) {
	b := NewMessageBus(1)
	b.Close()
	b.Close()
	if b.PublishInbound(&InboundMessage{}) {
		t.Fatalf("publish after close should fail")
	}
	if _, err := b.ConsumeInbound(context.Background()); err == nil {
		t.Fatalf("expected error consuming closed bus")
	}
}
