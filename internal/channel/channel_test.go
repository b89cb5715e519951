package channel

import (
	"context"
	"strings"
	"testing"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
)

type mockChannel struct {
	BaseChannel
	name string
}

func (m *mockChannel) Name() string                    { return m.name }
func (m *mockChannel) Start(ctx context.Context) error { return nil }
func (m *mockChannel) Stop(ctx context.Context) error  { return nil }
func (m *mockChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	return nil
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	ch := &mockChannel{
		BaseChannel: BaseChannel{Bus: msgBus, AllowList: NewAllowList([]string{"u1", " "})},
		name:        "mock",
	}

	if ch.IsAllowed("u1") != true {
		t.Fatalf("expected u1 allowed")
	}
	if ch.IsAllowed("u2") != false {
		t.Fatalf("expected u2 denied")
	}
	if len(ch.AllowList) != 1 {
		t.Fatalf("blank entries should be skipped, got %v", ch.AllowList)
	}
}

func TestBaseChannel_IsAllowed_CompoundSenderAndUsername(t *testing.T) {
	msgBus := bus.NewMessageBus(1)
	ch := &mockChannel{
		BaseChannel: BaseChannel{Bus: msgBus, AllowList: map[string]bool{"123456": true, "@alice": true}},
		name:        "mock",
	}

	if !ch.IsAllowed("123456|alice") {
		t.Fatal("expected sender allowed by id in compound sender string")
	}
	if !ch.IsAllowed("999999|alice") {
		t.Fatal("expected sender allowed by username with @ prefix")
	}
}

func TestBaseChannel_EmptyAllowListAllowsAll(t *testing.T) {
	ch := &mockChannel{name: "mock"}
	if !ch.IsAllowed("anyone") {
		t.Fatal("empty allow list should allow every sender")
	}
	if ch.PublishInbound(&bus.InboundMessage{}) {
		t.Fatal("publish without a bus should fail")
	}
}

func TestFormatPrompt(t *testing.T) {
	req := approval.Request{
		ID:            "cr_42",
		ChannelTarget: approval.PlatformX,
		ProposedText:  "Great thread, thanks!",
		Tag:           "founder",
		ContextRef:    "https://x.com/a/status/1",
		RiskFlags:     []string{"link", "mention"},
	}
	got := FormatPrompt(req)
	for _, want := range []string{
		"ID: `cr_42`",
		"Platform: X",
		"Persona: founder",
		"*Proposed Reply:*\nGreat thread, thanks!",
		"*Context:* https://x.com/a/status/1",
		"• `approve cr_42`",
		"• `edit cr_42: <new text>`",
		"• `skip cr_42`",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "\n\n*Risks:* link, mention") {
		t.Errorf("prompt should end with risks line:\n%s", got)
	}

	req.RiskFlags = nil
	req.Tag = ""
	got = FormatPrompt(req)
	if strings.Contains(got, "Risks") || strings.Contains(got, "Persona") {
		t.Errorf("optional lines should be omitted:\n%s", got)
	}
	if !strings.HasSuffix(got, "`skip cr_42`") {
		t.Errorf("prompt should end with the skip line:\n%s", got)
	}
}

func TestFormatReplyAck(t *testing.T) {
	edited := "new words"
	tests := []struct {
		res  approval.ReplyResult
		want string
	}{
		{approval.ReplyResult{Status: approval.ReplyIgnored}, ""},
		{approval.ReplyResult{Status: approval.ReplyUnknown, ID: "cr_1"}, "Unknown request cr_1"},
		{approval.ReplyResult{Status: approval.ReplyAlreadyDecided, ID: "cr_1", Reason: "request already expired"}, "cr_1: request already expired"},
		{approval.ReplyResult{Status: approval.ReplyProcessed, ID: "cr_1", Decision: &approval.Decision{Decision: approval.StatusApproved}}, "Recorded cr_1: approved"},
		{approval.ReplyResult{Status: approval.ReplyProcessed, ID: "cr_1", Decision: &approval.Decision{Decision: approval.StatusEdited, FinalText: &edited}}, "Recorded cr_1: edited\nnew words"},
	}
	for _, tt := range tests {
		if got := FormatReplyAck(tt.res); got != tt.want {
			t.Errorf("FormatReplyAck(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}
