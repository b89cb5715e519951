package command

import (
	"strings"
	"testing"
)

func grammars() []Grammar {
	return []Grammar{TokenGrammar{}, NewPatternGrammar("")}
}

func TestGrammars_CanonicalCommands(t *testing.T) {
	tests := []struct {
		input  string
		action Action
		id     string
		text   *string
	}{
		{input: "approve cr_1", action: ActionApprove, id: "cr_1"},
		{input: "  APPROVE cr_1  ", action: ActionApprove, id: "cr_1"},
		{input: "SKIP cr_2", action: ActionReject, id: "cr_2"},
		{input: "/approve cr_9", action: ActionApprove, id: "cr_9"},
		{input: "edit cr_3: hello\nworld", action: ActionEdit, id: "cr_3", text: ptr("hello\nworld")},
		{input: "Edit cr_4:   spaced out  ", action: ActionEdit, id: "cr_4", text: ptr("spaced out")},
	}

	for _, g := range grammars() {
		for _, tt := range tests {
			t.Run(g.Name()+"/"+tt.input, func(t *testing.T) {
				got, ok := g.Parse(tt.input)
				if !ok {
					t.Fatalf("Parse(%q) not recognized", tt.input)
				}
				if got.Action != tt.action || got.ID != tt.id {
					t.Fatalf("Parse(%q) = %+v, want action=%s id=%s", tt.input, got, tt.action, tt.id)
				}
				if tt.text == nil {
					if got.Text != nil {
						t.Fatalf("expected nil text, got %q", *got.Text)
					}
					return
				}
				if got.Text == nil || *got.Text != *tt.text {
					t.Fatalf("text = %v, want %q", got.Text, *tt.text)
				}
			})
		}
	}
}

func TestGrammars_Unrecognized(t *testing.T) {
	inputs := []string{
		"banana",
		"",
		"approve",
		"approve cr_1 cr_2",
		"skip",
		"edit cr_3",
		"edit cr_3:",
		"edit cr_3:    ",
		"please approve cr_1",
		"yes",
	}
	for _, g := range grammars() {
		for _, in := range inputs {
			if cmd, ok := g.Parse(in); ok {
				t.Fatalf("%s.Parse(%q) = %+v, want not recognized", g.Name(), in, cmd)
			}
		}
	}
}

func TestGrammars_TruncateEditBody(t *testing.T) {
	body := strings.Repeat("a", 250)
	for _, g := range grammars() {
		cmd, ok := g.Parse("edit cr_5: " + body)
		if !ok {
			t.Fatalf("%s: edit not recognized", g.Name())
		}
		if got := len(cmd.EditedText()); got != MaxEditLen {
			t.Fatalf("%s: edited text length = %d, want %d", g.Name(), got, MaxEditLen)
		}
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	in := strings.Repeat("é", 201)
	got := truncate(in, 200)
	if n := len([]rune(got)); n != 200 {
		t.Fatalf("expected 200 runes, got %d", n)
	}
	if got := truncate("short", 200); got != "short" {
		t.Fatalf("truncate changed short input: %q", got)
	}
}

func TestPatternGrammar_RequiresIDShape(t *testing.T) {
	g := NewPatternGrammar("")
	if _, ok := g.Parse("approve 12345"); ok {
		t.Fatalf("default pattern should require the cr_ prefix")
	}

	custom := NewPatternGrammar(`[0-9]+`)
	cmd, ok := custom.Parse("approve 12345")
	if !ok || cmd.ID != "12345" {
		t.Fatalf("custom pattern Parse = %+v, %v", cmd, ok)
	}
}

func TestTokenGrammar_AcceptsAnyIDToken(t *testing.T) {
	cmd, ok := TokenGrammar{}.Parse("approve 12345")
	if !ok || cmd.ID != "12345" {
		t.Fatalf("Parse = %+v, %v", cmd, ok)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	got := r.Channels()
	want := []string{"imessage", "slack", "telegram", "whatsapp"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Channels() = %v, want %v", got, want)
	}

	if g, _ := r.Lookup("WhatsApp"); g.Name() != "token" {
		t.Fatalf("whatsapp grammar = %s, want token", g.Name())
	}
	if g, _ := r.Lookup("unknown-channel"); g.Name() != "pattern" {
		t.Fatalf("fallback grammar = %s, want pattern", g.Name())
	}

	cmd, ok := r.Parse("telegram", "skip cr_7")
	if !ok || cmd.Action != ActionReject || cmd.ID != "cr_7" {
		t.Fatalf("Parse(telegram) = %+v, %v", cmd, ok)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register("slack", TokenGrammar{})
}

func TestRegistry_NoFallback(t *testing.T) {
	r := NewRegistry(nil)
	if _, ok := r.Parse("whatsapp", "approve cr_1"); ok {
		t.Fatalf("expected no grammar without registration or fallback")
	}
}

func TestHelp(t *testing.T) {
	help := Help("cr_1")
	for _, line := range []string{"approve cr_1", "edit cr_1: <new text>", "skip cr_1"} {
		if !strings.Contains(help, line) {
			t.Fatalf("help missing %q: %q", line, help)
		}
	}
}

func ptr(s string) *string { return &s }
