// Package command turns free-text channel replies into approval commands.
package command

import (
	"sort"
	"strings"
	"sync"
)

// MaxEditLen is the maximum number of characters kept from an edit body.
const MaxEditLen = 200

// Action is the canonical outcome a reply asks for. Values match the
// terminal approval statuses.
type Action string

const (
	ActionApprove Action = "approved"
	ActionReject  Action = "rejected"
	ActionEdit    Action = "edited"
)

// Command is the channel-independent shape every grammar produces.
type Command struct {
	Action Action  `json:"action"`
	ID     string  `json:"request_id"`
	Text   *string `json:"edited_text"`
}

// EditedText returns the edit body or "".
func (c Command) EditedText() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// Grammar parses one channel's reply dialect. ok is false when the text is
// not a command; that is never an error.
type Grammar interface {
	Name() string
	Parse(text string) (cmd Command, ok bool)
}

// Registry maps channel names to grammars.
type Registry struct {
	mu       sync.RWMutex
	grammars map[string]Grammar
	fallback Grammar
}

// NewRegistry creates a registry that uses fallback for unregistered channels.
func NewRegistry(fallback Grammar) *Registry {
	return &Registry{
		grammars: make(map[string]Grammar),
		fallback: fallback,
	}
}

// DefaultRegistry wires the token grammar to WhatsApp and Slack and the
// pattern grammar to everything else.
func DefaultRegistry() *Registry {
	return NewDefaultRegistry("")
}

// NewDefaultRegistry is DefaultRegistry with a custom id pattern for the
// pattern grammar.
func NewDefaultRegistry(idPattern string) *Registry {
	pattern := NewPatternGrammar(idPattern)
	token := TokenGrammar{}
	r := NewRegistry(pattern)
	r.Register("whatsapp", token)
	r.Register("slack", token)
	r.Register("imessage", pattern)
	r.Register("telegram", pattern)
	return r
}

// Register binds a grammar to a channel. Panics on duplicate channels.
func (r *Registry) Register(channel string, g Grammar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel = strings.ToLower(strings.TrimSpace(channel))
	if _, dup := r.grammars[channel]; dup {
		panic("grammar already registered for channel: " + channel)
	}
	r.grammars[channel] = g
}

// Lookup returns the grammar used for channel.
func (r *Registry) Lookup(channel string) (Grammar, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grammars[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		if r.fallback == nil {
			return nil, false
		}
		return r.fallback, true
	}
	return g, true
}

// Parse runs the channel's grammar over text.
func (r *Registry) Parse(channel, text string) (Command, bool) {
	g, ok := r.Lookup(channel)
	if !ok {
		return Command{}, false
	}
	return g.Parse(text)
}

// Channels returns the explicitly registered channels, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.grammars))
	for name := range r.grammars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Help is the reply syntax shown in prompts and acknowledgements.
func Help(id string) string {
	return "approve " + id + "\n" +
		"edit " + id + ": <new text>\n" +
		"skip " + id
}

func editCommand(id, body string) Command {
	text := truncate(strings.TrimSpace(body), MaxEditLen)
	return Command{Action: ActionEdit, ID: id, Text: &text}
}

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// stripSlash accepts bot-command style input such as "/approve cr_1".
func stripSlash(text string) string {
	return strings.TrimPrefix(strings.TrimSpace(text), "/")
}
