package command

import (
	"strings"
	"unicode"
)

// TokenGrammar splits on whitespace: a keyword followed by exactly one id
// token, or "edit <id>: <text>".
type TokenGrammar struct{}

func (TokenGrammar) Name() string { return "token" }

func (TokenGrammar) Parse(text string) (Command, bool) {
	text = stripSlash(text)
	keyword, rest, found := strings.Cut(text, " ")
	if !found {
		// Allow a tab or newline between keyword and id.
		idx := strings.IndexFunc(text, unicode.IsSpace)
		if idx < 0 {
			return Command{}, false
		}
		keyword, rest = text[:idx], text[idx:]
	}
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(keyword) {
	case "approve":
		if id, ok := singleToken(rest); ok {
			return Command{Action: ActionApprove, ID: id}, true
		}
	case "skip":
		if id, ok := singleToken(rest); ok {
			return Command{Action: ActionReject, ID: id}, true
		}
	case "edit":
		id, body, ok := strings.Cut(rest, ":")
		if !ok {
			return Command{}, false
		}
		id, valid := singleToken(id)
		if !valid || strings.TrimSpace(body) == "" {
			return Command{}, false
		}
		return editCommand(id, body), true
	}
	return Command{}, false
}

func singleToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", false
	}
	return s, true
}
