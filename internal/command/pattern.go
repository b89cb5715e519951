package command

import (
	"regexp"
	"strings"
)

// DefaultIDPattern matches request ids issued by the upstream pipeline.
const DefaultIDPattern = `cr_[A-Za-z0-9_]+`

// PatternGrammar matches anchored, case-insensitive expressions. The edit
// body may span lines.
type PatternGrammar struct {
	approve *regexp.Regexp
	skip    *regexp.Regexp
	edit    *regexp.Regexp
}

// NewPatternGrammar compiles the grammar for ids matching idPattern. An
// empty pattern uses DefaultIDPattern. It panics on an invalid pattern.
func NewPatternGrammar(idPattern string) *PatternGrammar {
	if strings.TrimSpace(idPattern) == "" {
		idPattern = DefaultIDPattern
	}
	return &PatternGrammar{
		approve: regexp.MustCompile(`(?i)^approve\s+(` + idPattern + `)$`),
		skip:    regexp.MustCompile(`(?i)^skip\s+(` + idPattern + `)$`),
		edit:    regexp.MustCompile(`(?is)^edit\s+(` + idPattern + `):\s*(.+)$`),
	}
}

func (g *PatternGrammar) Name() string { return "pattern" }

func (g *PatternGrammar) Parse(text string) (Command, bool) {
	text = stripSlash(text)
	if m := g.approve.FindStringSubmatch(text); m != nil {
		return Command{Action: ActionApprove, ID: m[1]}, true
	}
	if m := g.skip.FindStringSubmatch(text); m != nil {
		return Command{Action: ActionReject, ID: m[1]}, true
	}
	if m := g.edit.FindStringSubmatch(text); m != nil {
		if strings.TrimSpace(m[2]) == "" {
			return Command{}, false
		}
		return editCommand(m[1], m[2]), true
	}
	return Command{}, false
}
