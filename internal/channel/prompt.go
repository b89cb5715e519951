package channel

import (
	"strings"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/command"
)

// FormatPrompt renders the approval prompt sent to every channel.
func FormatPrompt(req approval.Request) string {
	var sb strings.Builder
	sb.WriteString("*Approval Request*\n\n")
	sb.WriteString("ID: `" + req.ID + "`\n")
	sb.WriteString("Platform: " + strings.ToUpper(string(req.ChannelTarget)) + "\n")
	if tag := strings.TrimSpace(req.Tag); tag != "" {
		sb.WriteString("Persona: " + tag + "\n")
	}
	sb.WriteString("\n*Proposed Reply:*\n" + req.ProposedText + "\n\n")
	sb.WriteString("*Context:* " + req.ContextRef + "\n\n")
	sb.WriteString("Reply with:\n")
	for _, line := range strings.Split(command.Help(req.ID), "\n") {
		sb.WriteString("• `" + line + "`\n")
	}
	out := strings.TrimSuffix(sb.String(), "\n")
	if len(req.RiskFlags) > 0 {
		out += "\n\n*Risks:* " + strings.Join(req.RiskFlags, ", ")
	}
	return out
}

// FormatReplyAck renders the acknowledgement for a handled reply. Ignored
// replies get no acknowledgement and return "".
func FormatReplyAck(res approval.ReplyResult) string {
	switch res.Status {
	case approval.ReplyProcessed:
		if res.Decision == nil {
			return "Recorded " + res.ID
		}
		msg := "Recorded " + res.ID + ": " + string(res.Decision.Decision)
		if res.Decision.Decision == approval.StatusEdited && res.Decision.FinalText != nil {
			msg += "\n" + *res.Decision.FinalText
		}
		return msg
	case approval.ReplyUnknown:
		return "Unknown request " + res.ID
	case approval.ReplyAlreadyDecided:
		return res.ID + ": " + res.Reason
	}
	return ""
}
