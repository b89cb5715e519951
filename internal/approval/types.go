package approval

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusNew      Status = "new"
	StatusPrompted Status = "prompted"
	StatusApproved Status = "approved"
	StatusEdited   Status = "edited"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// SystemTimeoutDecider identifies decisions made by the expiry paths.
const SystemTimeoutDecider = "system:timeout"

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusEdited, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusNew || s == StatusPrompted || s.IsTerminal()
}

// CanTransition reports whether from -> to moves forward along
// new -> prompted -> terminal. Human outcomes may skip prompted;
// expiry only applies to prompted records.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusNew:
		switch to {
		case StatusPrompted, StatusApproved, StatusEdited, StatusRejected:
			return true
		}
	case StatusPrompted:
		return to.IsTerminal()
	}
	return false
}

// Platform is the publishing target of the proposed message.
type Platform string

const (
	PlatformX        Platform = "x"
	PlatformReddit   Platform = "reddit"
	PlatformLinkedIn Platform = "linkedin"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformX, PlatformReddit, PlatformLinkedIn:
		return true
	}
	return false
}

// Request is the immutable payload submitted for approval.
type Request struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	ChannelTarget   Platform `json:"channel_target"`
	SourceRef       string   `json:"source_ref"`
	ProposedText    string   `json:"proposed_text"`
	Tag             string   `json:"tag"`
	ContextRef      string   `json:"context_ref"`
	RiskFlags       []string `json:"risk_flags"`
	DeadlineSeconds int      `json:"deadline_seconds"`
}

// Deadline returns the request deadline as a duration.
func (r Request) Deadline() time.Duration {
	return time.Duration(r.DeadlineSeconds) * time.Second
}

// State is the persisted, mutable record tracking one request.
type State struct {
	Request    Request    `json:"request"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	PromptedAt *time.Time `json:"prompted_at,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Decider    string     `json:"decider,omitempty"`
	EditedText string     `json:"edited_text,omitempty"`
}

// DueAt is the instant after which a prompted record is swept.
func (s State) DueAt() time.Time {
	return s.CreatedAt.Add(s.Request.Deadline())
}

// IsDue reports whether s is prompted and past its deadline at now.
func (s State) IsDue(now time.Time) bool {
	return s.Status == StatusPrompted && !s.DueAt().After(now)
}

// apply performs the transition in place. The caller checks CanTransition.
func (s *State) apply(to Status, decider, editedText string, at time.Time) {
	at = at.UTC()
	s.Status = to
	if to == StatusPrompted {
		s.PromptedAt = &at
		return
	}
	if to.IsTerminal() {
		s.DecidedAt = &at
		s.Decider = decider
	}
	if to == StatusEdited {
		s.EditedText = editedText
	}
}

// Decision is the finalized outcome forwarded downstream.
type Decision struct {
	ID        string  `json:"id"`
	Decision  Status  `json:"decision"`
	FinalText *string `json:"final_text"`
	Decider   string  `json:"decider"`
	LatencyMS int64   `json:"latency_ms"`
}

// NewDecision builds the decision for a terminal state.
func NewDecision(st State) (Decision, error) {
	if !st.Status.IsTerminal() || st.DecidedAt == nil {
		return Decision{}, fmt.Errorf("approval %s is not decided (status %s)", st.Request.ID, st.Status)
	}

	d := Decision{
		ID:        st.Request.ID,
		Decision:  st.Status,
		Decider:   st.Decider,
		LatencyMS: latencyMS(st.CreatedAt, *st.DecidedAt),
	}
	switch st.Status {
	case StatusApproved:
		text := st.Request.ProposedText
		d.FinalText = &text
	case StatusEdited:
		text := st.EditedText
		d.FinalText = &text
	}
	return d, nil
}

// TimeoutDecision is the synthetic decision a waiter observes when its own
// deadline passes before any resolution.
func TimeoutDecision(id string) Decision {
	return Decision{
		ID:       id,
		Decision: StatusExpired,
		Decider:  SystemTimeoutDecider,
	}
}

func latencyMS(from, to time.Time) int64 {
	ms := to.Sub(from).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// ActivityEntry is a write-once snapshot of a finished request.
type ActivityEntry struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Platform     Platform   `json:"platform"`
	ProposedText string     `json:"proposed_text"`
	State        Status     `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Decision     Status     `json:"decision,omitempty"`
	FinalText    *string    `json:"final_text,omitempty"`
	Decider      string     `json:"decider,omitempty"`
	LatencyMS    int64      `json:"latency_ms"`
}

// NewActivityEntry snapshots a decided state together with its decision.
func NewActivityEntry(st State, d Decision) ActivityEntry {
	return ActivityEntry{
		ID:           st.Request.ID,
		TenantID:     st.Request.TenantID,
		Platform:     st.Request.ChannelTarget,
		ProposedText: st.Request.ProposedText,
		State:        st.Status,
		CreatedAt:    st.CreatedAt,
		DecidedAt:    st.DecidedAt,
		Decision:     d.Decision,
		FinalText:    d.FinalText,
		Decider:      d.Decider,
		LatencyMS:    d.LatencyMS,
	}
}

// DuplicatePolicy decides what Create does with an existing record that is
// still new.
type DuplicatePolicy string

const (
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateReject    DuplicatePolicy = "reject"
)

// SubmitStatus is the outcome reported to the submitter.
type SubmitStatus string

const (
	SubmitPrompted    SubmitStatus = "prompted"
	SubmitDuplicate   SubmitStatus = "duplicate"
	SubmitRateLimited SubmitStatus = "rate_limited"
)

// SubmitResult is returned by Service.Submit.
type SubmitResult struct {
	Status   SubmitStatus `json:"status"`
	ID       string       `json:"id"`
	Channels []string     `json:"channels"`
}

// ReplyStatus is the outcome of an inbound channel reply.
type ReplyStatus string

const (
	ReplyProcessed      ReplyStatus = "processed"
	ReplyIgnored        ReplyStatus = "ignored"
	ReplyUnknown        ReplyStatus = "unknown"
	ReplyAlreadyDecided ReplyStatus = "already_decided"
)

// ReplyResult is returned by Service.HandleReply.
type ReplyResult struct {
	Status   ReplyStatus `json:"status"`
	ID       string      `json:"id,omitempty"`
	Decision *Decision   `json:"decision,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}
