package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/command"
	"github.com/MEKXH/signoff/internal/metrics"
	"github.com/MEKXH/signoff/internal/ratelimit"
)

const (
	DefaultDeadline   = 900 * time.Second
	DefaultMaxTextLen = 200
	DefaultMinSpacing = 20 * time.Second
)

// ErrStoreUnavailable wraps storage failures surfaced by Submit.
var ErrStoreUnavailable = errors.New("approval store unavailable")

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// PromptResult is the outcome of sending one channel prompt.
type PromptResult struct {
	Channel string
	Err     error
}

// Prompter fans a prompt out to approver channels.
type Prompter interface {
	Names() []string
	Prompt(ctx context.Context, req Request, channels []string) []PromptResult
}

// Dispatcher forwards a finalized decision downstream, once.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Decision) error
}

// Resolver wakes an in-process waiter for the request, if any.
type Resolver interface {
	Resolve(id string, d Decision) bool
}

// Policy holds the tunables applied by Service.
type Policy struct {
	DefaultDeadline time.Duration
	MaxTextLen      int
	Duplicates      DuplicatePolicy
	DefaultLimit    ratelimit.Limit
	Limits          map[string]ratelimit.Limit
	MinSpacing      time.Duration
}

func (p Policy) normalized() Policy {
	if p.DefaultDeadline <= 0 {
		p.DefaultDeadline = DefaultDeadline
	}
	if p.MaxTextLen <= 0 {
		p.MaxTextLen = DefaultMaxTextLen
	}
	if p.Duplicates == "" {
		p.Duplicates = DuplicateOverwrite
	}
	if p.DefaultLimit.Capacity <= 0 {
		p.DefaultLimit = ratelimit.Limit{Capacity: 5, RefillPerMin: 1}
	}
	if p.MinSpacing < 0 {
		p.MinSpacing = 0
	}
	return p
}

func (p Policy) limitFor(channel string) ratelimit.Limit {
	if l, ok := p.Limits[channel]; ok && l.Capacity > 0 {
		return l
	}
	return p.DefaultLimit
}

// Deps are the collaborators of Service. Bucket, Spacing, Dispatcher,
// Resolver and Metrics may be nil.
type Deps struct {
	Store      Store
	Bucket     ratelimit.Bucket
	Spacing    ratelimit.Spacing
	Prompter   Prompter
	Dispatcher Dispatcher
	Resolver   Resolver
	Commands   *command.Registry
	Metrics    *metrics.RuntimeMetrics
}

// Service orchestrates the approval lifecycle: submission, replies and expiry.
type Service struct {
	deps   Deps
	policy Policy
	now    func() time.Time
}

// NewService creates a service. A nil command registry uses command.DefaultRegistry.
func NewService(deps Deps, policy Policy) *Service {
	if deps.Commands == nil {
		deps.Commands = command.DefaultRegistry()
	}
	return &Service{
		deps:   deps,
		policy: policy.normalized(),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Policy returns the effective policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Normalize applies defaults and validates req.
func (s *Service) Normalize(req Request) (Request, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ProposedText = strings.TrimSpace(req.ProposedText)
	req.ContextRef = strings.TrimSpace(req.ContextRef)
	req.ChannelTarget = Platform(strings.ToLower(strings.TrimSpace(string(req.ChannelTarget))))

	if req.ID == "" {
		return req, &ValidationError{Field: "id", Message: "is required"}
	}
	if req.TenantID == "" {
		return req, &ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if !req.ChannelTarget.Valid() {
		return req, &ValidationError{Field: "channel_target", Message: fmt.Sprintf("unsupported platform %q", req.ChannelTarget)}
	}
	if req.ProposedText == "" {
		return req, &ValidationError{Field: "proposed_text", Message: "is required"}
	}
	if n := utf8.RuneCountInString(req.ProposedText); n > s.policy.MaxTextLen {
		return req, &ValidationError{Field: "proposed_text", Message: fmt.Sprintf("is %d characters, max %d", n, s.policy.MaxTextLen)}
	}
	if req.ContextRef == "" {
		return req, &ValidationError{Field: "context_ref", Message: "is required"}
	}
	if u, err := url.Parse(req.ContextRef); err != nil || !u.IsAbs() || u.Host == "" {
		return req, &ValidationError{Field: "context_ref", Message: "must be an absolute URL"}
	}
	if req.DeadlineSeconds < 0 {
		return req, &ValidationError{Field: "deadline_seconds", Message: "must not be negative"}
	}
	if req.DeadlineSeconds == 0 {
		req.DeadlineSeconds = int(s.policy.DefaultDeadline / time.Second)
	}
	if req.RiskFlags == nil {
		req.RiskFlags = []string{}
	}
	return req, nil
}

// Submit records a new request and prompts every channel admitted by the
// rate and spacing gates. A failed Create is returned as ErrStoreUnavailable
// and nothing is sent.
func (s *Service) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	req, err := s.Normalize(req)
	if err != nil {
		return SubmitResult{}, err
	}

	st := State{
		Request:   req,
		Status:    StatusNew,
		CreatedAt: s.now().UTC(),
	}
	created, err := s.deps.Store.Create(ctx, st, s.policy.Duplicates)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !created {
		s.recordSubmit(SubmitDuplicate)
		slog.Info("duplicate approval request", "id", req.ID, "tenant_id", req.TenantID)
		return SubmitResult{Status: SubmitDuplicate, ID: req.ID, Channels: []string{}}, nil
	}

	admitted := s.admitChannels(ctx, req)
	delivered := make([]string, 0, len(admitted))
	if len(admitted) > 0 && s.deps.Prompter != nil {
		for _, res := range s.deps.Prompter.Prompt(ctx, req, admitted) {
			if res.Err != nil {
				slog.Warn("prompt send failed", "id", req.ID, "channel", res.Channel, "error", res.Err)
				continue
			}
			delivered = append(delivered, res.Channel)
		}
	}
	sort.Strings(delivered)

	if len(delivered) == 0 {
		s.recordSubmit(SubmitRateLimited)
		slog.Info("approval request not prompted", "id", req.ID, "tenant_id", req.TenantID, "admitted", admitted)
		return SubmitResult{Status: SubmitRateLimited, ID: req.ID, Channels: delivered}, nil
	}

	if _, _, err := s.deps.Store.Transition(ctx, req.ID, StatusPrompted, "", "", s.now()); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.recordSubmit(SubmitPrompted)
	slog.Info("approval request prompted", "id", req.ID, "tenant_id", req.TenantID, "channels", delivered)
	return SubmitResult{Status: SubmitPrompted, ID: req.ID, Channels: delivered}, nil
}

// admitChannels runs the rate gate, then the spacing gate, per channel.
// A gate error skips that channel only.
func (s *Service) admitChannels(ctx context.Context, req Request) []string {
	if s.deps.Prompter == nil {
		return nil
	}
	names := append([]string(nil), s.deps.Prompter.Names()...)
	sort.Strings(names)

	admitted := make([]string, 0, len(names))
	for _, name := range names {
		key := ratelimit.PromptKey(name, req.TenantID)
		if s.deps.Bucket != nil {
			limit := s.policy.limitFor(name)
			ok, err := s.deps.Bucket.TryTake(ctx, key, limit.Capacity, limit.RefillPerSec(), 1)
			if err != nil {
				slog.Warn("rate gate failed, skipping channel", "id", req.ID, "channel", name, "error", err)
				continue
			}
			if !ok {
				slog.Debug("rate gate denied", "id", req.ID, "channel", name)
				continue
			}
		}
		if s.deps.Spacing != nil && s.policy.MinSpacing > 0 {
			ok, err := s.deps.Spacing.Allow(ctx, key, s.policy.MinSpacing)
			if err != nil {
				slog.Warn("spacing gate failed, skipping channel", "id", req.ID, "channel", name, "error", err)
				continue
			}
			if !ok {
				slog.Debug("spacing gate denied", "id", req.ID, "channel", name)
				continue
			}
		}
		admitted = append(admitted, name)
	}
	return admitted
}

// HandleReply applies an approver's reply. Text that is not a command is
// ignored; replies for unknown or finished requests change nothing.
func (s *Service) HandleReply(ctx context.Context, msg *bus.InboundMessage) (ReplyResult, error) {
	if msg == nil {
		return ReplyResult{Status: ReplyIgnored, Reason: "empty message"}, nil
	}
	cmd, ok := s.deps.Commands.Parse(msg.Channel, msg.Content)
	if !ok {
		return ReplyResult{Status: ReplyIgnored, Reason: "invalid command format"}, nil
	}

	current, err := s.deps.Store.Get(ctx, cmd.ID)
	if errors.Is(err, ErrNotFound) {
		return ReplyResult{Status: ReplyUnknown, ID: cmd.ID, Reason: "request not found"}, nil
	}
	if err != nil {
		return ReplyResult{}, err
	}
	if current.Status.IsTerminal() {
		return ReplyResult{Status: ReplyAlreadyDecided, ID: cmd.ID, Reason: "request already " + string(current.Status)}, nil
	}

	decider := msg.Sender()
	next, applied, err := s.deps.Store.Transition(ctx, cmd.ID, Status(cmd.Action), decider, cmd.EditedText(), s.now())
	if err != nil {
		return ReplyResult{}, err
	}
	if !applied {
		reason := "request already decided"
		if next.Status.IsTerminal() {
			reason = "request already " + string(next.Status)
		}
		return ReplyResult{Status: ReplyAlreadyDecided, ID: cmd.ID, Reason: reason}, nil
	}

	d, err := NewDecision(next)
	if err != nil {
		return ReplyResult{}, err
	}
	slog.Info("approval decided",
		"request_id", msg.RequestID,
		"id", d.ID,
		"decision", d.Decision,
		"decider", d.Decider,
		"latency_ms", d.LatencyMS,
	)
	if err := s.finalize(ctx, next, d); err != nil {
		slog.Error("finalize decision failed", "id", d.ID, "error", err)
	}
	return ReplyResult{Status: ReplyProcessed, ID: d.ID, Decision: &d}, nil
}

// Due lists prompted requests past their deadline.
func (s *Service) Due(ctx context.Context) ([]State, error) {
	return s.deps.Store.SweepDue(ctx, s.now())
}

// Expire finalizes id as expired by the system. expired is false when the
// record was already terminal or is gone. A non-nil error with expired
// true means the decision went out but a later step failed.
func (s *Service) Expire(ctx context.Context, id string) (d Decision, expired bool, err error) {
	next, applied, err := s.deps.Store.Transition(ctx, id, StatusExpired, SystemTimeoutDecider, "", s.now())
	if err != nil {
		return Decision{}, false, err
	}
	if !applied {
		return Decision{}, false, nil
	}
	d, err = NewDecision(next)
	if err != nil {
		return Decision{}, false, err
	}
	slog.Info("approval expired", "id", id, "latency_ms", d.LatencyMS)
	return d, true, s.finalize(ctx, next, d)
}

// Status returns the current record for id.
func (s *Service) Status(ctx context.Context, id string) (State, error) {
	return s.deps.Store.Get(ctx, strings.TrimSpace(id))
}

// RecentActivity returns the tenant's latest finished requests.
func (s *Service) RecentActivity(ctx context.Context, tenantID string, limit int) ([]ActivityEntry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Message: "is required"}
	}
	return s.deps.Store.RecentActivity(ctx, tenantID, limit)
}

// finalize runs the side effects owned by whoever applied the terminal
// transition: dispatch, activity log, waiter wake-up.
func (s *Service) finalize(ctx context.Context, st State, d Decision) error {
	if s.deps.Dispatcher != nil {
		if err := s.deps.Dispatcher.Dispatch(ctx, d); err != nil {
			slog.Warn("decision dispatch failed", "id", d.ID, "decision", d.Decision, "error", err)
		}
	}

	var activityErr error
	if err := s.deps.Store.AppendActivity(ctx, st.Request.TenantID, NewActivityEntry(st, d)); err != nil {
		activityErr = fmt.Errorf("append activity: %w", err)
	}

	if s.deps.Resolver != nil {
		s.deps.Resolver.Resolve(d.ID, d)
	}

	if _, err := s.deps.Metrics.RecordDecision(string(d.Decision), time.Duration(d.LatencyMS)*time.Millisecond); err != nil {
		slog.Warn("record runtime metrics failed", "scope", "decision", "error", err)
	}
	return activityErr
}

func (s *Service) recordSubmit(status SubmitStatus) {
	if _, err := s.deps.Metrics.RecordSubmit(string(status)); err != nil {
		slog.Warn("record runtime metrics failed", "scope", "submit", "error", err)
	}
}
