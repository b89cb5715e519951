package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/metrics"
)

// ErrUnknownChannel is returned for names that were never registered.
var ErrUnknownChannel = errors.New("unknown channel")

// Manager coordinates all channels
type Manager struct {
	channels      map[string]Channel
	bus           *bus.MessageBus
	handler       ReplyHandler
	sendSem       chan struct{}
	runtimeMetric *metrics.RuntimeMetrics
	mu            sync.RWMutex
}

const defaultMaxConcurrentSends = 16

// NewManager creates a channel manager
func NewManager(msgBus *bus.MessageBus) *Manager {
	return NewManagerWithLimit(msgBus, defaultMaxConcurrentSends)
}

// NewManagerWithLimit creates a channel manager with bounded outbound send concurrency.
func NewManagerWithLimit(msgBus *bus.MessageBus, maxConcurrentSends int) *Manager {
	if maxConcurrentSends <= 0 {
		maxConcurrentSends = 1
	}
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		sendSem:  make(chan struct{}, maxConcurrentSends),
	}
}

// Register adds a channel
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// SetRuntimeMetrics attaches a recorder used for prompt send metrics.
func (m *Manager) SetRuntimeMetrics(recorder *metrics.RuntimeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimeMetric = recorder
}

// SetReplyHandler attaches the consumer of inbound replies.
func (m *Manager) SetReplyHandler(h ReplyHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Names returns registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Receiver returns the webhook decoder of a channel, if it has one.
func (m *Manager) Receiver(name string) (WebhookReceiver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, false
	}
	rcv, ok := ch.(WebhookReceiver)
	return rcv, ok
}

// StartAll starts all channels
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			if err := c.Start(ctx); err != nil {
				slog.Error("channel error", "name", n, "error", err)
			}
		}(name, ch)
	}
}

// Prompt sends the approval prompt for req to each named channel in
// parallel, bounded by the send semaphore, and reports one result per name.
func (m *Manager) Prompt(ctx context.Context, req approval.Request, channels []string) []approval.PromptResult {
	content := FormatPrompt(req)
	results := make([]approval.PromptResult, len(channels))

	m.mu.RLock()
	recorder := m.runtimeMetric
	targets := make([]Channel, len(channels))
	for i, name := range channels {
		targets[i] = m.channels[name]
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for i, name := range channels {
		results[i].Channel = name
		ch := targets[i]
		if ch == nil {
			results[i].Err = fmt.Errorf("%w: %s", ErrUnknownChannel, name)
			continue
		}
		select {
		case m.sendSem <- struct{}{}:
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int, c Channel) {
			defer wg.Done()
			defer func() { <-m.sendSem }()
			err := c.Send(ctx, &bus.OutboundMessage{
				Channel:   c.Name(),
				Content:   content,
				RequestID: bus.RequestIDFromContext(ctx),
				Metadata:  map[string]any{"approval_id": req.ID},
			})
			results[i].Err = err
			if recorder != nil {
				if _, recordErr := recorder.RecordPromptSend(err == nil); recordErr != nil {
					slog.Warn("record runtime metrics failed", "scope", "prompt", "error", recordErr)
				}
			}
			if err != nil {
				slog.Error("send prompt failed", "request_id", bus.RequestIDFromContext(ctx), "channel", c.Name(), "id", req.ID, "error", err)
			}
		}(i, ch)
	}
	wg.Wait()
	return results
}

// HandleInbound checks the sender against the channel allow list and hands
// the reply to the reply handler. Handled replies are acknowledged on the
// same chat through the outbound queue.
func (m *Manager) HandleInbound(ctx context.Context, msg *bus.InboundMessage) (approval.ReplyResult, error) {
	if msg == nil {
		return approval.ReplyResult{Status: approval.ReplyIgnored, Reason: "empty message"}, nil
	}
	m.mu.RLock()
	ch, ok := m.channels[msg.Channel]
	handler := m.handler
	m.mu.RUnlock()

	if !ok {
		return approval.ReplyResult{}, fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	if handler == nil {
		return approval.ReplyResult{}, errors.New("reply handler not configured")
	}
	if !ch.IsAllowed(allowKey(msg)) {
		slog.Warn("reply from sender not in allow list", "request_id", msg.RequestID, "channel", msg.Channel, "sender", msg.SenderID)
		return approval.ReplyResult{Status: approval.ReplyIgnored, Reason: "sender not allowed"}, nil
	}

	res, err := handler.HandleReply(bus.WithRequestID(ctx, msg.RequestID), msg)
	if err != nil {
		return res, err
	}
	if ack := FormatReplyAck(res); ack != "" && m.bus != nil {
		if !m.bus.PublishOutbound(&bus.OutboundMessage{
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			Content:   ack,
			RequestID: msg.RequestID,
		}) {
			slog.Warn("reply acknowledgement dropped", "request_id", msg.RequestID, "channel", msg.Channel)
		}
	}
	return res, nil
}

// ConsumeInbound handles replies published to the bus by polling channels
// until ctx is done or the bus closes.
func (m *Manager) ConsumeInbound(ctx context.Context) {
	for {
		msg, err := m.bus.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		res, err := m.HandleInbound(ctx, msg)
		if err != nil {
			slog.Error("handle reply failed", "request_id", msg.RequestID, "channel", msg.Channel, "error", err)
			continue
		}
		slog.Debug("reply handled", "request_id", msg.RequestID, "channel", msg.Channel, "status", res.Status, "id", res.ID)
	}
}

// RouteOutbound sends outbound messages to appropriate channels
func (m *Manager) RouteOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.bus.Outbound():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			m.mu.RLock()
			ch, ok := m.channels[msg.Channel]
			m.mu.RUnlock()
			if !ok {
				slog.Warn("outbound for unregistered channel", "request_id", msg.RequestID, "channel", msg.Channel)
				continue
			}
			select {
			case m.sendSem <- struct{}{}:
				go func(c Channel, outbound *bus.OutboundMessage) {
					defer func() { <-m.sendSem }()
					if err := c.Send(ctx, outbound); err != nil {
						slog.Error("send outbound failed", "request_id", outbound.RequestID, "channel", outbound.Channel, "chat_id", outbound.ChatID, "error", err)
					}
				}(ch, msg)
			case <-ctx.Done():
				return
			}
		}
	}
}

// StopAll stops all channels
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("stop channel failed", "name", name, "error", err)
		}
	}
}
