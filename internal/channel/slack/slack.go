package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const maxWebhookBody = 1 << 20

type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Channel implements the Slack approver channel. Replies arrive over Socket
// Mode when an app token is configured, otherwise on the Events API webhook.
type Channel struct {
	channel.BaseChannel
	cfg          *config.SlackConfig
	api          poster
	socketClient *socketmode.Client
	botUserID    string

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Slack channel.
func New(cfg *config.SlackConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{Bus: msgBus, AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
	}
}

func (c *Channel) Name() string { return "slack" }

func (c *Channel) Start(ctx context.Context) error {
	if c.cfg == nil {
		return fmt.Errorf("missing slack config")
	}
	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("slack bot_token is required")
	}

	opts := []slack.Option{}
	socketMode := strings.TrimSpace(c.cfg.AppToken) != ""
	if socketMode {
		opts = append(opts, slack.OptionAppLevelToken(c.cfg.AppToken))
	}
	api := slack.New(c.cfg.BotToken, opts...)
	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.api = api
	c.botUserID = authResp.UserID
	c.running = true
	c.ctx = runCtx
	c.cancel = cancel
	if socketMode {
		c.socketClient = socketmode.New(api)
	}
	socketClient := c.socketClient
	c.mu.Unlock()

	if socketClient != nil {
		go c.eventLoop()
		go func() {
			if err := socketClient.RunContext(runCtx); err != nil && runCtx.Err() == nil {
				slog.Error("slack socket mode exited", "error", err)
			}
		}()
	}

	slog.Info("slack channel connected", "team", authResp.Team, "bot_user_id", authResp.UserID, "socket_mode", socketMode)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.socketClient = nil
	c.api = nil
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.RLock()
	api := c.api
	running := c.running
	c.mu.RUnlock()
	if !running || api == nil {
		return fmt.Errorf("slack channel not running")
	}

	chatID := msg.ChatID
	if strings.TrimSpace(chatID) == "" {
		chatID = c.cfg.ChannelID
	}
	channelID, threadTS := parseChatID(chatID)
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("invalid slack chat id: %q", chatID)
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, _, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

// DecodeWebhook verifies the Slack signing secret and decodes an Events API
// request. url_verification requests yield a Challenge.
func (c *Channel) DecodeWebhook(r *http.Request) (channel.WebhookEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("read slack body: %w", err)
	}

	if secret := strings.TrimSpace(c.cfg.SigningSecret); secret != "" {
		sv, err := slack.NewSecretsVerifier(r.Header, secret)
		if err != nil {
			return channel.WebhookEvent{}, fmt.Errorf("%w: %v", channel.ErrBadSignature, err)
		}
		if _, err := sv.Write(body); err != nil {
			return channel.WebhookEvent{}, err
		}
		if err := sv.Ensure(); err != nil {
			return channel.WebhookEvent{}, channel.ErrBadSignature
		}
	} else {
		slog.Warn("slack signature validation skipped", "reason", "signing_secret not configured")
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("parse slack event: %w", err)
	}

	switch ev.Type {
	case slackevents.URLVerification:
		if uv, ok := ev.Data.(*slackevents.EventsAPIURLVerificationEvent); ok {
			return channel.WebhookEvent{Challenge: uv.Challenge}, nil
		}
	case slackevents.CallbackEvent:
		var msg *bus.InboundMessage
		switch inner := ev.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			msg = c.messageFromEvent(inner)
		case *slackevents.AppMentionEvent:
			msg = c.messageFromMention(inner)
		}
		if msg != nil {
			msg.RequestID = bus.RequestIDFromContext(r.Context())
		}
		return channel.WebhookEvent{Message: msg}, nil
	}
	return channel.WebhookEvent{}, nil
}

func (c *Channel) eventLoop() {
	for {
		c.mu.RLock()
		runCtx := c.ctx
		socketClient := c.socketClient
		c.mu.RUnlock()
		if runCtx == nil || socketClient == nil {
			return
		}

		select {
		case <-runCtx.Done():
			return
		case evt, ok := <-socketClient.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(socketClient, evt)
			case socketmode.EventTypeInteractive:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			case socketmode.EventTypeSlashCommand:
				c.handleSlashCommand(socketClient, evt)
			}
		}
	}
}

func (c *Channel) handleEventsAPI(client *socketmode.Client, evt socketmode.Event) {
	if evt.Request != nil {
		client.Ack(*evt.Request)
	}

	eventData, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	var msg *bus.InboundMessage
	switch inner := eventData.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		msg = c.messageFromEvent(inner)
	case *slackevents.AppMentionEvent:
		msg = c.messageFromMention(inner)
	}
	if msg != nil {
		c.PublishInbound(msg)
	}
}

// messageFromEvent converts a human message event; bot echoes and empty
// messages return nil.
func (c *Channel) messageFromEvent(ev *slackevents.MessageEvent) *bus.InboundMessage {
	if ev == nil {
		return nil
	}
	if ev.User == "" || ev.BotID != "" || ev.SubType == "bot_message" {
		return nil
	}

	content := strings.TrimSpace(c.stripMention(ev.Text))
	if content == "" {
		return nil
	}

	chatID := ev.Channel
	if ev.ThreadTimeStamp != "" {
		chatID = ev.Channel + "/" + ev.ThreadTimeStamp
	}

	return &bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  ev.User,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"message_ts": ev.TimeStamp,
			"channel_id": ev.Channel,
			"thread_ts":  ev.ThreadTimeStamp,
		},
		RequestID: bus.NewRequestID(),
	}
}

func (c *Channel) messageFromMention(ev *slackevents.AppMentionEvent) *bus.InboundMessage {
	if ev == nil || ev.User == "" {
		return nil
	}

	content := strings.TrimSpace(c.stripMention(ev.Text))
	if content == "" {
		return nil
	}

	chatID := ev.Channel
	if ev.ThreadTimeStamp != "" {
		chatID = ev.Channel + "/" + ev.ThreadTimeStamp
	} else if ev.TimeStamp != "" {
		chatID = ev.Channel + "/" + ev.TimeStamp
	}

	return &bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  ev.User,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"message_ts": ev.TimeStamp,
			"channel_id": ev.Channel,
			"thread_ts":  ev.ThreadTimeStamp,
			"is_mention": true,
		},
		RequestID: bus.NewRequestID(),
	}
}

// handleSlashCommand accepts "/signoff approve cr_1" style commands.
func (c *Channel) handleSlashCommand(client *socketmode.Client, evt socketmode.Event) {
	if evt.Request != nil {
		client.Ack(*evt.Request)
	}
	cmd, ok := evt.Data.(slack.SlashCommand)
	if !ok || cmd.UserID == "" {
		return
	}
	content := strings.TrimSpace(cmd.Text)
	if content == "" {
		return
	}
	c.PublishInbound(&bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  cmd.UserID,
		ChatID:    cmd.ChannelID,
		Content:   content,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"is_command": true,
			"command":    cmd.Command,
			"username":   cmd.UserName,
		},
		RequestID: bus.NewRequestID(),
	})
}

func (c *Channel) stripMention(text string) string {
	c.mu.RLock()
	botUserID := c.botUserID
	c.mu.RUnlock()
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	mention := fmt.Sprintf("<@%s>", botUserID)
	text = strings.ReplaceAll(text, mention, "")
	return strings.TrimSpace(text)
}

func parseChatID(chatID string) (channelID, threadTS string) {
	parts := strings.SplitN(chatID, "/", 2)
	channelID = parts[0]
	if len(parts) > 1 {
		threadTS = parts[1]
	}
	return
}
