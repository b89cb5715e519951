package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

var (
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldSingleRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	codeInlineRe = regexp.MustCompile("`([^`]+)`")
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Channel implements Telegram bot
type Channel struct {
	channel.BaseChannel
	cfg *config.TelegramConfig

	mu     sync.RWMutex
	bot    *tgbotapi.BotAPI
	sender sender
}

// New creates a Telegram channel
func New(cfg *config.TelegramConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{
			Bus:       msgBus,
			AllowList: channel.NewAllowList(cfg.AllowFrom),
		},
		cfg: cfg,
	}
}

func (c *Channel) Name() string { return "telegram" }

// Start connects the bot. In poll mode it long-polls until ctx is done;
// in webhook mode replies arrive through DecodeWebhook and Start returns.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	c.mu.Lock()
	c.bot = bot
	c.sender = bot
	c.mu.Unlock()

	slog.Info("telegram bot connected", "username", bot.Self.UserName, "mode", c.cfg.Mode)
	if c.cfg.Mode == "webhook" {
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg := inboundFromMessage(update.Message); msg != nil {
				c.PublishInbound(msg)
			}
		}
	}
}

// DecodeWebhook checks the secret token header and decodes a Telegram Update.
func (c *Channel) DecodeWebhook(r *http.Request) (channel.WebhookEvent, error) {
	if secret := c.cfg.WebhookSecret; secret != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return channel.WebhookEvent{}, channel.ErrBadSignature
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&update); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("decode telegram update: %w", err)
	}
	msg := inboundFromMessage(update.Message)
	if msg != nil {
		msg.RequestID = bus.RequestIDFromContext(r.Context())
	}
	return channel.WebhookEvent{Message: msg}, nil
}

func inboundFromMessage(msg *tgbotapi.Message) *bus.InboundMessage {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	return &bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  strconv.FormatInt(msg.From.ID, 10),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   content,
		Timestamp: time.Now(),
		RequestID: bus.NewRequestID(),
		Metadata: map[string]any{
			"message_id": msg.MessageID,
			"username":   msg.From.UserName,
		},
	}
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.RLock()
	s := c.sender
	c.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("bot not initialized")
	}

	target := msg.ChatID
	if strings.TrimSpace(target) == "" {
		target = c.cfg.ChatID
	}
	chatID, err := parseInt64(target)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", target, err)
	}

	tgMsg := tgbotapi.NewMessage(chatID, markdownToHTML(msg.Content))
	tgMsg.ParseMode = "HTML"

	_, err = s.Send(tgMsg)
	if err != nil {
		tgMsg.ParseMode = ""
		tgMsg.Text = msg.Content
		_, err = s.Send(tgMsg)
	}
	return err
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.RLock()
	bot := c.bot
	c.mu.RUnlock()
	if bot != nil && c.cfg.Mode != "webhook" {
		bot.StopReceivingUpdates()
	}
	return nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func markdownToHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldSingleRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = codeInlineRe.ReplaceAllString(text, "<code>$1</code>")
	return text
}
