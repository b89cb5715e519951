// Package imessage talks to a Photon iMessage Kit sidecar: prompts go out
// through its /send endpoint and replies come back as JSON webhooks.
package imessage

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/config"
)

const defaultSendTimeout = 10 * time.Second

// Channel implements the iMessage approver channel.
type Channel struct {
	channel.BaseChannel
	cfg        *config.IMessageConfig
	baseURL    string
	httpClient *http.Client
}

// New creates an iMessage channel.
func New(cfg *config.IMessageConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channel.BaseChannel{Bus: msgBus, AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient:  &http.Client{Timeout: defaultSendTimeout},
	}
}

func (c *Channel) Name() string { return "imessage" }

func (c *Channel) Start(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("imessage base_url is empty")
	}
	if strings.TrimSpace(c.cfg.To) == "" {
		return fmt.Errorf("imessage recipient (to) is empty")
	}
	return nil
}

func (c *Channel) Stop(ctx context.Context) error { return nil }

type sendRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.baseURL == "" {
		return fmt.Errorf("imessage base_url is empty")
	}
	recipient := msg.ChatID
	if strings.TrimSpace(recipient) == "" {
		recipient = c.cfg.To
	}

	body, err := json.Marshal(sendRequest{Recipient: recipient, Text: msg.Content})
	if err != nil {
		return fmt.Errorf("marshal imessage payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.RequestID != "" {
		req.Header.Set("X-Request-ID", msg.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send imessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send imessage: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

type inboundPayload struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// DecodeWebhook checks the sidecar's bearer token and decodes its
// {"from", "text"} payload. The check is skipped when no webhook_token is set.
func (c *Channel) DecodeWebhook(r *http.Request) (channel.WebhookEvent, error) {
	if token := strings.TrimSpace(c.cfg.WebhookToken); token != "" {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			return channel.WebhookEvent{}, channel.ErrBadSignature
		}
	} else {
		slog.Warn("imessage webhook authentication skipped", "reason", "webhook_token not configured")
	}

	var p inboundPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&p); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("invalid JSON: %w", err)
	}
	from := strings.TrimSpace(p.From)
	if from == "" {
		return channel.WebhookEvent{}, nil
	}
	return channel.WebhookEvent{Message: &bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  from,
		ChatID:    from,
		Content:   strings.TrimSpace(p.Text),
		Timestamp: time.Now(),
		RequestID: bus.RequestIDFromContext(r.Context()),
	}}, nil
}
