package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const addressPrefix = "whatsapp:"

// messageCreator is the slice of the Twilio REST API the channel uses.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Channel sends prompts through the Twilio WhatsApp API and receives
// replies on the Twilio messaging webhook.
type Channel struct {
	channel.BaseChannel
	cfg       *config.WhatsAppConfig
	publicURL string
	api       messageCreator
	validator *twilioclient.RequestValidator
}

// New creates a WhatsApp channel instance. publicURL is the gateway's
// external base URL; Twilio signs the full URL it posted to.
func New(cfg *config.WhatsAppConfig, publicURL string, msgBus *bus.MessageBus) *Channel {
	ch := &Channel{
		BaseChannel: channel.BaseChannel{Bus: msgBus, AllowList: channel.NewAllowList(cfg.AllowFrom)},
		cfg:         cfg,
		publicURL:   strings.TrimRight(strings.TrimSpace(publicURL), "/"),
	}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		ch.api = client.Api
	}
	if cfg.AuthToken != "" {
		v := twilioclient.NewRequestValidator(cfg.AuthToken)
		ch.validator = &v
	}
	return ch
}

func (c *Channel) Name() string { return "whatsapp" }

func (c *Channel) Start(ctx context.Context) error {
	if c.cfg == nil {
		return fmt.Errorf("missing whatsapp config")
	}
	if strings.TrimSpace(c.cfg.From) == "" || strings.TrimSpace(c.cfg.To) == "" {
		return fmt.Errorf("whatsapp from and to are required")
	}
	if c.api == nil {
		return fmt.Errorf("whatsapp account_sid and auth_token are required")
	}
	if c.validator == nil {
		slog.Warn("whatsapp webhook signature validation disabled", "reason", "auth_token not configured")
	}
	return nil
}

func (c *Channel) Stop(ctx context.Context) error { return nil }

func (c *Channel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.api == nil {
		return fmt.Errorf("whatsapp channel not configured")
	}
	to := msg.ChatID
	if strings.TrimSpace(to) == "" {
		to = c.cfg.To
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(address(to))
	params.SetFrom(address(c.cfg.From))
	params.SetBody(msg.Content)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("whatsapp message queued", "request_id", msg.RequestID, "sid", *resp.Sid)
	}
	return nil
}

// DecodeWebhook validates the X-Twilio-Signature header and extracts the
// Body and From form fields. Validation is skipped when no auth token is set.
func (c *Channel) DecodeWebhook(r *http.Request) (channel.WebhookEvent, error) {
	if err := r.ParseForm(); err != nil {
		return channel.WebhookEvent{}, fmt.Errorf("parse whatsapp form: %w", err)
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if c.validator != nil {
		signature := r.Header.Get("X-Twilio-Signature")
		if !c.validator.Validate(c.webhookURL(r), params, signature) {
			return channel.WebhookEvent{}, channel.ErrBadSignature
		}
	} else {
		slog.Warn("whatsapp signature validation skipped", "reason", "auth_token not configured")
	}

	from := strings.TrimSpace(params["From"])
	if from == "" {
		return channel.WebhookEvent{}, nil
	}
	metadata := map[string]any{}
	if sid := params["MessageSid"]; sid != "" {
		metadata["message_id"] = sid
	}
	if name := params["ProfileName"]; name != "" {
		metadata["display_name"] = name
	}
	return channel.WebhookEvent{Message: &bus.InboundMessage{
		Channel:   c.Name(),
		SenderID:  from,
		ChatID:    from,
		Content:   strings.TrimSpace(params["Body"]),
		Timestamp: time.Now(),
		Metadata:  metadata,
		RequestID: bus.RequestIDFromContext(r.Context()),
	}}, nil
}

// webhookURL reconstructs the URL Twilio posted to.
func (c *Channel) webhookURL(r *http.Request) string {
	if c.publicURL != "" {
		return c.publicURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func address(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, addressPrefix) {
		return number
	}
	return addressPrefix + number
}
