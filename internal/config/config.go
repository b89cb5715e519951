package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/ratelimit"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SIGNOFF_LIMITS_MIN_SPACING_SEC.
const EnvPrefix = "SIGNOFF"

// Config root configuration
type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Store      StoreConfig      `mapstructure:"store"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Rendezvous RendezvousConfig `mapstructure:"rendezvous"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Log        LogConfig        `mapstructure:"log"`
	StateDir   string           `mapstructure:"state_dir"`
}

// GatewayConfig HTTP server settings
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Token guards the submission and query routes. Empty disables auth.
	Token string `mapstructure:"token"`
	// PublicURL is the externally visible base URL, used to verify
	// signatures computed over the full webhook URL.
	PublicURL string `mapstructure:"public_url"`
}

// StoreConfig persistence settings
type StoreConfig struct {
	Backend          string `mapstructure:"backend"`
	RedisURL         string `mapstructure:"redis_url"`
	Prefix           string `mapstructure:"prefix"`
	TTLSec           int    `mapstructure:"ttl_sec"`
	ActivityCap      int    `mapstructure:"activity_cap"`
	ActivityQueryMax int    `mapstructure:"activity_query_max"`
}

// ApprovalConfig request handling settings
type ApprovalConfig struct {
	DefaultDeadlineSec int    `mapstructure:"default_deadline_sec"`
	MaxTextLen         int    `mapstructure:"max_text_len"`
	DuplicatePolicy    string `mapstructure:"duplicate_policy"`
	// IDPattern overrides the id expression recognized by the pattern grammar.
	IDPattern string `mapstructure:"id_pattern"`
}

// LimitsConfig prompt pacing settings
type LimitsConfig struct {
	Capacity      float64 `mapstructure:"capacity"`
	RefillPerMin  float64 `mapstructure:"refill_per_min"`
	MinSpacingSec int     `mapstructure:"min_spacing_sec"`
}

// SweeperConfig expiry loop settings
type SweeperConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	IntervalSec int  `mapstructure:"interval_sec"`
}

// DispatchConfig decision delivery settings
type DispatchConfig struct {
	URL            string `mapstructure:"url"`
	Token          string `mapstructure:"token"`
	TimeoutSec     int    `mapstructure:"timeout_sec"`
	DeadLetterFile string `mapstructure:"dead_letter_file"`
}

// RendezvousConfig wait handle settings
type RendezvousConfig struct {
	// Token guards POST /decisions. Empty falls back to dispatch.token.
	Token         string `mapstructure:"token"`
	MaxPendingSec int    `mapstructure:"max_pending_sec"`
}

// ChannelsConfig channel settings
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	IMessage IMessageConfig `mapstructure:"imessage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
}

// WhatsAppConfig Twilio WhatsApp settings
type WhatsAppConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	AccountSID string          `mapstructure:"account_sid"`
	AuthToken  string          `mapstructure:"auth_token"`
	From       string          `mapstructure:"from"`
	To         string          `mapstructure:"to"`
	AllowFrom  []string        `mapstructure:"allow_from"`
	Limit      ratelimit.Limit `mapstructure:"limit"`
}

// IMessageConfig Photon sidecar settings
type IMessageConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	BaseURL      string          `mapstructure:"base_url"`
	To           string          `mapstructure:"to"`
	WebhookToken string          `mapstructure:"webhook_token"`
	AllowFrom    []string        `mapstructure:"allow_from"`
	Limit        ratelimit.Limit `mapstructure:"limit"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
	// Mode is "poll" (long polling) or "webhook".
	Mode          string          `mapstructure:"mode"`
	WebhookSecret string          `mapstructure:"webhook_secret"`
	AllowFrom     []string        `mapstructure:"allow_from"`
	Limit         ratelimit.Limit `mapstructure:"limit"`
}

// SlackConfig Slack app settings
type SlackConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	// AppToken enables Socket Mode. Without it replies arrive on the webhook.
	AppToken      string          `mapstructure:"app_token"`
	SigningSecret string          `mapstructure:"signing_secret"`
	ChannelID     string          `mapstructure:"channel_id"`
	AllowFrom     []string        `mapstructure:"allow_from"`
	Limit         ratelimit.Limit `mapstructure:"limit"`
}

// LogConfig logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Backend:          "redis",
			RedisURL:         "redis://localhost:6379/0",
			Prefix:           "signoff",
			TTLSec:           86400,
			ActivityCap:      1000,
			ActivityQueryMax: 100,
		},
		Approval: ApprovalConfig{
			DefaultDeadlineSec: 900,
			MaxTextLen:         200,
			DuplicatePolicy:    "overwrite",
		},
		Limits: LimitsConfig{
			Capacity:      5,
			RefillPerMin:  1,
			MinSpacingSec: 20,
		},
		Sweeper: SweeperConfig{
			Enabled:     true,
			IntervalSec: 10,
		},
		Dispatch: DispatchConfig{
			TimeoutSec: 10,
		},
		Rendezvous: RendezvousConfig{
			MaxPendingSec: 1800,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Mode: "poll"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".signoff")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load reads ~/.signoff/config.json when present and overlays SIGNOFF_*
// environment variables. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(*cfg), "")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// bindEnvs registers every leaf key so AutomaticEnv can reach keys that the
// config file does not mention.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			bindEnvs(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save writes configuration to file
func Save(cfg *Config) error {
	return SaveFile(ConfigPath(), cfg)
}

// SaveFile writes configuration to an explicit path.
func SaveFile(configPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks config values and fills in defaults for zero fields.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = defaults.Gateway.Host
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case "":
		c.Store.Backend = defaults.Store.Backend
	case "redis", "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && strings.TrimSpace(c.Store.RedisURL) == "" {
		return fmt.Errorf("store.redis_url is required when store.backend=redis")
	}
	if strings.TrimSpace(c.Store.Prefix) == "" {
		c.Store.Prefix = defaults.Store.Prefix
	}
	if c.Store.TTLSec <= 0 {
		c.Store.TTLSec = defaults.Store.TTLSec
	}
	if c.Store.ActivityCap <= 0 {
		c.Store.ActivityCap = defaults.Store.ActivityCap
	}
	if c.Store.ActivityQueryMax <= 0 {
		c.Store.ActivityQueryMax = defaults.Store.ActivityQueryMax
	}

	if c.Approval.DefaultDeadlineSec <= 0 {
		c.Approval.DefaultDeadlineSec = defaults.Approval.DefaultDeadlineSec
	}
	if c.Approval.MaxTextLen <= 0 {
		c.Approval.MaxTextLen = defaults.Approval.MaxTextLen
	}
	c.Approval.DuplicatePolicy = strings.ToLower(strings.TrimSpace(c.Approval.DuplicatePolicy))
	switch c.Approval.DuplicatePolicy {
	case "":
		c.Approval.DuplicatePolicy = defaults.Approval.DuplicatePolicy
	case "overwrite", "reject":
	default:
		return fmt.Errorf("approval.duplicate_policy must be overwrite or reject, got %q", c.Approval.DuplicatePolicy)
	}
	if c.Approval.IDPattern != "" {
		if _, err := regexp.Compile(c.Approval.IDPattern); err != nil {
			return fmt.Errorf("approval.id_pattern: %w", err)
		}
	}

	if err := c.Limits.Default().Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.Limits.MinSpacingSec < 0 {
		return fmt.Errorf("limits.min_spacing_sec must be >= 0, got %d", c.Limits.MinSpacingSec)
	}
	for name, l := range c.ChannelLimits() {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("channels.%s.limit: %w", name, err)
		}
	}

	if c.Sweeper.IntervalSec <= 0 {
		c.Sweeper.IntervalSec = defaults.Sweeper.IntervalSec
	}
	if c.Dispatch.TimeoutSec <= 0 {
		c.Dispatch.TimeoutSec = defaults.Dispatch.TimeoutSec
	}
	if c.Rendezvous.MaxPendingSec <= 0 {
		c.Rendezvous.MaxPendingSec = 2 * c.Approval.DefaultDeadlineSec
	}

	c.Channels.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Channels.Telegram.Mode))
	switch c.Channels.Telegram.Mode {
	case "":
		c.Channels.Telegram.Mode = "poll"
	case "poll", "webhook":
	default:
		return fmt.Errorf("channels.telegram.mode must be poll or webhook, got %q", c.Channels.Telegram.Mode)
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "":
		c.Log.Level = defaults.Log.Level
	case "debug", "info", "warn", "error":
	case "warning":
		c.Log.Level = "warn"
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = defaults.Log.Format
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// Default returns the bucket shape used by channels without their own.
func (l LimitsConfig) Default() ratelimit.Limit {
	return ratelimit.Limit{Capacity: l.Capacity, RefillPerMin: l.RefillPerMin}
}

// MinSpacing returns the spacing gap; zero disables spacing.
func (l LimitsConfig) MinSpacing() time.Duration {
	return time.Duration(l.MinSpacingSec) * time.Second
}

// ChannelLimits returns the per-channel bucket overrides that are set.
func (c *Config) ChannelLimits() map[string]ratelimit.Limit {
	out := map[string]ratelimit.Limit{}
	for name, l := range map[string]ratelimit.Limit{
		"whatsapp": c.Channels.WhatsApp.Limit,
		"imessage": c.Channels.IMessage.Limit,
		"telegram": c.Channels.Telegram.Limit,
		"slack":    c.Channels.Slack.Limit,
	} {
		if l.Capacity != 0 || l.RefillPerMin != 0 {
			out[name] = l
		}
	}
	return out
}

// StateDirPath returns the expanded state directory.
func (c *Config) StateDirPath() string {
	dir := strings.TrimSpace(c.StateDir)
	if dir == "" {
		return filepath.Join(ConfigDir(), "state")
	}
	if dir[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			rest := strings.TrimPrefix(strings.TrimPrefix(dir[1:], string(filepath.Separator)), "/")
			return filepath.Join(homeDir, rest)
		}
	}
	return dir
}

// DeadLetterPath returns the dispatch dead-letter file, defaulting into the state dir.
func (c *Config) DeadLetterPath() string {
	if p := strings.TrimSpace(c.Dispatch.DeadLetterFile); p != "" {
		return p
	}
	return filepath.Join(c.StateDirPath(), "dead_letters.jsonl")
}

// Addr returns host:port for the HTTP listener.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Seconds converts a positive seconds setting into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
