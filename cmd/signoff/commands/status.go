package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/audit"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/MEKXH/signoff/internal/dispatch"
	"github.com/MEKXH/signoff/internal/metrics"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	accentColor = lipgloss.Color("#8E4EC6")
	okColor     = lipgloss.Color("#2E8B57")
	warnColor   = lipgloss.Color("#D7875F")
	errColor    = lipgloss.Color("#D75F5F")
	mutedColor  = lipgloss.Color("241")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(accentColor).
			Padding(0, 1).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
)

func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show engine configuration and runtime metrics, or one request's state",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	addGatewayFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(args) == 1 {
		return runRequestStatus(cfg, args[0])
	}

	fmt.Println(headerStyle.Render("Signoff Status"))

	section("Config")
	line("Path:", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		line("Status:", lipgloss.NewStyle().Foreground(okColor).Render("OK"))
	} else {
		line("Status:", "not found (defaults and SIGNOFF_ env only)")
	}
	line("State dir:", cfg.StateDirPath())

	section("Store")
	line("Backend:", cfg.Store.Backend)
	if cfg.Store.Backend == "redis" {
		line("Redis:", cfg.Store.RedisURL)
		line("Prefix:", cfg.Store.Prefix)
	}
	line("TTL:", (time.Duration(cfg.Store.TTLSec) * time.Second).String())

	section("Policy")
	line("Deadline:", (time.Duration(cfg.Approval.DefaultDeadlineSec) * time.Second).String())
	line("Duplicates:", cfg.Approval.DuplicatePolicy)
	line("Rate limit:", fmt.Sprintf("capacity %g, %g/min, spacing %ds", cfg.Limits.Capacity, cfg.Limits.RefillPerMin, cfg.Limits.MinSpacingSec))
	sweep := "disabled"
	if cfg.Sweeper.Enabled {
		sweep = fmt.Sprintf("every %ds", cfg.Sweeper.IntervalSec)
	}
	line("Sweeper:", sweep)

	section("Channels")
	for _, st := range channelStates(cfg) {
		value := lipgloss.NewStyle().Foreground(mutedColor).Render("disabled")
		if st.Enabled {
			if st.Reason == "" {
				value = lipgloss.NewStyle().Foreground(okColor).Render("enabled")
			} else {
				value = lipgloss.NewStyle().Foreground(warnColor).Render("enabled (" + st.Reason + ")")
			}
		}
		line(st.Name+":", value)
	}

	section("Gateway")
	line("Address:", cfg.Gateway.Addr())
	if cfg.Gateway.Token != "" {
		line("Auth:", "token configured")
	} else {
		line("Auth:", "no token (open)")
	}
	if cfg.Dispatch.URL != "" {
		line("Dispatch:", cfg.Dispatch.URL)
	} else {
		line("Dispatch:", "disabled")
	}

	section("Dead Letters")
	events, err := audit.ReadEvents(cfg.DeadLetterPath())
	if err != nil {
		line("Status:", lipgloss.NewStyle().Foreground(errColor).Render(err.Error()))
	} else {
		n := 0
		for _, ev := range events {
			if ev.Type == dispatch.DeadLetterType {
				n++
			}
		}
		line("Path:", cfg.DeadLetterPath())
		line("Undelivered:", fmt.Sprintf("%d", n))
	}

	section("Runtime Metrics")
	snap, err := metrics.ReadRuntimeSnapshot(cfg.StateDirPath())
	if err != nil {
		line("Status:", lipgloss.NewStyle().Foreground(errColor).Render(err.Error()))
		return nil
	}
	if !snap.HasData() {
		fmt.Println("  no runtime data yet")
		return nil
	}
	line("Updated:", snap.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	line("Submitted:", fmt.Sprintf("%d (prompted %d, duplicate %d, rate_limited %d)", snap.Prompts.Submitted, snap.Prompts.Prompted, snap.Prompts.Duplicates, snap.Prompts.RateLimited))
	line("Sends:", fmt.Sprintf("%d (failure ratio %.2f)", snap.Prompts.SendAttempts, snap.Prompts.SendFailureRatio()))
	line("Decisions:", fmt.Sprintf("%d (approved %d, edited %d, rejected %d, expired %d)", snap.Decisions.Total, snap.Decisions.Approved, snap.Decisions.Edited, snap.Decisions.Rejected, snap.Decisions.Expired))
	line("Latency:", fmt.Sprintf("avg %.0fms, p95~ %dms, max %dms", snap.Decisions.AvgLatencyMs(), snap.Decisions.P95ProxyLatencyMs, snap.Decisions.MaxLatencyMs))
	line("Dispatch:", fmt.Sprintf("%d (failure ratio %.2f)", snap.Dispatch.Attempts, snap.Dispatch.FailureRatio()))
	line("Sweeps:", fmt.Sprintf("%d runs, %d expired, %d failures", snap.Sweeps.Runs, snap.Sweeps.Expired, snap.Sweeps.Failures))
	line("Waits:", fmt.Sprintf("%d registered, %d resolved, %d timed out, %d late", snap.Rendezvous.Registered, snap.Rendezvous.Resolved, snap.Rendezvous.TimedOut, snap.Rendezvous.LateDecisions))
	return nil
}

func runRequestStatus(cfg *config.Config, id string) error {
	st, err := newGatewayClient(cfg, 30*time.Second).Status(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("Request " + st.Request.ID))
	line("Tenant:", st.Request.TenantID)
	line("Platform:", string(st.Request.ChannelTarget))
	line("Status:", lipgloss.NewStyle().Foreground(decisionColor(st.Status)).Render(string(st.Status)))
	line("Created:", st.CreatedAt.Local().Format(time.RFC3339))
	line("Due:", st.DueAt().Local().Format(time.RFC3339))
	if st.DecidedAt != nil {
		line("Decided:", st.DecidedAt.Local().Format(time.RFC3339))
		line("Decider:", st.Decider)
	}
	line("Text:", st.Request.ProposedText)
	return nil
}

type channelState struct {
	Name    string
	Enabled bool
	Reason  string
}

func channelStates(cfg *config.Config) []channelState {
	missing := func(fields map[string]string) string {
		var out []string
		for _, k := range []string{"account_sid", "auth_token", "from", "to", "base_url", "token", "chat_id", "bot_token", "channel_id"} {
			if v, ok := fields[k]; ok && strings.TrimSpace(v) == "" {
				out = append(out, k)
			}
		}
		if len(out) == 0 {
			return ""
		}
		return "missing " + strings.Join(out, ", ")
	}
	wa := cfg.Channels.WhatsApp
	im := cfg.Channels.IMessage
	tg := cfg.Channels.Telegram
	sl := cfg.Channels.Slack
	return []channelState{
		{Name: "imessage", Enabled: im.Enabled, Reason: missing(map[string]string{"base_url": im.BaseURL, "to": im.To})},
		{Name: "slack", Enabled: sl.Enabled, Reason: missing(map[string]string{"bot_token": sl.BotToken, "channel_id": sl.ChannelID})},
		{Name: "telegram", Enabled: tg.Enabled, Reason: missing(map[string]string{"token": tg.Token, "chat_id": tg.ChatID})},
		{Name: "whatsapp", Enabled: wa.Enabled, Reason: missing(map[string]string{"account_sid": wa.AccountSID, "auth_token": wa.AuthToken, "from": wa.From, "to": wa.To})},
	}
}

func section(title string) {
	fmt.Println()
	fmt.Println(sectionStyle.Render(title))
}

func line(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(label), value)
}
