package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func NewActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "List a tenant's recently decided requests",
		RunE:  runActivity,
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().Int("limit", 20, "Maximum entries to show")
	_ = cmd.MarkFlagRequired("tenant")
	addGatewayFlags(cmd)
	return cmd
}

func runActivity(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	limit, _ := cmd.Flags().GetInt("limit")

	entries, err := newGatewayClient(cfg, 30*time.Second).Activity(context.Background(), tenant, limit)
	if err != nil {
		return err
	}
	renderActivity(tenant, entries)
	return nil
}

func renderActivity(tenant string, entries []approval.ActivityEntry) {
	if len(entries) == 0 {
		fmt.Printf("No activity for %s.\n", tenant)
		return
	}

	var (
		wID       = 16
		wDecision = 10
		wDecider  = 22
		wLatency  = 10
		wDecided  = 20
		wText     = 36

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true).
				MarginRight(1)

		idStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(wID).
			MarginRight(1)

		cellStyle = lipgloss.NewStyle().MarginRight(1)
	)

	fmt.Println(headerStyle.Render("Activity · " + tenant))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wDecision).Render("DECISION"),
		colHeaderStyle.Width(wDecider).Render("DECIDER"),
		colHeaderStyle.Width(wLatency).Render("LATENCY"),
		colHeaderStyle.Width(wDecided).Render("DECIDED"),
		colHeaderStyle.Width(wText).Render("TEXT"),
	)
	fmt.Printf("  %s\n", headers)

	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wID)),
		sepStyle.Render(strings.Repeat("─", wDecision)),
		sepStyle.Render(strings.Repeat("─", wDecider)),
		sepStyle.Render(strings.Repeat("─", wLatency)),
		sepStyle.Render(strings.Repeat("─", wDecided)),
		sepStyle.Render(strings.Repeat("─", wText)),
	)
	fmt.Printf("  %s\n", separator)

	for _, e := range entries {
		decided := "-"
		if e.DecidedAt != nil {
			decided = e.DecidedAt.Local().Format("2006-01-02 15:04:05")
		}
		text := e.ProposedText
		if e.FinalText != nil {
			text = *e.FinalText
		}
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			idStyle.Render(truncate(e.ID, wID)),
			cellStyle.Width(wDecision).Foreground(decisionColor(e.Decision)).Render(string(e.Decision)),
			cellStyle.Width(wDecider).Render(truncate(e.Decider, wDecider)),
			cellStyle.Width(wLatency).Render(formatLatency(e.LatencyMS)),
			cellStyle.Width(wDecided).Render(decided),
			cellStyle.Width(wText).Render(truncate(text, wText)),
		)
		fmt.Printf("  %s\n", row)
	}
	fmt.Println()
}

func decisionColor(s approval.Status) lipgloss.Color {
	switch s {
	case approval.StatusApproved, approval.StatusEdited:
		return okColor
	case approval.StatusRejected:
		return errColor
	default:
		return mutedColor
	}
}

func formatLatency(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
