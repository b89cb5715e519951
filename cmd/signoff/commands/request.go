package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/MEKXH/signoff/internal/gateway"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	gatewayURLFlag   string
	gatewayTokenFlag string
)

func addGatewayFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gatewayURLFlag, "gateway", "", "Gateway base URL (default from config)")
	cmd.Flags().StringVar(&gatewayTokenFlag, "token", "", "Gateway bearer token (default gateway.token)")
}

// gatewayBaseURL picks the flag, then gateway.public_url, then the local listener.
func gatewayBaseURL(cfg *config.Config, flag string) string {
	if u := strings.TrimSpace(flag); u != "" {
		return u
	}
	if u := strings.TrimSpace(cfg.Gateway.PublicURL); u != "" {
		return u
	}
	host := strings.TrimSpace(cfg.Gateway.Host)
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
}

func newGatewayClient(cfg *config.Config, timeout time.Duration) *gateway.Client {
	token := strings.TrimSpace(gatewayTokenFlag)
	if token == "" {
		token = cfg.Gateway.Token
	}
	return gateway.NewClient(gatewayBaseURL(cfg, gatewayURLFlag), token, &http.Client{Timeout: timeout})
}

func NewRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit an approval request to a running gateway",
		Example: `  signoff request --tenant t_acme --text "We support SSO." --context https://x.com/u/status/1
  signoff request --tenant t_acme --text "Thanks!" --context https://x.com/u/status/2 --deadline 60 --wait`,
		RunE: runRequest,
	}

	cmd.Flags().String("id", "", "Request id (default: generated cr_ id)")
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("platform", string(approval.PlatformX), "Target platform (x|reddit|linkedin)")
	cmd.Flags().String("source", "", "Source post reference")
	cmd.Flags().String("text", "", "Proposed reply text")
	cmd.Flags().String("context", "", "Link to the source post")
	cmd.Flags().String("tag", "", "Persona or tag shown to the approver")
	cmd.Flags().StringSlice("risk", nil, "Risk flags (repeatable)")
	cmd.Flags().Int("deadline", 0, "Deadline in seconds (default approval.default_deadline_sec)")
	cmd.Flags().Bool("wait", false, "Block until the request is decided or expires")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("text")
	_ = cmd.MarkFlagRequired("context")
	addGatewayFlags(cmd)

	return cmd
}

func newRequestID() string {
	return "cr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func requestFromFlags(cmd *cobra.Command) approval.Request {
	id, _ := cmd.Flags().GetString("id")
	tenant, _ := cmd.Flags().GetString("tenant")
	platform, _ := cmd.Flags().GetString("platform")
	source, _ := cmd.Flags().GetString("source")
	text, _ := cmd.Flags().GetString("text")
	contextRef, _ := cmd.Flags().GetString("context")
	tag, _ := cmd.Flags().GetString("tag")
	risks, _ := cmd.Flags().GetStringSlice("risk")
	deadline, _ := cmd.Flags().GetInt("deadline")

	if strings.TrimSpace(id) == "" {
		id = newRequestID()
	}
	return approval.Request{
		ID:              id,
		TenantID:        tenant,
		ChannelTarget:   approval.Platform(platform),
		SourceRef:       source,
		ProposedText:    text,
		Tag:             tag,
		ContextRef:      contextRef,
		RiskFlags:       risks,
		DeadlineSeconds: deadline,
	}
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	req := requestFromFlags(cmd)
	wait, _ := cmd.Flags().GetBool("wait")
	ctx := bus.WithRequestID(context.Background(), bus.NewRequestID())

	if !wait {
		res, err := newGatewayClient(cfg, 30*time.Second).Submit(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	deadline := req.DeadlineSeconds
	if deadline <= 0 {
		deadline = cfg.Approval.DefaultDeadlineSec
	}
	timeout := time.Duration(deadline)*time.Second + 30*time.Second
	fmt.Printf("Waiting up to %ds for a decision on %s...\n", deadline, req.ID)
	d, err := newGatewayClient(cfg, timeout).SubmitAndWait(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(d)
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
