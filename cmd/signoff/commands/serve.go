package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/audit"
	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/channel/imessage"
	"github.com/MEKXH/signoff/internal/channel/slack"
	"github.com/MEKXH/signoff/internal/channel/telegram"
	"github.com/MEKXH/signoff/internal/channel/whatsapp"
	"github.com/MEKXH/signoff/internal/command"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/MEKXH/signoff/internal/dispatch"
	"github.com/MEKXH/signoff/internal/gateway"
	"github.com/MEKXH/signoff/internal/metrics"
	"github.com/MEKXH/signoff/internal/ratelimit"
	"github.com/MEKXH/signoff/internal/rendezvous"
	"github.com/MEKXH/signoff/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const busBufferSize = 100

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the approval gateway",
		RunE:  runServe,
	}
}

// engine holds the long-lived components in startup order.
type engine struct {
	cfg        *config.Config
	closeStore func() error
	metrics    *metrics.RuntimeMetrics
	dispatcher *dispatch.Dispatcher
	coord      *rendezvous.Coordinator
	bus        *bus.MessageBus
	channels   *channel.Manager
	service    *approval.Service
	sweeper    *sweeper.Service
	gateway    *gateway.Server
}

type storeBackend struct {
	store   approval.Store
	bucket  ratelimit.Bucket
	spacing ratelimit.Spacing
	close   func() error
}

func openStore(ctx context.Context, cfg *config.Config) (storeBackend, error) {
	opts := approval.StoreOptions{
		TTL:              config.Seconds(cfg.Store.TTLSec),
		ActivityCap:      cfg.Store.ActivityCap,
		ActivityQueryMax: cfg.Store.ActivityQueryMax,
	}
	if cfg.Store.Backend == "memory" {
		slog.Warn("using in-memory store; state is lost on restart")
		return storeBackend{
			store:   approval.NewMemoryStore(opts),
			bucket:  ratelimit.NewMemoryBucket(),
			spacing: ratelimit.NewMemorySpacing(),
			close:   func() error { return nil },
		}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return storeBackend{}, fmt.Errorf("parse store.redis_url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return storeBackend{}, fmt.Errorf("connect redis at %s: %w", redisOpts.Addr, err)
	}
	prefix := cfg.Store.Prefix
	return storeBackend{
		store:   approval.NewRedisStore(client, prefix, opts),
		bucket:  ratelimit.NewRedisBucket(client, prefix),
		spacing: ratelimit.NewRedisSpacing(client, prefix),
		close:   client.Close,
	}, nil
}

func registerChannels(cfg *config.Config, mgr *channel.Manager, msgBus *bus.MessageBus) {
	if cfg.Channels.WhatsApp.Enabled {
		mgr.Register(whatsapp.New(&cfg.Channels.WhatsApp, cfg.Gateway.PublicURL, msgBus))
	}
	if cfg.Channels.IMessage.Enabled {
		mgr.Register(imessage.New(&cfg.Channels.IMessage, msgBus))
	}
	if cfg.Channels.Telegram.Enabled {
		mgr.Register(telegram.New(&cfg.Channels.Telegram, msgBus))
	}
	if cfg.Channels.Slack.Enabled {
		mgr.Register(slack.New(&cfg.Channels.Slack, msgBus))
	}
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	backend, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, closeStore: backend.close}
	e.metrics = metrics.NewRuntimeMetrics(cfg.StateDirPath())
	e.dispatcher = dispatch.New(dispatch.Options{
		URL:         cfg.Dispatch.URL,
		Token:       cfg.Dispatch.Token,
		Timeout:     config.Seconds(cfg.Dispatch.TimeoutSec),
		DeadLetters: audit.NewWriter(cfg.DeadLetterPath()),
		Metrics:     e.metrics,
	})
	if !e.dispatcher.Enabled() {
		slog.Warn("dispatch.url is empty; decisions are recorded but not delivered")
	}
	e.coord = rendezvous.NewCoordinator(config.Seconds(cfg.Rendezvous.MaxPendingSec), e.metrics)

	e.bus = bus.NewMessageBus(busBufferSize)
	e.channels = channel.NewManager(e.bus)
	e.channels.SetRuntimeMetrics(e.metrics)
	registerChannels(cfg, e.channels, e.bus)
	if len(e.channels.Names()) == 0 {
		slog.Warn("no approver channels enabled; every request will be rate_limited")
	}

	e.service = approval.NewService(approval.Deps{
		Store:      backend.store,
		Bucket:     backend.bucket,
		Spacing:    backend.spacing,
		Prompter:   e.channels,
		Dispatcher: e.dispatcher,
		Resolver:   e.coord,
		Commands:   command.NewDefaultRegistry(cfg.Approval.IDPattern),
		Metrics:    e.metrics,
	}, approval.Policy{
		DefaultDeadline: config.Seconds(cfg.Approval.DefaultDeadlineSec),
		MaxTextLen:      cfg.Approval.MaxTextLen,
		Duplicates:      approval.DuplicatePolicy(cfg.Approval.DuplicatePolicy),
		DefaultLimit:    cfg.Limits.Default(),
		Limits:          cfg.ChannelLimits(),
		MinSpacing:      cfg.Limits.MinSpacing(),
	})
	e.channels.SetReplyHandler(e.service)

	e.sweeper = sweeper.New(sweeper.Config{
		Enabled:  cfg.Sweeper.Enabled,
		Interval: config.Seconds(cfg.Sweeper.IntervalSec),
	}, e.service, e.coord, e.metrics)

	e.gateway = gateway.New(cfg.Gateway, gateway.Options{
		RendezvousToken: cfg.Rendezvous.Token,
		Service:         e.service,
		Replies:         e.channels,
		Rendezvous:      e.coord,
		Metrics:         e.metrics,
		ActivityMax:     cfg.Store.ActivityQueryMax,
	})
	return e, nil
}

// start launches the background loops: channels, sweeper, bus consumer
// and outbound router. The HTTP server is started by the caller.
func (e *engine) start(ctx context.Context) error {
	e.channels.StartAll(ctx)
	if err := e.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	go e.channels.ConsumeInbound(ctx)
	go e.channels.RouteOutbound(ctx)
	return nil
}

func (e *engine) shutdown(ctx context.Context) {
	if err := e.gateway.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	e.sweeper.Stop()
	e.channels.StopAll(ctx)
	e.bus.Close()
	if err := e.closeStore(); err != nil {
		slog.Warn("close store failed", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	if err := e.start(ctx); err != nil {
		e.shutdown(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.gateway.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Signoff running. Gateway: http://%s\nChannels: %s\nPress Ctrl+C to stop.\n",
		e.gateway.Addr(), channelList(e.channels.Names()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	e.shutdown(shutdownCtx)
	return runErr
}

func channelList(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
