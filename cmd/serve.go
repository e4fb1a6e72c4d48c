package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bridgekit/dmgate/internal/channels"
	"github.com/bridgekit/dmgate/internal/channels/discord"
	"github.com/bridgekit/dmgate/internal/channels/instagram"
	"github.com/bridgekit/dmgate/internal/channels/meta"
	"github.com/bridgekit/dmgate/internal/channels/telegram"
	"github.com/bridgekit/dmgate/internal/config"
	"github.com/bridgekit/dmgate/internal/gateway"
	"github.com/bridgekit/dmgate/internal/hub"
	"github.com/bridgekit/dmgate/internal/ingest"
	"github.com/bridgekit/dmgate/internal/maintenance"
	"github.com/bridgekit/dmgate/internal/poller"
	"github.com/bridgekit/dmgate/internal/queue"
	"github.com/bridgekit/dmgate/internal/ratelimit"
	"github.com/bridgekit/dmgate/internal/relay"
	"github.com/bridgekit/dmgate/internal/sessions"
	"github.com/bridgekit/dmgate/internal/store"
	"github.com/bridgekit/dmgate/internal/store/pg"
	"github.com/bridgekit/dmgate/internal/store/sqlite"
	"github.com/bridgekit/dmgate/internal/telemetry"
	"github.com/bridgekit/dmgate/internal/watch"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: pollers, queue worker, webhooks and live view",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("open stores", "mode", cfg.ResolveMode(), "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	relayClient := relay.New(cfg.Relay.APIURL, cfg.Relay.APIKey, cfg.Relay.Timeout(), cfg.Relay.MaxRetries)
	liveHub := hub.New(cfg.Hub, cfg.Gateway.AllowedOrigins, stores.Accounts, relayClient)
	pipeline := ingest.New(stores, liveHub, cfg.Poller.Cooldown())

	registry, pushChannels, metaChannels := buildChannels(ctx, cfg, stores, pipeline)
	sessionMgr := sessions.NewManager(stores, registry, cfg.Sessions.CacheTTL())
	defer sessionMgr.Close()

	limiter := ratelimit.New(cfg.RateLimit.PerAccount, cfg.RateLimit.Global, cfg.RateLimit.Window())
	scheduler := poller.NewScheduler(cfg.Poller, stores, registry, sessionMgr, limiter, pipeline)
	worker := queue.NewWorker(cfg.Queue, stores, registry, sessionMgr, limiter, relayClient, liveHub)

	maint, err := maintenance.New(cfg.Maintenance, sessionMgr, stores.DeadLetters)
	if err != nil {
		slog.Error("maintenance setup failed", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(cfg, liveHub, stores, schedulerCounters{scheduler})
	srv.SetMetaChannels(metaChannels.messenger, metaChannels.whatsapp)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return liveHub.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return maint.Run(ctx) })

	for _, ch := range pushChannels {
		ch := ch
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			ch.Stop(stopCtx)
			return ctx.Err()
		})
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		watcher := watch.New(cfgPath, func(newCfg *config.Config) {
			// Structural settings (ports, tokens, database) need a restart;
			// account eligibility is re-evaluated immediately.
			scheduler.Sync(ctx)
		})
		g.Go(func() error { return watcher.Run(ctx) })
	}

	slog.Info("dmgate running", "version", Version, "db_mode", cfg.ResolveMode())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("dmgate stopped")
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	storeCfg := store.Config{
		Mode:        cfg.ResolveMode(),
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
	}
	if storeCfg.Mode == "postgres" {
		return pg.NewStores(storeCfg)
	}
	return sqlite.NewStores(storeCfg)
}

// startable is the optional lifecycle push channels implement.
type startable interface {
	channels.Channel
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type metaPair struct {
	messenger *meta.Channel
	whatsapp  *meta.Channel
}

// buildChannels constructs every enabled channel. Bot-API channels are
// single-tenant per token and bind to the first stored account.
func buildChannels(ctx context.Context, cfg *config.Config, stores *store.Stores, pipeline *ingest.Pipeline) (*channels.Registry, []startable, metaPair) {
	var all []channels.Channel
	var push []startable
	var pair metaPair

	if cfg.Channels.Instagram.Enabled {
		all = append(all, instagram.New(cfg.Channels.Instagram))
	}
	if cfg.Channels.Meta.Enabled {
		pair.messenger = meta.NewMessenger(cfg.Channels.Meta, pipeline)
		all = append(all, pair.messenger)
		if cfg.Channels.Meta.WhatsAppPhoneID != "" {
			pair.whatsapp = meta.NewWhatsApp(cfg.Channels.Meta, pipeline)
			all = append(all, pair.whatsapp)
		}
	}

	botAccountID := firstAccountID(ctx, stores)
	if cfg.Channels.Telegram.Enabled {
		if botAccountID == "" {
			slog.Warn("telegram enabled but no account exists, skipping")
		} else if ch, err := telegram.New(cfg.Channels.Telegram, pipeline, botAccountID); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			all = append(all, ch)
			push = append(push, ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		if botAccountID == "" {
			slog.Warn("discord enabled but no account exists, skipping")
		} else if ch, err := discord.New(cfg.Channels.Discord, pipeline, botAccountID); err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			all = append(all, ch)
			push = append(push, ch)
		}
	}

	return channels.NewRegistry(all...), push, pair
}

func firstAccountID(ctx context.Context, stores *store.Stores) string {
	accounts, err := stores.Accounts.List(ctx)
	if err != nil || len(accounts) == 0 {
		return ""
	}
	return accounts[0].ID
}

type schedulerCounters struct {
	scheduler *poller.Scheduler
}

func (s schedulerCounters) ActivePollers() int { return s.scheduler.Active() }
