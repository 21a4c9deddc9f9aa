package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/imbridge/internal/channel/adapters/feishu"
	"github.com/memohai/imbridge/internal/channel/adapters/qqbot"
	"github.com/memohai/imbridge/internal/channel/adapters/wecom"
	"github.com/memohai/imbridge/internal/config"
	"github.com/memohai/imbridge/internal/handlers"
	accountchecker "github.com/memohai/imbridge/internal/healthcheck/checkers/account"
	channelchecker "github.com/memohai/imbridge/internal/healthcheck/checkers/channel"
	"github.com/memohai/imbridge/internal/logger"
	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/server"
	"github.com/memohai/imbridge/internal/token"
	"github.com/memohai/imbridge/internal/version"
)

const platformHTTPTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, stream connections and agent API",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return newApp().Err()
		},
	}
}

// newApp builds the application; Run blocks until a signal arrives.
func newApp() *fx.App {
	app := fx.New(
		appOptions(),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if app.Err() == nil {
		app.Run()
	}
	return app
}

func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideHTTPClient,
			provideTokenCache,
			provideTokenSource,
			provideTranscoder,
			provideChannelRegistry,
			provideAccounts,
			provideHub,
			provideInboundHandler,
			provideDispatcher,
			provideChannelManager,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewWebhookHandler),
			provideServerHandler(handlers.NewChannelHandler),
			provideServerHandler(provideHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startChannelManager,
			startServer,
		),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideHTTPClient() *http.Client {
	return &http.Client{Timeout: platformHTTPTimeout}
}

func provideTokenCache(log *slog.Logger, client *http.Client) *token.Cache {
	cache := token.NewCache(log)
	token.RegisterDefaults(cache, client)
	return cache
}

func provideTokenSource(cache *token.Cache) token.Source {
	return cache
}

func provideTranscoder(cfg config.Config) media.Transcoder {
	return media.NewCommandTranscoder(cfg.Media.FFmpegPath, cfg.Media.SilkEncoderPath)
}

func provideChannelRegistry(log *slog.Logger, client *http.Client, tokens token.Source) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(dingtalk.NewAdapter(log, client))
	registry.MustRegister(feishu.NewAdapter(log, client))
	registry.MustRegister(wecom.NewRobotAdapter(log, client))
	registry.MustRegister(wecom.NewAppAdapter(log, client))
	registry.MustRegister(qqbot.NewAdapter(log, client, tokens))
	return registry
}

func provideAccounts(log *slog.Logger, cfg config.Config, registry *channel.Registry) (*channel.Accounts, error) {
	cfgs := cfg.ChannelConfigs()
	for _, c := range cfgs {
		if _, ok := registry.Get(c.ChannelType); !ok {
			return nil, fmt.Errorf("account %s: unsupported platform %q", c.ID, c.ChannelType)
		}
	}
	accounts, err := channel.NewAccounts(cfgs)
	if err != nil {
		return nil, err
	}
	log.Info("accounts loaded", slog.Int("count", len(accounts.List())))
	return accounts, nil
}

func provideHub(log *slog.Logger) *channel.Hub {
	return channel.NewHub(log, 0)
}

// provideInboundHandler is shared by stream connections and webhooks so both
// paths apply the same middleware.
func provideInboundHandler(cfg config.Config, hub *channel.Hub) channel.InboundHandler {
	return channel.Chain(hub.Handler(), channel.SpeechRecognition(cfg.ASR.Enabled))
}

func provideDispatcher(log *slog.Logger, cfg config.Config, registry *channel.Registry, accounts *channel.Accounts, tokens token.Source, transcoder media.Transcoder, client *http.Client) *channel.Dispatcher {
	return channel.NewDispatcher(log, registry, accounts, tokens, channel.DispatcherOptions{
		Media: media.Options{
			MaxBytes:   cfg.Media.MaxBytes(),
			Timeout:    cfg.Media.Timeout(),
			Transcoder: transcoder,
			HTTPClient: client,
		},
		ReplyFinalOnly: cfg.Reply.FinalOnly,
	})
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry, accounts *channel.Accounts, inbound channel.InboundHandler) *channel.Manager {
	return channel.NewManager(log, registry, accounts, inbound)
}

func provideHealthHandler(log *slog.Logger, channelManager *channel.Manager, accounts *channel.Accounts, registry *channel.Registry) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log,
		channelchecker.NewChecker(log, channelManager),
		accountchecker.NewChecker(log, accounts, registry),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startChannelManager(lc fx.Lifecycle, channelManager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return channelManager.Start(ctx) },
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return channelManager.Shutdown(stopCtx)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	logger.Info("starting imbridge", slog.String("version", version.GetInfo()), slog.String("addr", cfg.Server.Addr))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
	return nil
}
