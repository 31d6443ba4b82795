package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatgate/internal/botclient"
	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/janitor"
	"chatgate/internal/pipeline"
	"chatgate/internal/server"
	"chatgate/internal/store"
	"chatgate/internal/watcher"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			closer, err := setupLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg)
		},
	}
}

// runGateway wires every component and blocks until ctx is cancelled or a
// component fails.
func runGateway(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	adapters := channel.DefaultRegistry(channel.Options{Logger: logger})
	bot := botclient.New(botclient.Config{Logger: logger, Timeout: cfg.Bot.Timeout})

	watchers := watcher.NewRegistry(watcher.Config{
		Source:        st,
		Logger:        logger,
		PollTimeout:   cfg.Webchat.PollTimeout,
		IdleThreshold: cfg.Webchat.IdleThreshold,
		IdleRetryWait: cfg.Webchat.IdleRetryWait,
	})

	g, gctx := errgroup.WithContext(ctx)

	var notifier watcher.Notifier = watchers
	if cfg.Redis.URL != "" {
		broker, err := watcher.NewRedisBroker(watcher.RedisConfig{
			URL:     cfg.Redis.URL,
			Channel: cfg.Redis.Channel,
			Logger:  logger,
		}, watchers)
		if err != nil {
			return err
		}
		defer broker.Close()
		if err := broker.Ping(ctx); err != nil {
			return err
		}
		g.Go(func() error { return broker.Run(gctx) })
		notifier = broker
		logger.Info("redis fan-out enabled", "channel", cfg.Redis.Channel)
	}

	pipe := pipeline.New(pipeline.Config{
		Conversations: st,
		Configs:       st,
		Adapters:      adapters,
		Bot:           bot,
		Notifier:      notifier,
		Logger:        logger,
	})

	if cfg.Janitor.Enabled {
		jan, err := janitor.New(janitor.Config{
			Purger:        st,
			Watchers:      watchers,
			Schedule:      cfg.Janitor.Schedule,
			RetentionDays: cfg.Janitor.RetentionDays,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		jan.Start()
		defer func() {
			if err := jan.Stop(); err != nil {
				logger.Warn("janitor shutdown failed", "err", err)
			}
		}()
	}

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr(),
		PublicURL:      cfg.Server.PublicURL,
		AdminAPIKey:    cfg.Server.AdminAPIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Pipeline:       pipe,
		Conversations:  st,
		Configs:        st,
		Adapters:       adapters,
		Watchers:       watchers,
		Health:         st.Ping,
		Logger:         logger,
	})
	if cfg.Server.AdminAPIKey == "" {
		logger.Warn("admin API disabled: server.admin_api_key is empty")
	}

	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Server.Addr(), "channels", adapters.Types())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "err", err)
		}
		pipe.Wait()
		return nil
	})

	err = g.Wait()
	logger.Info("gateway stopped")
	return err
}
