package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/bouncebox/internal/activity"
	"github.com/shineum/bouncebox/internal/intake"
	"github.com/shineum/bouncebox/internal/mailbox"
	"github.com/shineum/bouncebox/internal/metrics"
	"github.com/shineum/bouncebox/internal/notify"
	"github.com/shineum/bouncebox/internal/smtp"
	"github.com/shineum/bouncebox/internal/storage/sqlstore"
	bbtls "github.com/shineum/bouncebox/internal/tls"
)

// drainTimeout bounds how long shutdown waits for pending notifications.
const drainTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP listener, mailbox poller and ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging.Level, os.Stdout)

	store, err := sqlstore.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	m := metrics.New()

	recorderOpts := []activity.Option{activity.WithMetrics(m), activity.WithLogger(logger)}
	if cfg.Redis.URL != "" {
		pub, err := activity.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			logger.Warn("live activity feed disabled", "error", err)
		} else {
			defer pub.Close()
			recorderOpts = append(recorderOpts, activity.WithPublisher(pub))
			logger.Info("publishing activity to redis", "channel", cfg.Redis.Channel)
		}
	}
	recorder := activity.New(store, recorderOpts...)

	prov, err := selectProvider(ctx, cfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	dispatcher := notify.New(prov, notify.Config{
		Sender:      cfg.Notify.Sender,
		MaxFailures: cfg.Notify.Breaker.MaxFailures,
		OpenTimeout: cfg.Notify.Breaker.OpenTimeout,
	}, logger, m)

	pipeline := intake.New(store, recorder, dispatcher, logger, m)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := pipeline.Drain(drainCtx); err != nil {
			logger.Warn("notifications still pending at shutdown", "error", err)
		}
	}()

	var tlsConfig *tls.Config
	tlsMode := "disabled"
	if cfg.TLS.Enabled {
		tlsConfig, err = bbtls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        pipeline,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Metrics:        m,
	})

	logger.Info("starting bouncebox",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"storage", cfg.Storage.Driver,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"imap_poll", cfg.IMAP.Enabled,
		"metrics_listen", cfg.Metrics.Listen,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cfg.Metrics.Listen != "" {
		ops := metrics.NewServer(cfg.Metrics.Listen, m, logger)
		g.Go(func() error {
			return ops.ListenAndServe(gctx)
		})
	}
	if cfg.IMAP.Enabled {
		poller := mailbox.New(store, pipeline, mailbox.Config{
			Interval:           cfg.IMAP.PollInterval,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			MaxMessageSize:     cfg.SMTP.MaxMessageSize,
		}, logger, m)
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("bouncebox stopped")
	return nil
}
