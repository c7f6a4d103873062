package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/bouncebox/internal/config"
	"github.com/shineum/bouncebox/internal/provider"
	"github.com/shineum/bouncebox/internal/provider/relay"
	"github.com/shineum/bouncebox/internal/provider/ses"
	"github.com/shineum/bouncebox/internal/provider/stdout"
	bbtls "github.com/shineum/bouncebox/internal/tls"
)

// loadConfig loads .env, then the YAML file at path when given, with
// environment variables on top.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnvFile(".env"); err != nil {
		return nil, err
	}
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs a JSON slog logger writing to w as the default
// and returns it.
func setupLogger(level string, w io.Writer) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// selectProvider builds the notification backend named by the
// configuration, auto-detecting when none is named.
func selectProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) (provider.Provider, error) {
	name := cfg.ProviderName()
	switch name {
	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("SES provider selected but ses.region and notify.sender are required")
		}
		logger.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.Notify.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.Notify.Sender,
			Endpoint:        cfg.SES.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderRelay:
		if !cfg.RelayConfigured() {
			return nil, fmt.Errorf("relay provider selected but relay.addr and notify.sender are required")
		}
		signer, err := relay.LoadSigner(cfg.DKIM.Selector, cfg.DKIM.Domain, cfg.DKIM.KeyFile)
		if err != nil {
			return nil, err
		}
		logger.Info("using SMTP relay provider",
			"addr", cfg.Relay.Addr,
			"sender", cfg.Notify.Sender,
			"starttls", cfg.Relay.StartTLS,
			"dkim", signer != nil,
		)
		return relay.New(relay.Config{
			Addr:      cfg.Relay.Addr,
			Username:  cfg.Relay.Username,
			Password:  cfg.Relay.Password,
			StartTLS:  cfg.Relay.StartTLS,
			Helo:      cfg.Relay.Helo,
			Sender:    cfg.Notify.Sender,
			TLSConfig: bbtls.ClientConfig(cfg.Relay.Addr, cfg.Relay.InsecureSkipVerify),
			Signer:    signer,
			Timeout:   cfg.Relay.Timeout,
		}), nil

	case config.ProviderStdout:
		logger.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
