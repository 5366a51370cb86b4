package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/claimsync/capture"
	"github.com/hazyhaar/claimsync/channels"
	"github.com/hazyhaar/claimsync/config"
	"github.com/hazyhaar/claimsync/mailbox"
	"github.com/hazyhaar/claimsync/shield"
	"github.com/hazyhaar/claimsync/vision"
)

const (
	telegramChannel    = "telegram"
	defaultWebhookPath = "/telegram"
)

func botCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram capture bot",
		Long: `Receives claim-form photos over Telegram, extracts their fields, asks the
operator to confirm, and stores each confirmed image in the mailbox.

Long polling is used unless telegram.webhook_url is set, in which case an
HTTP listener serves the webhook and GET /health.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(config.ModeBot); err != nil {
				return err
			}
			return runBot(cmd.Context(), a.cfg, a.logger)
		},
	}
}

func runBot(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	vc, err := vision.New(cfg.Vision, vision.WithLogger(logger))
	if err != nil {
		return err
	}
	tg, err := channels.NewTelegram(telegramChannel, cfg.Telegram, channels.WithTelegramLogger(logger))
	if err != nil {
		return err
	}
	mb := mailbox.New(cfg.Mailbox.Dir)

	bridge := capture.NewBridge(tg, vc, mb, logger)
	d := channels.NewDispatcher(bridge.Handle, channels.WithLogger(logger))
	d.Start(telegramChannel, tg)
	defer d.Close()

	logger.InfoContext(ctx, "bot: started", "mailbox", mb.Dir(), "webhook", cfg.Telegram.WebhookURL != "")

	if cfg.Telegram.WebhookURL == "" {
		<-ctx.Done()
		logger.Info("bot: stopping")
		return nil
	}
	return serveWebhook(ctx, cfg.Telegram, tg, logger)
}

func serveWebhook(ctx context.Context, cfg channels.TelegramConfig, tg *channels.Telegram, logger *slog.Logger) error {
	path, err := webhookPath(cfg.WebhookURL)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(ctx, path, tg, tg.Status, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("bot: webhook listening", "addr", cfg.Listen, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if err := tg.SetWebhook(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("bot: set webhook: %w", err)
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("bot: listen: %w", err)
	}

	logger.Info("bot: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("bot: shutdown", "error", err)
	}
	return nil
}

// webhookPath is the path component of the public webhook URL, which is
// where Telegram will POST.
func webhookPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bot: webhook url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		return defaultWebhookPath, nil
	}
	return u.Path, nil
}

// newRouter serves the webhook at path and GET /health. The webhook is rate
// limited per source IP; health checks are not.
func newRouter(ctx context.Context, path string, hook http.Handler, status func() channels.ChannelStatus, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	limits := shield.Limits{
		MaxBody: 1 << 20,
		Rules: map[string]shield.RateLimitConfig{
			http.MethodPost + " " + path: {MaxRequests: 300, Window: time.Minute},
		},
		Exclude: []string{"/health"},
	}
	stack, rl := shield.DefaultStack(limits, logger)
	rl.StartGC(ctx, time.Minute)
	for _, mw := range stack {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := status()
		code := http.StatusOK
		if !st.Connected {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	r.Handle(path, hook)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
