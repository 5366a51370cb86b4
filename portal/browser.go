// CLAUDE:SUMMARY Chrome lifecycle for the portal session: launch locally or attach to a remote DevTools URL, open one stealth tab.
package portal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// browser owns the Chrome process (or remote connection) behind a session.
type browser struct {
	cfg    BrowserConfig
	logger *slog.Logger
	rod    *rod.Browser
	lnch   *launcher.Launcher
}

func (b *browser) start(ctx context.Context) (*rod.Page, error) {
	var wsURL string
	if b.cfg.RemoteURL != "" {
		wsURL = b.cfg.RemoteURL
		b.logger.Info("portal: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(b.cfg.HeadlessOrDefault())
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.logger.Info("portal: launched local chrome", "headless", b.cfg.HeadlessOrDefault())
	}

	r := rod.New().ControlURL(wsURL)
	if err := r.Connect(); err != nil {
		b.close()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	b.rod = r

	page, err := stealth.Page(r)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return page, nil
}

func (b *browser) close() {
	if b.rod != nil {
		if err := b.rod.Close(); err != nil {
			b.logger.Debug("portal: close browser", "error", err)
		}
		b.rod = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}
