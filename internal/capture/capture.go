// Package capture bootstraps a portal session through a real browser. The
// portal has no credential API: an operator signs in by hand, and we lift
// the authenticated cookies out of the browser into the session store. This
// replaces the manual export-cookies-to-JSON dance.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"atapbridge/internal/store"
)

// Config controls the interactive capture run.
type Config struct {
	// BaseURL of the portal; the browser opens its login page.
	BaseURL string
	// Bin is an explicit Chrome/Chromium binary, empty to auto-detect.
	Bin string
	// Timeout bounds the whole interactive session.
	Timeout time.Duration
}

// Capture opens a headful browser on the portal login page, waits for the
// operator to sign in (detected by the page landing off /login), and
// returns the browser's cookie set as persistable session state.
func Capture(ctx context.Context, cfg Config, logger *zap.Logger) (*store.State, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	launch := launcher.New().Headless(false)
	if cfg.Bin != "" {
		launch = launch.Bin(cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: cfg.BaseURL + "/login"})
	if err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}

	logger.Info("waiting for operator login", zap.String("url", cfg.BaseURL+"/login"))
	if err := waitForLogin(ctx, page); err != nil {
		return nil, err
	}

	cookiesRes, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("read browser cookies: %w", err)
	}

	state := &store.State{SavedAt: time.Now()}
	for _, c := range cookiesRes.Cookies {
		cookie := store.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		state.Cookies = append(state.Cookies, cookie)
	}
	logger.Info("captured session cookies", zap.Int("count", len(state.Cookies)))
	return state, nil
}

// waitForLogin polls the page URL until it leaves the login screen.
func waitForLogin(ctx context.Context, page *rod.Page) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login not completed: %w", ctx.Err())
		case <-ticker.C:
			info, err := page.Info()
			if err != nil {
				// Operator may have closed the tab mid-flow.
				return fmt.Errorf("login page gone: %w", err)
			}
			if info.URL != "" && !strings.Contains(info.URL, "/login") {
				return nil
			}
		}
	}
}
