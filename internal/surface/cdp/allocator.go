// Package cdp drives a Chrome tab through the DevTools protocol and exposes
// it as a schemas.Surface.
package cdp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/internal/config"
)

const startupTimeout = 30 * time.Second

// AllocatorFlags translates the browser config into Chrome command line
// flags. Later entries in cfg.Args win over the computed ones.
func AllocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"disable-dev-shm-usage":     true,
		"disable-blink-features":    "AutomationControlled",
		"disable-extensions":        true,
		"no-sandbox":                true,
		"disable-setuid-sandbox":    true,
		"disable-gpu":               cfg.Headless,
		"enable-automation":         false,
		"password-store":            "basic",
		"use-mock-keychain":         true,
		"disable-popup-blocking":    true,
		"disable-features":          "Translate,OptimizationHints,MediaRouter",
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
	}
	if cfg.IgnoreTLSErrors {
		flags["allow-insecure-localhost"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(strings.TrimSpace(arg), "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// DefaultAllocatorOptions returns chromedp's defaults followed by the flags
// from AllocatorFlags, in a stable order.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := AllocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Browser owns one Chrome process. Every surface it hands out runs in its
// own browser context, so cookies and storage never leak between sessions.
type Browser struct {
	cfg    config.Interface
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	surfaces map[*Surface]struct{}
	closed   bool
}

// NewBrowser launches Chrome and checks that it responds.
func NewBrowser(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg.Browser())...)

	var ctxOpts []chromedp.ContextOption
	ctxOpts = append(ctxOpts, chromedp.WithErrorf(logger.Sugar().Errorf))
	if cfg.Browser().Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	if err := startTarget(ctx, browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	logger.Info("Browser launched.", zap.Bool("headless", cfg.Browser().Headless))
	return &Browser{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		surfaces:      make(map[*Surface]struct{}),
	}, nil
}

// NewSurface opens a tab in a fresh browser context.
func (b *Browser) NewSurface(ctx context.Context) (*Surface, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("browser is closed")
	}
	b.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())
	if err := startTarget(ctx, tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	s := newSurface(tabCtx, tabCancel, b.cfg.Network(), b.logger)
	s.onClose = func() {
		b.mu.Lock()
		delete(b.surfaces, s)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.surfaces[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Close shuts every open surface and then the Chrome process.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*Surface, 0, len(b.surfaces))
	for s := range b.surfaces {
		open = append(open, s)
	}
	b.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
	b.browserCancel()
	b.allocCancel()
	b.logger.Info("Browser closed.")
	return nil
}

// startTarget allocates the browser or tab behind target. The first Run ties
// the target's lifetime to the context it receives, so target itself is
// passed unbounded and the wait is bounded separately by ctx and
// startupTimeout.
func startTarget(ctx, target context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(target) }()

	timer := time.NewTimer(startupTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("no response within %s", startupTimeout)
	}
}
