// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/classifier"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/store"
	"github.com/xkilldash9x/applypilot/internal/surface/cdp"
)

// InitializeStore opens the configured session store backend. The cleanup
// function is never nil.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.SessionStore, func(), error) {
	logger.Debug("Opening session store.", zap.String("backend", cfg.Backend), zap.String("dir", cfg.Dir))
	st, closeFn, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to open session store: %w", err)
	}
	return st, closeFn, nil
}

// InitializeClassifier builds the page classifier. A disabled or unkeyed
// classifier yields nil, and the navigator then relies on rules alone.
func InitializeClassifier(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (schemas.Classifier, error) {
	if !cfg.LLM.Enabled {
		logger.Info("Page classifier disabled; navigation uses rule-based checks only.")
		return nil, nil
	}
	if cfg.LLM.APIKey == "" {
		logger.Warn("No Gemini API key configured (hint: set GEMINI_API_KEY); navigation uses rule-based checks only.")
		return nil, nil
	}
	c, err := classifier.NewGemini(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize page classifier: %w", err)
	}
	logger.Debug("Page classifier initialized.", zap.String("model", cfg.LLM.Model))
	return c, nil
}

// browserSurfaces adapts the Chrome browser to SurfaceFactory.
type browserSurfaces struct {
	browser *cdp.Browser
}

func (b browserSurfaces) NewSurface(ctx context.Context) (schemas.Surface, error) {
	return b.browser.NewSurface(ctx)
}

func (b browserSurfaces) Close() error { return b.browser.Close() }

// InitializeBrowser launches Chrome. The browser outlives ctx only until
// ctx is cancelled, so callers pass the process context.
func InitializeBrowser(ctx context.Context, cfg config.Interface, logger *zap.Logger) (SurfaceFactory, error) {
	b, err := cdp.NewBrowser(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return browserSurfaces{browser: b}, nil
}

// StartEventConsumer logs bus events until the channel closes or ctx ends.
// It manages its lifecycle through wg.
func StartEventConsumer(ctx context.Context, wg *sync.WaitGroup, ch <-chan schemas.Event, logger *zap.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				logEvent(logger, ev)
			case <-ctx.Done():
				drainEvents(ch, logger)
				return
			}
		}
	}()
}

// drainEvents logs whatever is already buffered in ch.
func drainEvents(ch <-chan schemas.Event, logger *zap.Logger) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logEvent(logger, ev)
		default:
			return
		}
	}
}

func logEvent(logger *zap.Logger, ev schemas.Event) {
	fields := []zap.Field{zap.String("session_id", ev.SessionID), zap.String("type", string(ev.Type))}
	if ev.State != "" {
		fields = append(fields, zap.String("state", ev.State))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", string(ev.Status)))
	}
	if ev.Progress > 0 {
		fields = append(fields, zap.Float64("progress", ev.Progress))
	}
	switch ev.Type {
	case schemas.EventHumanNeeded:
		logger.Warn(ev.Message, fields...)
	case schemas.EventStateChange, schemas.EventReplayProgress:
		logger.Debug(ev.Message, fields...)
	default:
		logger.Info(ev.Message, fields...)
	}
}
