// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/observability"
	"github.com/xkilldash9x/applypilot/internal/service"
)

// session bundles what a command needs for its lifetime.
type session struct {
	cfg        *config.Config
	components *service.Components
	runner     *service.Runner
	logger     *zap.Logger
	close      func()
}

// openSession builds components for a command. With events set, bus
// traffic is logged until close is called.
func openSession(ctx context.Context, factory service.ComponentFactory, cfg *config.Config, needs service.Needs, events bool) (*session, error) {
	logger := observability.GetLogger()
	components, err := factory.Create(ctx, cfg, logger, needs)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	var wg sync.WaitGroup
	stopConsumer := func() {}
	if events && components.Bus != nil {
		ch, unsubscribe := components.Bus.Subscribe()
		consumerCtx, cancel := context.WithCancel(context.Background())
		service.StartEventConsumer(consumerCtx, &wg, ch, logger.Named("events"))
		stopConsumer = func() {
			unsubscribe()
			cancel()
			wg.Wait()
		}
	}

	return &session{
		cfg:        cfg,
		components: components,
		runner:     service.NewRunner(cfg, components, logger),
		logger:     logger,
		close: func() {
			stopConsumer()
			components.Shutdown()
		},
	}, nil
}
