// File: internal/service/components.go
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/events"
	"github.com/xkilldash9x/applypilot/internal/observability"
)

// SurfaceFactory opens an isolated surface per run.
type SurfaceFactory interface {
	NewSurface(ctx context.Context) (schemas.Surface, error)
	Close() error
}

// Components holds the long-lived services every run shares. Each run
// builds its own surface, recorder and machine on top of them.
type Components struct {
	Store      schemas.SessionStore
	Bus        *events.Bus
	Surfaces   SurfaceFactory
	Classifier schemas.Classifier
	Notifier   schemas.Notifier
	Profile    schemas.Profile

	closeStore func()
}

// Shutdown releases components in reverse order of creation. It tolerates
// a partially built set.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Surfaces != nil {
		if err := c.Surfaces.Close(); err != nil {
			logger.Warn("Error while closing the browser.", zap.Error(err))
		} else {
			logger.Debug("Browser closed.")
		}
	}

	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus shut down.")
	}

	if c.closeStore != nil {
		c.closeStore()
		logger.Debug("Session store closed.")
	}

	logger.Info("All components shut down.")
}
