// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/events"
	"github.com/xkilldash9x/applypilot/internal/profile"
)

const busBuffer = 256

// Needs says which optional components a command requires. The store and
// event bus are always built.
type Needs struct {
	Browser    bool
	Profile    bool
	Classifier bool
}

// ComponentFactory builds the component set for a command. The abstraction
// keeps the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger, needs Needs) (*Components, error)
}

// concreteFactory is the production implementation of ComponentFactory.
type concreteFactory struct {
	loadProfile func(path string) (schemas.Profile, error)
}

// NewComponentFactory creates a production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{loadProfile: profile.Load}
}

// Create handles dependency injection and initialization of components,
// shutting down whatever was built if a later step fails.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger, needs Needs) (*Components, error) {
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store
	st, closeStore, err := InitializeStore(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = st
	components.closeStore = closeStore

	// 2. Event bus and operator notification
	components.Bus = events.NewBus(logger, busBuffer)
	components.Notifier = events.Notifiers{
		events.NewLogNotifier(logger),
		events.NewBusNotifier(components.Bus),
	}

	// 3. Profile
	if needs.Profile {
		p, err := f.loadProfile(cfg.Profile().Path)
		if err != nil {
			initializationErr = fmt.Errorf("failed to load profile: %w", err)
			return nil, initializationErr
		}
		components.Profile = p
		logger.Debug("Profile loaded.", zap.String("path", cfg.Profile().Path))
	}

	// 4. Classifier
	if needs.Classifier {
		c, err := InitializeClassifier(ctx, cfg.Agent(), logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Classifier = c
	}

	// 5. Browser
	if needs.Browser {
		surfaces, err := InitializeBrowser(ctx, cfg, logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Surfaces = surfaces
	}

	logger.Debug("Components initialized.",
		zap.Bool("browser", needs.Browser),
		zap.Bool("profile", needs.Profile),
		zap.Bool("classifier", components.Classifier != nil))
	return components, nil
}
