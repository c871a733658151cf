// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}
func (m *MockConfig) Browser() config.BrowserConfig {
	return m.Called().Get(0).(config.BrowserConfig)
}
func (m *MockConfig) Network() config.NetworkConfig {
	return m.Called().Get(0).(config.NetworkConfig)
}
func (m *MockConfig) Store() config.StoreConfig {
	return m.Called().Get(0).(config.StoreConfig)
}
func (m *MockConfig) Replay() config.ReplayConfig {
	return m.Called().Get(0).(config.ReplayConfig)
}
func (m *MockConfig) Navigator() config.NavigatorConfig {
	return m.Called().Get(0).(config.NavigatorConfig)
}
func (m *MockConfig) Agent() config.AgentConfig {
	return m.Called().Get(0).(config.AgentConfig)
}
func (m *MockConfig) Profile() config.ProfileConfig {
	return m.Called().Get(0).(config.ProfileConfig)
}
func (m *MockConfig) Runner() config.RunnerConfig {
	return m.Called().Get(0).(config.RunnerConfig)
}
func (m *MockConfig) SetBrowserHeadless(b bool)  { m.Called(b) }
func (m *MockConfig) SetRunnerConcurrency(n int) { m.Called(n) }
func (m *MockConfig) SetStoreDir(dir string)     { m.Called(dir) }

// -- Surface Mock --

// MockSurface implements schemas.Surface for testing. A test that sets no
// expectations fails on the first interaction, which is how replay tests
// assert that nothing touched the surface.
type MockSurface struct {
	mock.Mock
}

var _ schemas.Surface = (*MockSurface)(nil)

func (m *MockSurface) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}
func (m *MockSurface) AwaitNavigation(ctx context.Context, timeout time.Duration) error {
	return m.Called(ctx, timeout).Error(0)
}
func (m *MockSurface) AwaitVisible(ctx context.Context, loc schemas.Locator, timeout time.Duration) error {
	return m.Called(ctx, loc, timeout).Error(0)
}
func (m *MockSurface) Exists(ctx context.Context, loc schemas.Locator) (bool, error) {
	args := m.Called(ctx, loc)
	return args.Bool(0), args.Error(1)
}
func (m *MockSurface) Click(ctx context.Context, loc schemas.Locator) error {
	return m.Called(ctx, loc).Error(0)
}
func (m *MockSurface) ClickNth(ctx context.Context, loc schemas.Locator, index int) error {
	return m.Called(ctx, loc, index).Error(0)
}
func (m *MockSurface) SetValue(ctx context.Context, loc schemas.Locator, value string) error {
	return m.Called(ctx, loc, value).Error(0)
}
func (m *MockSurface) Clear(ctx context.Context, loc schemas.Locator) error {
	return m.Called(ctx, loc).Error(0)
}
func (m *MockSurface) TypeText(ctx context.Context, loc schemas.Locator, text string) error {
	return m.Called(ctx, loc, text).Error(0)
}
func (m *MockSurface) SelectByValue(ctx context.Context, loc schemas.Locator, value string) error {
	return m.Called(ctx, loc, value).Error(0)
}
func (m *MockSurface) SelectByText(ctx context.Context, loc schemas.Locator, text string) error {
	return m.Called(ctx, loc, text).Error(0)
}
func (m *MockSurface) UploadFile(ctx context.Context, loc schemas.Locator, path string) error {
	return m.Called(ctx, loc, path).Error(0)
}
func (m *MockSurface) PressKey(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}
func (m *MockSurface) TextsOf(ctx context.Context, loc schemas.Locator, limit int) ([]string, error) {
	args := m.Called(ctx, loc, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockSurface) Markup(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockSurface) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockSurface) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}
func (m *MockSurface) Capture(ctx context.Context) (*schemas.SurfaceSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.SurfaceSnapshot), args.Error(1)
}
func (m *MockSurface) Restore(ctx context.Context, snap *schemas.SurfaceSnapshot) error {
	return m.Called(ctx, snap).Error(0)
}
func (m *MockSurface) EnterFrame(ctx context.Context, loc schemas.Locator) error {
	return m.Called(ctx, loc).Error(0)
}
func (m *MockSurface) ExitFrame(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockSurface) Close() error {
	return m.Called().Error(0)
}

// -- Capability Mocks --

// MockDetector implements schemas.Detector.
type MockDetector struct {
	mock.Mock
	name string
}

var _ schemas.Detector = (*MockDetector)(nil)

// NewMockDetector creates a named detector mock.
func NewMockDetector(name string) *MockDetector {
	return &MockDetector{name: name}
}

func (m *MockDetector) Name() string { return m.name }
func (m *MockDetector) Detect(ctx context.Context) (*schemas.Signal, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Signal), args.Error(1)
}
func (m *MockDetector) Execute(ctx context.Context, sig *schemas.Signal) (bool, error) {
	args := m.Called(ctx, sig)
	return args.Bool(0), args.Error(1)
}

// MockClassifier implements schemas.Classifier.
type MockClassifier struct {
	mock.Mock
}

var _ schemas.Classifier = (*MockClassifier)(nil)

func (m *MockClassifier) Classify(ctx context.Context, req schemas.ClassifyRequest) (*schemas.ClassifierVerdict, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ClassifierVerdict), args.Error(1)
}

// MockFormFiller implements schemas.FormFiller.
type MockFormFiller struct {
	mock.Mock
}

var _ schemas.FormFiller = (*MockFormFiller)(nil)

func (m *MockFormFiller) FillDiscoveredFields(ctx context.Context, profile schemas.Profile) (*schemas.FillReport, error) {
	args := m.Called(ctx, profile)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.FillReport), args.Error(1)
}

// MockInspector implements schemas.Inspector.
type MockInspector struct {
	mock.Mock
}

var _ schemas.Inspector = (*MockInspector)(nil)

func (m *MockInspector) Inspect(ctx context.Context) (*schemas.PageSignals, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.PageSignals), args.Error(1)
}

// MockNotifier implements schemas.Notifier.
type MockNotifier struct {
	mock.Mock
}

var _ schemas.Notifier = (*MockNotifier)(nil)

func (m *MockNotifier) NotifyHuman(ctx context.Context, req schemas.HumanRequest) error {
	return m.Called(ctx, req).Error(0)
}

// MockPublisher implements schemas.EventPublisher.
type MockPublisher struct {
	mock.Mock
}

var _ schemas.EventPublisher = (*MockPublisher)(nil)

func (m *MockPublisher) Publish(ctx context.Context, ev schemas.Event) error {
	return m.Called(ctx, ev).Error(0)
}
