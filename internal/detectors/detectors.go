// Package detectors holds the rule-based page checks the navigator consults
// before any AI advice. Each detector reads the current markup, looks for one
// condition and knows how to act on it.
package detectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/dom"
)

// Default timing for Execute.
const (
	DefaultVisibleTimeout = 2 * time.Second
	DefaultSettleTimeout  = 3 * time.Second
)

// ErrNotActionable is returned by Execute for conditions no click can clear.
var ErrNotActionable = errors.New("detectors: condition requires a human")

// matchFunc inspects a parsed document and returns a signal or nil.
type matchFunc func(doc *html.Node) *schemas.Signal

// Options tune detector timing.
type Options struct {
	VisibleTimeout time.Duration
	SettleTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibleTimeout <= 0 {
		o.VisibleTimeout = DefaultVisibleTimeout
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = DefaultSettleTimeout
	}
	return o
}

// markupDetector is the shared implementation: fetch markup, parse, match.
type markupDetector struct {
	name    string
	surface schemas.Surface
	logger  *zap.Logger
	opts    Options
	match   matchFunc
	// act overrides the default click.
	act func(ctx context.Context, sig *schemas.Signal) (bool, error)
}

var _ schemas.Detector = (*markupDetector)(nil)

func newDetector(name string, surface schemas.Surface, logger *zap.Logger, opts Options, match matchFunc) *markupDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &markupDetector{
		name:    name,
		surface: surface,
		logger:  logger.Named("detector").With(zap.String("detector", name)),
		opts:    opts.withDefaults(),
		match:   match,
	}
}

func (d *markupDetector) Name() string { return d.name }

// Detect returns nil, nil when the condition is absent.
func (d *markupDetector) Detect(ctx context.Context) (*schemas.Signal, error) {
	doc, err := document(ctx, d.surface)
	if err != nil {
		return nil, err
	}
	sig := d.match(doc)
	if sig == nil {
		return nil, nil
	}
	sig.Detector = d.name
	d.logger.Debug("Condition detected.", zap.String("target", string(sig.Target)), zap.String("text", sig.Text))
	return sig, nil
}

// Execute clicks the signalled control after a short visibility wait. An
// element that never reports visible is still clicked, since overlays often
// animate in.
func (d *markupDetector) Execute(ctx context.Context, sig *schemas.Signal) (bool, error) {
	if sig == nil {
		return false, nil
	}
	if d.act != nil {
		return d.act(ctx, sig)
	}
	return d.click(ctx, sig.Target)
}

func (d *markupDetector) click(ctx context.Context, target schemas.Locator) (bool, error) {
	if target.Empty() {
		return false, nil
	}
	if err := d.surface.AwaitVisible(ctx, target, d.opts.VisibleTimeout); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.logger.Debug("Target not reported visible, clicking anyway.", zap.String("target", string(target)), zap.Error(err))
	}
	if err := d.surface.Click(ctx, target); err != nil {
		return false, fmt.Errorf("%s: click %s: %w", d.name, target, err)
	}
	return true, nil
}

func document(ctx context.Context, surface schemas.Surface) (*html.Node, error) {
	markup, err := surface.Markup(ctx)
	if err != nil {
		return nil, fmt.Errorf("detectors: read markup: %w", err)
	}
	return dom.Parse(markup)
}

// Set is the full rule-based detector suite for one surface.
type Set struct {
	Overlay schemas.Detector
	Auth    schemas.Detector
	Consent schemas.Detector
	CTA     schemas.Detector
	Submit  schemas.Detector
	Next    schemas.Detector
}

// NewSet builds every detector against the same surface.
func NewSet(surface schemas.Surface, logger *zap.Logger, opts Options) Set {
	return Set{
		Overlay: NewOverlay(surface, logger, opts),
		Auth:    NewAuth(surface, logger, opts),
		Consent: NewConsent(surface, logger, opts),
		CTA:     NewCTA(surface, logger, opts),
		Submit:  NewSubmit(surface, logger, opts),
		Next:    NewNext(surface, logger, opts),
	}
}
