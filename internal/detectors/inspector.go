package detectors

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/dom"
)

// Inspector summarizes the current page from its markup.
type Inspector struct {
	surface schemas.Surface
	phrases []string
	logger  *zap.Logger
}

var _ schemas.Inspector = (*Inspector)(nil)

// NewInspector builds an inspector that reports any of phrases found in the
// page text as success evidence.
func NewInspector(surface schemas.Surface, phrases []string, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &Inspector{surface: surface, phrases: lowered, logger: logger.Named("inspector")}
}

// Inspect reads markup and URL once and derives every page signal from them.
func (i *Inspector) Inspect(ctx context.Context) (*schemas.PageSignals, error) {
	doc, err := document(ctx, i.surface)
	if err != nil {
		return nil, err
	}
	current, err := i.surface.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspector: read url: %w", err)
	}
	return i.signals(doc, current), nil
}

func (i *Inspector) signals(doc *html.Node, current string) *schemas.PageSignals {
	fields := dom.Fields(doc)
	keys := make([]string, 0, len(fields)+1)
	keys = append(keys, pagePath(current))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}

	p := &schemas.PageSignals{
		URL:            current,
		Fingerprint:    dom.Fingerprint(keys...),
		FieldCount:     len(fields),
		HasSubmit:      matchSubmit(doc) != nil,
		HasNext:        matchNext(doc) != nil,
		VisibleHeading: Heading(doc),
	}
	p.FrameCount = len(dom.Find(doc, func(n *html.Node) bool {
		return (dom.Tag(n) == "iframe" || dom.Tag(n) == "frame") && !dom.Hidden(n)
	}))

	// A page still asking for input is not a confirmation page.
	text := ""
	if len(fields) == 0 {
		text = strings.ToLower(dom.Content(doc))
	}
	for _, phrase := range i.phrases {
		if text != "" && strings.Contains(text, phrase) {
			p.SuccessText = phrase
			break
		}
	}
	i.logger.Debug("Page inspected.",
		zap.String("url", current),
		zap.String("fingerprint", p.Fingerprint),
		zap.Int("fields", p.FieldCount),
		zap.Bool("submit", p.HasSubmit),
		zap.Bool("next", p.HasNext))
	return p
}

// pagePath drops query and fragment so tracking parameters do not split one
// form page into many.
func pagePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host + u.Path
}
