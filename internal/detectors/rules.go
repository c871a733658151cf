package detectors

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/dom"
)

// maxControlLabel is the longest label still treated as a button caption.
const maxControlLabel = 48

var (
	overlayHints = []string{"modal", "popup", "pop-up", "overlay", "lightbox", "interstitial", "newsletter", "subscribe"}
	closeHints   = []string{"close", "dismiss", "no thanks", "no, thanks", "not now", "maybe later", "skip", "continue without"}
	closeGlyphs  = []string{"x", "×", "✕", "✖"}

	consentHints       = []string{"cookie", "consent", "gdpr", "ccpa", "onetrust", "cookiebot", "truste", "privacy-banner"}
	consentAcceptHints = []string{"accept all", "allow all", "accept cookies", "allow cookies", "accept", "i agree", "agree", "got it", "ok"}

	authPhrases = []string{
		"sign in to apply", "log in to apply", "login to apply",
		"sign in to continue", "log in to continue",
		"create an account to apply", "please sign in", "please log in",
		"you must be logged in", "login required",
	}

	ctaPhrases = []string{
		"apply now", "apply for this job", "apply for this position", "apply for this role",
		"start application", "start your application", "easy apply", "quick apply",
		"apply to job", "i'm interested", "apply",
	}
	ctaExclusions = []string{"later", "saved", "save job", "filter", "applied", "linkedin", "indeed", "google", "sign in", "log in", "similar"}

	submitPhrases  = []string{"submit application", "send application", "submit your application", "submit", "send", "finish", "complete application", "apply"}
	nextPhrases    = []string{"save and continue", "save & continue", "continue to next step", "next step", "next", "continue", "proceed"}
	nextExclusions = []string{"continue with", "continue shopping", "continue without"}
)

// NewOverlay detects a blocking modal or popup and dismisses it through its
// close control, falling back to Escape.
func NewOverlay(surface schemas.Surface, logger *zap.Logger, opts Options) schemas.Detector {
	d := newDetector("overlay", surface, logger, opts, matchOverlay)
	d.act = func(ctx context.Context, sig *schemas.Signal) (bool, error) {
		if !sig.Target.Empty() {
			return d.click(ctx, sig.Target)
		}
		if err := surface.PressKey(ctx, "Escape"); err != nil {
			return false, err
		}
		if err := surface.AwaitNavigation(ctx, d.opts.SettleTimeout); err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		again, err := d.Detect(ctx)
		if err != nil {
			return false, err
		}
		return again == nil, nil
	}
	return d
}

// NewAuth detects a login or account wall. It never acts: credentials are a
// human concern.
func NewAuth(surface schemas.Surface, logger *zap.Logger, opts Options) schemas.Detector {
	d := newDetector("auth", surface, logger, opts, matchAuth)
	d.act = func(context.Context, *schemas.Signal) (bool, error) {
		return false, ErrNotActionable
	}
	return d
}

// NewConsent detects a cookie or privacy banner and accepts it.
func NewConsent(surface schemas.Surface, logger *zap.Logger, opts Options) schemas.Detector {
	return newDetector("consent", surface, logger, opts, matchConsent)
}

// NewCTA detects the primary apply call to action.
func NewCTA(surface schemas.Surface, logger *zap.Logger, opts Options) schemas.Detector {
	return newDetector("cta", surface, logger, opts, matchCTA)
}

// NewSubmit detects the control that submits the current form.
func NewSubmit(surface schemas.Surface, logger *zap.Logger, opts Options) schemas.Detector {
	return newDetector("submit", surface, logger, opts, matchSubmit)
}

// NewNext detects the control that advances a multi-step form.
func NewNext(surface schemas.Surface, logger *zap.Logger, opts Options) schemas.Detector {
	return newDetector("next", surface, logger, opts, matchNext)
}

func matchOverlay(doc *html.Node) *schemas.Signal {
	for _, box := range dom.Find(doc, isOverlay) {
		if dom.Hidden(box) || isConsent(box) || len(dom.Fields(box)) > 0 {
			continue
		}
		sig := &schemas.Signal{Text: dom.Text(box), Metadata: map[string]interface{}{"container": dom.UniqueXPath(box)}}
		if btn := closeControl(box); btn != nil {
			sig.Target = dom.Locator(btn)
		}
		return sig
	}
	return nil
}

func isOverlay(n *html.Node) bool {
	role := strings.ToLower(dom.Attr(n, "role"))
	switch {
	case role == "dialog" || role == "alertdialog":
		return true
	case strings.EqualFold(dom.Attr(n, "aria-modal"), "true"):
		return true
	case dom.Tag(n) == "dialog" && dom.HasAttr(n, "open"):
		return true
	}
	switch dom.Tag(n) {
	case "html", "body", "main", "form":
		// body.modal-open and friends mark the page, not the popup.
		return false
	}
	if dom.Interactive(n) {
		return false
	}
	return dom.ContainsAny(dom.Attr(n, "id")+" "+dom.Attr(n, "class"), overlayHints...)
}

func closeControl(box *html.Node) *html.Node {
	for _, btn := range dom.Clickable(box) {
		label := strings.ToLower(dom.Label(btn))
		for _, g := range closeGlyphs {
			if label == g {
				return btn
			}
		}
		if dom.ContainsAny(label, closeHints...) || dom.ContainsAny(dom.Descriptor(btn), "close", "dismiss") {
			return btn
		}
	}
	return nil
}

func isConsent(n *html.Node) bool {
	return dom.ContainsAny(dom.Descriptor(n), consentHints...)
}

func matchConsent(doc *html.Node) *schemas.Signal {
	banners := dom.Find(doc, func(n *html.Node) bool { return !dom.Interactive(n) && isConsent(n) })
	for _, banner := range banners {
		if dom.Hidden(banner) {
			continue
		}
		if btn := bestByPhrase(dom.Clickable(banner), consentAcceptHints, nil); btn != nil {
			return &schemas.Signal{Target: dom.Locator(btn), Text: dom.Label(btn)}
		}
	}
	return nil
}

func matchAuth(doc *html.Node) *schemas.Signal {
	body := dom.Content(doc)
	for _, p := range authPhrases {
		if dom.ContainsAny(body, p) {
			return &schemas.Signal{Text: headingOr(doc, p), Metadata: map[string]interface{}{"phrase": p}}
		}
	}
	pw := dom.First(doc, func(n *html.Node) bool {
		return dom.Tag(n) == "input" && strings.EqualFold(dom.Attr(n, "type"), "password") && !dom.Hidden(n)
	})
	if pw != nil {
		return &schemas.Signal{Target: dom.Locator(pw), Text: headingOr(doc, "password required"), Metadata: map[string]interface{}{"phrase": "password field"}}
	}
	return nil
}

func headingOr(doc *html.Node, fallback string) string {
	if h := Heading(doc); h != "" {
		return h
	}
	return fallback
}

func matchCTA(doc *html.Node) *schemas.Signal {
	candidates := make([]*html.Node, 0)
	for _, n := range dom.Clickable(doc) {
		if dom.Tag(n) == "input" && strings.EqualFold(dom.Attr(n, "type"), "submit") {
			continue
		}
		if form := enclosingForm(n); form != nil && len(dom.Fields(form)) > 0 {
			continue
		}
		candidates = append(candidates, n)
	}
	if btn := bestByPhrase(candidates, ctaPhrases, ctaExclusions); btn != nil {
		return &schemas.Signal{Target: dom.Locator(btn), Text: dom.Label(btn)}
	}
	return nil
}

func matchSubmit(doc *html.Node) *schemas.Signal {
	var typed, labelled []*html.Node
	for _, n := range dom.Clickable(doc) {
		label := strings.ToLower(dom.Label(n))
		if isNextLabel(label) {
			continue
		}
		t := strings.ToLower(dom.Attr(n, "type"))
		switch {
		case t == "submit":
			typed = append(typed, n)
		case dom.Tag(n) == "button" && t == "" && enclosingForm(n) != nil:
			typed = append(typed, n)
		default:
			labelled = append(labelled, n)
		}
	}
	if btn := bestByPhrase(typed, submitPhrases, nil); btn != nil {
		return &schemas.Signal{Target: dom.Locator(btn), Text: dom.Label(btn)}
	}
	if len(typed) > 0 {
		return &schemas.Signal{Target: dom.Locator(typed[0]), Text: dom.Label(typed[0])}
	}
	if btn := bestByPhrase(labelled, submitPhrases[:4], nil); btn != nil {
		return &schemas.Signal{Target: dom.Locator(btn), Text: dom.Label(btn)}
	}
	return nil
}

func matchNext(doc *html.Node) *schemas.Signal {
	if btn := bestByPhrase(dom.Clickable(doc), nextPhrases, nextExclusions); btn != nil {
		return &schemas.Signal{Target: dom.Locator(btn), Text: dom.Label(btn)}
	}
	return nil
}

func isNextLabel(label string) bool {
	for _, p := range nextPhrases {
		if label == p || strings.HasPrefix(label, p+" ") {
			return !dom.ContainsAny(label, nextExclusions...)
		}
	}
	return false
}

// bestByPhrase returns the control whose label matches the earliest phrase.
// An exact label match beats a containing one at the same rank.
func bestByPhrase(nodes []*html.Node, phrases, exclusions []string) *html.Node {
	var best *html.Node
	bestScore := -1
	for _, n := range nodes {
		label := strings.ToLower(dom.Label(n))
		if label == "" || len([]rune(label)) > maxControlLabel {
			continue
		}
		if dom.ContainsAny(label, exclusions...) {
			continue
		}
		for rank, p := range phrases {
			score := 0
			switch {
			case label == p:
				score = (len(phrases)-rank)*2 + 1
			case containsWord(label, p):
				score = (len(phrases) - rank) * 2
			default:
				continue
			}
			if score > bestScore {
				best, bestScore = n, score
			}
			break
		}
	}
	return best
}

// containsWord matches p on word boundaries, so "ok" does not match "book".
func containsWord(s, p string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], p)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(p)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func enclosingForm(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if dom.Tag(p) == "form" {
			return p
		}
	}
	return nil
}

// Heading returns the first visible h1, then h2, then the document title.
func Heading(doc *html.Node) string {
	for _, tag := range []string{"h1", "h2"} {
		for _, h := range dom.Find(doc, func(n *html.Node) bool { return dom.Tag(n) == tag }) {
			if !dom.Hidden(h) {
				if t := dom.Text(h); t != "" {
					return t
				}
			}
		}
	}
	if t := dom.First(doc, func(n *html.Node) bool { return dom.Tag(n) == "title" }); t != nil {
		return dom.Text(t)
	}
	return ""
}
