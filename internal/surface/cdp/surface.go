package cdp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/config"
	"github.com/xkilldash9x/applypilot/internal/ctxutil"
)

const (
	defaultNavigationTimeout = 90 * time.Second
	defaultActionTimeout     = 15 * time.Second
	perKeyDelay              = 40 * time.Millisecond
)

// ErrClosed is returned by operations on a closed surface.
var ErrClosed = errors.New("surface: closed")

// Surface is one browser tab implementing schemas.Surface.
type Surface struct {
	ctx     context.Context
	cancel  context.CancelFunc
	net     config.NetworkConfig
	logger  *zap.Logger
	onClose func()

	mu     sync.Mutex
	frames []*cdp.Node
	closed bool
}

var _ schemas.Surface = (*Surface)(nil)

func newSurface(ctx context.Context, cancel context.CancelFunc, net config.NetworkConfig, logger *zap.Logger) *Surface {
	if net.NavigationTimeout <= 0 {
		net.NavigationTimeout = defaultNavigationTimeout
	}
	if net.ActionTimeout <= 0 {
		net.ActionTimeout = defaultActionTimeout
	}
	return &Surface{
		ctx:    ctx,
		cancel: cancel,
		net:    net,
		logger: logger.Named("surface"),
	}
}

// run executes actions in the tab context, bounded by both ctx and d. A
// zero d leaves only the caller's deadline.
func (s *Surface) run(ctx context.Context, d time.Duration, actions ...chromedp.Action) error {
	if s.isClosed() {
		return ErrClosed
	}
	bounded, cancelBound := ctx, context.CancelFunc(func() {})
	if d > 0 {
		bounded, cancelBound = context.WithTimeout(ctx, d)
	}
	defer cancelBound()

	runCtx, cancel := ctxutil.CombineContext(s.ctx, bounded)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(bounded.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", schemas.ErrSurfaceTimeout, err)
	case s.ctx.Err() != nil:
		return ErrClosed
	}
	return err
}

func (s *Surface) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Surface) frame() *cdp.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *Surface) resetFrames() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

// scoped appends the current frame to opts.
func (s *Surface) scoped(opts ...chromedp.QueryOption) []chromedp.QueryOption {
	if f := s.frame(); f != nil {
		opts = append(opts, chromedp.FromNode(f))
	}
	return opts
}

func (s *Surface) selector(loc schemas.Locator) (string, chromedp.QueryOption, error) {
	if loc.Empty() {
		return "", nil, fmt.Errorf("surface: empty locator %q", loc)
	}
	q, typ := loc.Query()
	if typ == schemas.QueryXPath {
		return q, chromedp.BySearch, nil
	}
	return q, chromedp.ByQueryAll, nil
}

// nodes returns every match for loc without waiting for one to appear.
func (s *Surface) nodes(ctx context.Context, loc schemas.Locator) ([]*cdp.Node, error) {
	q, by, err := s.selector(loc)
	if err != nil {
		return nil, err
	}
	var nodes []*cdp.Node
	if err := s.run(ctx, s.net.ActionTimeout, chromedp.Nodes(q, &nodes, s.scoped(by, chromedp.AtLeast(0))...)); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *Surface) node(ctx context.Context, loc schemas.Locator, index int) (*cdp.Node, error) {
	nodes, err := s.nodes(ctx, loc)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(nodes) {
		return nil, fmt.Errorf("%w: %s (index %d of %d)", schemas.ErrElementNotFound, loc, index, len(nodes))
	}
	return nodes[index], nil
}

// callOn invokes fn with the node bound to this.
func (s *Surface) callOn(ctx context.Context, n *cdp.Node, fn string, res interface{}, args ...interface{}) error {
	return s.run(ctx, s.net.ActionTimeout, chromedp.ActionFunc(func(c context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(n.NodeID).Do(c)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(c) }()
		return chromedp.CallFunctionOn(fn, res, func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return p.WithObjectID(obj.ObjectID)
		}, args...).Do(c)
	}))
}

// settle waits for the body and then the configured post load quiet time.
func (s *Surface) settle(ctx context.Context, timeout time.Duration) error {
	if err := s.run(ctx, timeout, chromedp.WaitReady("body", s.scoped(chromedp.ByQuery)...)); err != nil {
		return err
	}
	if s.net.PostLoadWait <= 0 {
		return nil
	}
	t := time.NewTimer(s.net.PostLoadWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Surface) Navigate(ctx context.Context, url string) error {
	s.resetFrames()
	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := s.run(ctx, s.net.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return s.settle(ctx, s.net.NavigationTimeout)
}

func (s *Surface) AwaitNavigation(ctx context.Context, timeout time.Duration) error {
	return s.settle(ctx, timeout)
}

func (s *Surface) AwaitVisible(ctx context.Context, loc schemas.Locator, timeout time.Duration) error {
	q, by, err := s.selector(loc)
	if err != nil {
		return err
	}
	return s.run(ctx, timeout, chromedp.WaitVisible(q, s.scoped(by)...))
}

func (s *Surface) Exists(ctx context.Context, loc schemas.Locator) (bool, error) {
	nodes, err := s.nodes(ctx, loc)
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (s *Surface) Click(ctx context.Context, loc schemas.Locator) error {
	return s.ClickNth(ctx, loc, 0)
}

func (s *Surface) ClickNth(ctx context.Context, loc schemas.Locator, index int) error {
	n, err := s.node(ctx, loc, index)
	if err != nil {
		return err
	}
	err = s.run(ctx, s.net.ActionTimeout, chromedp.MouseClickNode(n))
	if err == nil || ctx.Err() != nil {
		return err
	}
	// Zero-size and covered controls still accept a synthetic click.
	var clicked bool
	if jsErr := s.callOn(ctx, n, jsClick, &clicked); jsErr != nil || !clicked {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	s.logger.Debug("Used synthetic click.", zap.String("locator", loc.String()), zap.Error(err))
	return nil
}

func (s *Surface) SetValue(ctx context.Context, loc schemas.Locator, value string) error {
	n, err := s.node(ctx, loc, 0)
	if err != nil {
		return err
	}
	var got string
	if err := s.callOn(ctx, n, jsSetValue, &got, value); err != nil {
		return fmt.Errorf("set value on %s: %w", loc, err)
	}
	if got != value {
		return fmt.Errorf("set value on %s: element holds %q", loc, got)
	}
	return nil
}

func (s *Surface) Clear(ctx context.Context, loc schemas.Locator) error {
	return s.SetValue(ctx, loc, "")
}

func (s *Surface) TypeText(ctx context.Context, loc schemas.Locator, text string) error {
	n, err := s.node(ctx, loc, 0)
	if err != nil {
		return err
	}
	budget := s.net.ActionTimeout + time.Duration(len(text))*perKeyDelay
	ids := []cdp.NodeID{n.NodeID}
	return s.run(ctx, budget,
		chromedp.Focus(ids, chromedp.ByNodeID),
		chromedp.SendKeys(ids, text, chromedp.ByNodeID),
	)
}

func (s *Surface) SelectByValue(ctx context.Context, loc schemas.Locator, value string) error {
	return s.selectOption(ctx, loc, value, false)
}

func (s *Surface) SelectByText(ctx context.Context, loc schemas.Locator, text string) error {
	return s.selectOption(ctx, loc, text, true)
}

func (s *Surface) selectOption(ctx context.Context, loc schemas.Locator, want string, byText bool) error {
	n, err := s.node(ctx, loc, 0)
	if err != nil {
		return err
	}
	var ok bool
	if err := s.callOn(ctx, n, jsSelect, &ok, want, byText); err != nil {
		return fmt.Errorf("select on %s: %w", loc, err)
	}
	if !ok {
		return fmt.Errorf("%w: no option %q in %s", schemas.ErrElementNotFound, want, loc)
	}
	return nil
}

func (s *Surface) UploadFile(ctx context.Context, loc schemas.Locator, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	n, err := s.node(ctx, loc, 0)
	if err != nil {
		return err
	}
	return s.run(ctx, s.net.ActionTimeout, chromedp.SetUploadFiles([]cdp.NodeID{n.NodeID}, []string{abs}, chromedp.ByNodeID))
}

var namedKeys = map[string]string{
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowdown":  kb.ArrowDown,
	"arrowup":    kb.ArrowUp,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pagedown":   kb.PageDown,
	"pageup":     kb.PageUp,
}

func keySequence(key string) string {
	if k, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return k
	}
	return key
}

func (s *Surface) PressKey(ctx context.Context, key string) error {
	return s.run(ctx, s.net.ActionTimeout, chromedp.KeyEvent(keySequence(key)))
}

func (s *Surface) TextsOf(ctx context.Context, loc schemas.Locator, limit int) ([]string, error) {
	nodes, err := s.nodes(ctx, loc)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	texts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		var text string
		if err := s.callOn(ctx, n, jsText, &text); err != nil {
			return texts, err
		}
		texts = append(texts, text)
	}
	return texts, nil
}

// Markup serializes the current document with live form state and computed
// visibility written back into attributes.
func (s *Surface) Markup(ctx context.Context) (string, error) {
	var out string
	f := s.frame()
	if f == nil {
		if err := s.run(ctx, s.net.ActionTimeout, chromedp.Evaluate("("+jsSerialize+")(document)", &out)); err != nil {
			return "", fmt.Errorf("read markup: %w", err)
		}
		return out, nil
	}

	if err := s.callOn(ctx, f, "function() { return ("+jsSerialize+")(this.contentDocument); }", &out); err != nil {
		return "", fmt.Errorf("read frame markup: %w", err)
	}
	if out != "" {
		return out, nil
	}
	// Cross-origin frames hide contentDocument from script.
	if err := s.run(ctx, s.net.ActionTimeout, chromedp.OuterHTML("html", &out, chromedp.ByQuery, chromedp.FromNode(f))); err != nil {
		return "", fmt.Errorf("read frame markup: %w", err)
	}
	return out, nil
}

func (s *Surface) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, s.net.ActionTimeout, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (s *Surface) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, s.net.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (s *Surface) EnterFrame(ctx context.Context, loc schemas.Locator) error {
	n, err := s.node(ctx, loc, 0)
	if err != nil {
		return err
	}
	if name := strings.ToLower(n.NodeName); name != "iframe" && name != "frame" {
		return fmt.Errorf("enter frame: %s matched <%s>", loc, name)
	}
	s.mu.Lock()
	s.frames = append(s.frames, n)
	depth := len(s.frames)
	s.mu.Unlock()
	s.logger.Debug("Entered frame.", zap.String("locator", loc.String()), zap.Int("depth", depth))
	return nil
}

func (s *Surface) ExitFrame(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
	return nil
}

// Close releases the tab. It is safe to call more than once.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.frames = nil
	s.mu.Unlock()

	s.cancel()
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
