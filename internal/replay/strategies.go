package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// strategy is one link of a fallback chain.
type strategy struct {
	name string
	run  func(ctx context.Context) error
}

// runChain tries each strategy in order until one succeeds. A cancelled
// context stops the chain immediately.
func runChain(ctx context.Context, chain []strategy) (string, []string, error) {
	attempts := make([]string, 0, len(chain))
	var errs []error
	for _, s := range chain {
		attempts = append(attempts, s.name)
		err := s.run(ctx)
		if err == nil {
			return s.name, attempts, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", attempts, fmt.Errorf("all strategies exhausted: %w", errors.Join(errs...))
}

func (r *Replayer) replayNavigate(ctx context.Context, step schemas.ActionStep) (string, []string, error) {
	url := step.Value
	if url == "" {
		_, url = step.Target.Parse()
	}
	if url == "" {
		return "", nil, fmt.Errorf("navigate step %d has no url", step.Seq)
	}
	return runChain(ctx, []strategy{{
		name: "navigate",
		run: func(ctx context.Context) error {
			if err := r.surface.Navigate(ctx, url); err != nil {
				return err
			}
			if err := r.surface.AwaitNavigation(ctx, r.cfg.ActionTimeout); err != nil {
				return err
			}
			return r.sleep(ctx, r.cfg.SettleDelay)
		},
	}})
}

func (r *Replayer) replayFill(ctx context.Context, step schemas.ActionStep) (string, []string, error) {
	loc := step.Target
	if loc.Empty() {
		return "", nil, fmt.Errorf("fill step %d has no target", step.Seq)
	}
	return runChain(ctx, []strategy{
		{name: "set_value", run: func(ctx context.Context) error {
			if err := r.surface.AwaitVisible(ctx, loc, r.cfg.VisibleTimeout); err != nil {
				return err
			}
			return r.surface.SetValue(ctx, loc, step.Value)
		}},
		{name: "clear_and_type", run: func(ctx context.Context) error {
			if err := r.surface.Clear(ctx, loc); err != nil {
				return err
			}
			return r.surface.TypeText(ctx, loc, step.Value)
		}},
	})
}

func (r *Replayer) replayClick(ctx context.Context, step schemas.ActionStep) (string, []string, error) {
	loc := step.Target
	if loc.Empty() {
		return "", nil, fmt.Errorf("click step %d has no target", step.Seq)
	}
	return runChain(ctx, []strategy{{
		name: "click",
		run: func(ctx context.Context) error {
			// Some controls never report visible (styled inputs, zero-size
			// labels) yet accept clicks, so a failed wait is only logged.
			if err := r.surface.AwaitVisible(ctx, loc, r.cfg.VisibleTimeout); err != nil {
				r.logger.Debug("Click target not visible, clicking anyway.", zap.String("target", string(loc)), zap.Error(err))
			}
			return r.surface.Click(ctx, loc)
		},
	}})
}

func (r *Replayer) replayUpload(ctx context.Context, step schemas.ActionStep) (string, []string, error) {
	if step.Target.Empty() || step.Value == "" {
		return "", nil, fmt.Errorf("upload step %d needs a target and a file path", step.Seq)
	}
	return runChain(ctx, []strategy{{
		name: "attach_file",
		run: func(ctx context.Context) error {
			return r.surface.UploadFile(ctx, step.Target, step.Value)
		},
	}})
}

func (r *Replayer) replayWait(ctx context.Context, step schemas.ActionStep) (string, []string, error) {
	d := parseWait(step.Value, r.cfg.MinWait)
	return runChain(ctx, []strategy{{
		name: "sleep",
		run:  func(ctx context.Context) error { return r.sleep(ctx, d) },
	}})
}

// parseWait reads a Go duration or a bare millisecond count. Anything else
// falls back to def.
func parseWait(v string, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return def
}

// replaySelect tries native selection first, then treats the control as a
// custom dropdown.
func (r *Replayer) replaySelect(ctx context.Context, step schemas.ActionStep) (string, []string, error) {
	loc := step.Target
	if loc.Empty() {
		return "", nil, fmt.Errorf("select step %d has no target", step.Seq)
	}
	value := step.Value
	text := value
	if t, ok := step.Metadata["option_text"].(string); ok && t != "" {
		text = t
	}

	var inner string
	name, attempts, err := runChain(ctx, []strategy{
		{name: "native_value", run: func(ctx context.Context) error {
			return r.surface.SelectByValue(ctx, loc, value)
		}},
		{name: "native_text", run: func(ctx context.Context) error {
			return r.surface.SelectByText(ctx, loc, text)
		}},
		{name: "custom_dropdown", run: func(ctx context.Context) error {
			var err error
			inner, err = r.selectCustom(ctx, loc, value, text)
			return err
		}},
	})
	if inner != "" {
		name = name + "/" + inner
	}
	return name, attempts, err
}

// selectCustom opens the control and scans for a matching option. When
// nothing matches, the dropdown is dismissed before reporting failure.
func (r *Replayer) selectCustom(ctx context.Context, control schemas.Locator, value, text string) (string, error) {
	if err := r.surface.Click(ctx, control); err != nil {
		return "", fmt.Errorf("open dropdown: %w", err)
	}
	_ = r.sleep(ctx, r.cfg.DropdownDelay)

	attr := schemas.ByCSS(fmt.Sprintf(`[data-value=%s], [role="option"][value=%s]`, cssString(value), cssString(value)))
	chain := []strategy{
		{name: "attribute_match", run: func(ctx context.Context) error {
			return r.clickIfExists(ctx, attr)
		}},
		{name: "text_match", run: func(ctx context.Context) error {
			return r.clickIfExists(ctx, schemas.ByText(text))
		}},
		{name: "role_option_scan", run: func(ctx context.Context) error {
			return r.scanAndClick(ctx, schemas.ByCSS(`[role="option"]`), text)
		}},
		{name: "class_option_scan", run: func(ctx context.Context) error {
			return r.scanAndClick(ctx, schemas.ByCSS(`[class*="option"]`), text)
		}},
	}
	name, _, err := runChain(ctx, chain)
	if err != nil {
		if kerr := r.surface.PressKey(ctx, "Escape"); kerr != nil {
			r.logger.Debug("Failed to dismiss dropdown.", zap.Error(kerr))
		}
		return "", fmt.Errorf("no option matched %q: %w", text, err)
	}
	return name, nil
}

func (r *Replayer) clickIfExists(ctx context.Context, loc schemas.Locator) error {
	ok, err := r.surface.Exists(ctx, loc)
	if err != nil {
		return err
	}
	if !ok {
		return schemas.ErrElementNotFound
	}
	return r.surface.Click(ctx, loc)
}

// scanAndClick clicks the first of at most ScanLimit candidates whose text
// contains want, ignoring case.
func (r *Replayer) scanAndClick(ctx context.Context, candidates schemas.Locator, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return fmt.Errorf("empty option text")
	}
	texts, err := r.surface.TextsOf(ctx, candidates, r.cfg.ScanLimit)
	if err != nil {
		return err
	}
	for i, t := range texts {
		if i >= r.cfg.ScanLimit {
			break
		}
		if strings.Contains(strings.ToLower(t), want) {
			return r.surface.ClickNth(ctx, candidates, i)
		}
	}
	return schemas.ErrElementNotFound
}

func cssString(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
