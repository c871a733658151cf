package cdp

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Capture records the URL, cookies, web storage, markup and a screenshot of
// the tab. Markup and screenshot are best effort.
func (s *Surface) Capture(ctx context.Context) (*schemas.SurfaceSnapshot, error) {
	snap := &schemas.SurfaceSnapshot{
		CapturedAt:     time.Now().UTC(),
		LocalStorage:   map[string]string{},
		SessionStorage: map[string]string{},
	}

	var cookies []*network.Cookie
	err := s.run(ctx, s.net.ActionTimeout,
		chromedp.Location(&snap.URL),
		chromedp.ActionFunc(func(c context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(c)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("capture surface state: %w", err)
	}
	snap.Cookies = cookiesFromCDP(cookies)

	if err := s.run(ctx, s.net.ActionTimeout,
		chromedp.Evaluate(readStorageScript("localStorage"), &snap.LocalStorage),
		chromedp.Evaluate(readStorageScript("sessionStorage"), &snap.SessionStorage),
	); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Could not capture local/session storage.", zap.Error(err))
	}

	if snap.Markup, err = s.Markup(ctx); err != nil {
		s.logger.Warn("Could not capture markup for snapshot.", zap.Error(err))
	}
	if snap.Screenshot, err = s.Screenshot(ctx); err != nil {
		s.logger.Warn("Could not capture screenshot for snapshot.", zap.Error(err))
	}
	return snap, ctx.Err()
}

// Restore installs the snapshot's cookies, loads its URL, writes web storage
// and reloads so the page reads the restored state.
func (s *Surface) Restore(ctx context.Context, snap *schemas.SurfaceSnapshot) error {
	if snap == nil {
		return fmt.Errorf("restore: nil snapshot")
	}
	s.resetFrames()

	if params := cookiesToCDP(snap.Cookies); len(params) > 0 {
		if err := s.run(ctx, s.net.ActionTimeout, network.SetCookies(params)); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}
	if snap.URL == "" {
		return nil
	}
	if err := s.Navigate(ctx, snap.URL); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if len(snap.LocalStorage) == 0 && len(snap.SessionStorage) == 0 {
		return nil
	}

	script, err := writeStorageScript(snap.LocalStorage, snap.SessionStorage)
	if err != nil {
		return fmt.Errorf("restore storage: %w", err)
	}
	var written int
	if err := s.run(ctx, s.net.ActionTimeout, chromedp.Evaluate(script, &written)); err != nil {
		return fmt.Errorf("restore storage: %w", err)
	}
	s.logger.Debug("Restored web storage.", zap.Int("items", written))

	if err := s.run(ctx, s.net.NavigationTimeout, chromedp.Reload()); err != nil {
		return fmt.Errorf("restore reload: %w", err)
	}
	return s.settle(ctx, s.net.NavigationTimeout)
}

func cookiesFromCDP(in []*network.Cookie) []*schemas.Cookie {
	out := make([]*schemas.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, &schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: schemas.CookieSameSite(c.SameSite),
		})
	}
	return out
}

func cookiesToCDP(in []*schemas.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(in))
	for _, c := range in {
		if c == nil || c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if !c.Session && c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			p.Expires = &exp
		}
		out = append(out, p)
	}
	return out
}

func readStorageScript(storage string) string {
	return fmt.Sprintf(`(function() {
	const items = {};
	try {
		const s = window.%s;
		if (s) {
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				if (k) { items[k] = s.getItem(k); }
			}
		}
	} catch (e) {}
	return items;
})()`, storage)
}

func writeStorageScript(local, session map[string]string) (string, error) {
	l, err := json.Marshal(nonNil(local))
	if err != nil {
		return "", err
	}
	ss, err := json.Marshal(nonNil(session))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function(local, session) {
	let n = 0;
	const put = function(s, items) {
		try {
			Object.keys(items).forEach(function(k) { s.setItem(k, items[k]); n++; });
		} catch (e) {}
	};
	put(window.localStorage, local);
	put(window.sessionStorage, session);
	return n;
})(%s, %s)`, l, ss), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
