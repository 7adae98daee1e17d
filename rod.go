package grocerycrawler

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

type rodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	logger   Logger
}

// newRodDriver launches Chromium through rod. With stealth on, the page is
// created by go-rod/stealth and the masking script is added on top.
func newRodDriver(ctx context.Context, opts DriverOptions) (PageDriver, error) {
	cfg := opts.Config
	fp := opts.Fingerprint

	l := launcher.New().
		Context(ctx).
		Headless(cfg.Headless).
		NoSandbox(cfg.Headless).
		Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", fp.Window.Width, fp.Window.Height)).
		Set(flags.Flag("window-position"), fmt.Sprintf("%d,%d", cfg.WindowX, cfg.WindowY))
	if fp.Stealth {
		l = l.Delete(flags.Flag("enable-automation"))
		for _, f := range stealthFlags {
			if f.value == "" {
				l = l.Set(flags.Flag(f.name))
				continue
			}
			l = l.Set(flags.Flag(f.name), f.value)
		}
	}
	if opts.Proxy != nil {
		l = l.Set(flags.ProxyServer, opts.Proxy.Address())
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	if opts.Proxy != nil && opts.Proxy.Username != "" {
		go func() {
			_ = browser.HandleAuth(opts.Proxy.Username, opts.Proxy.Password)()
		}()
	}

	d := &rodDriver{launcher: l, browser: browser, logger: opts.Logger}
	if d.logger == nil {
		d.logger = discardLogger()
	}
	if err := d.openPage(fp); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *rodDriver) openPage(fp Fingerprint) error {
	var (
		page *rod.Page
		err  error
	)
	if fp.Stealth {
		page, err = stealth.Page(d.browser)
	} else {
		page, err = d.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	if fp.UserAgent != "" {
		err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      fp.UserAgent,
			AcceptLanguage: fp.AcceptLanguage(),
		})
		if err != nil {
			return fmt.Errorf("error setting user agent: %w", err)
		}
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Window.Width,
		Height:            fp.Window.Height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("error setting viewport: %w", err)
	}
	for _, script := range fp.Scripts {
		if _, err := page.EvalOnNewDocument(script); err != nil {
			return fmt.Errorf("error adding init script: %w", err)
		}
	}
	d.page = page
	return nil
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (d *rodDriver) Info(ctx context.Context) (PageInfo, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{Title: info.Title, URL: info.URL}, nil
}

func (d *rodDriver) HTML(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

// Eval runs a function expression such as "() => document.title".
func (d *rodDriver) Eval(ctx context.Context, js string) (interface{}, error) {
	res, err := d.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}

func (d *rodDriver) Elements(ctx context.Context, selector string) ([]PageElement, error) {
	return rodScope{page: d.page}.Elements(ctx, selector)
}

func (d *rodDriver) Frames(ctx context.Context) ([]ElementScope, error) {
	iframes, err := d.page.Context(ctx).Elements("iframe")
	if err != nil {
		return nil, err
	}
	var scopes []ElementScope
	for _, el := range iframes {
		frame, err := el.Context(ctx).Frame()
		if err != nil {
			d.logger.Debug("iframe not accessible: %v", err)
			continue
		}
		scopes = append(scopes, rodScope{page: frame})
	}
	return scopes, nil
}

func (d *rodDriver) Scroll(ctx context.Context, dy int) error {
	return d.page.Context(ctx).Mouse.Scroll(0, float64(dy), 4)
}

func (d *rodDriver) Close() error {
	var err error
	if d.browser != nil {
		err = d.browser.Close()
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
	return err
}

type rodScope struct {
	page *rod.Page
}

func (s rodScope) Elements(ctx context.Context, selector string) ([]PageElement, error) {
	els, err := s.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]PageElement, 0, len(els))
	for _, el := range els {
		out = append(out, rodElement{el: el})
	}
	return out, nil
}

type rodElement struct {
	el *rod.Element
}

func (e rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (e rodElement) Interactable(ctx context.Context, minSize float64) (bool, error) {
	el := e.el.Context(ctx)
	visible, err := el.Visible()
	if err != nil || !visible {
		return false, err
	}
	res, err := el.Eval(`() => !this.disabled`)
	if err != nil {
		return false, err
	}
	if !res.Value.Bool() {
		return false, nil
	}
	shape, err := el.Shape()
	if err != nil {
		return false, err
	}
	box := shape.Box()
	return box != nil && box.Width > minSize && box.Height > minSize, nil
}

func (e rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e rodElement) ScriptClick(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => this.click()`)
	return err
}

func (e rodElement) DispatchClick(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => this.dispatchEvent(new MouseEvent('click', { bubbles: true, cancelable: true, view: window }))`)
	return err
}
