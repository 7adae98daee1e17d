package grocerycrawler

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

type playwrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	timeout float64
	logger  Logger
}

// startPlaywright runs the driver, installing browsers on first use.
func startPlaywright(logger Logger) (*playwright.Playwright, error) {
	pw, err := playwright.Run()
	if err == nil {
		return pw, nil
	}
	logger.Info("Installing Playwright browsers: %v", err)
	if err := playwright.Install(); err != nil {
		return nil, err
	}
	return playwright.Run()
}

func newPlaywrightDriver(ctx context.Context, opts DriverOptions) (PageDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	cfg := opts.Config
	fp := opts.Fingerprint

	pw, err := startPlaywright(logger)
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}
	d := &playwrightDriver{pw: pw, timeout: float64(cfg.PageLoadTimeout.Milliseconds()), logger: logger}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args: append(fp.LaunchArgs(),
			fmt.Sprintf("--window-size=%d,%d", fp.Window.Width, fp.Window.Height),
			fmt.Sprintf("--window-position=%d,%d", cfg.WindowX, cfg.WindowY),
		),
	}
	if fp.Stealth {
		launch.IgnoreDefaultArgs = []string{"--enable-automation"}
	}
	if opts.Proxy != nil {
		launch.Proxy = &playwright.Proxy{
			Server:   opts.Proxy.Address(),
			Username: playwright.String(opts.Proxy.Username),
			Password: playwright.String(opts.Proxy.Password),
		}
	}
	d.browser, err = pw.Chromium.Launch(launch)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: fp.Window.Width, Height: fp.Window.Height},
	}
	if fp.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(fp.UserAgent)
	}
	if len(fp.Languages) > 0 {
		contextOpts.Locale = playwright.String(fp.Languages[0])
	}
	d.context, err = d.browser.NewContext(contextOpts)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("could not create new browser context: %w", err)
	}
	for _, script := range fp.Scripts {
		if err := d.context.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("failed to add init script: %w", err)
		}
	}
	d.page, err = d.context.NewPage()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return d, nil
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}
	if d.timeout > 0 {
		opts.Timeout = playwright.Float(d.timeout)
	}
	res, err := d.page.Goto(url, opts)
	if err != nil {
		return err
	}
	if res != nil && !res.Ok() {
		return fmt.Errorf("failed to load page: %d %s", res.Status(), res.StatusText())
	}
	return nil
}

func (d *playwrightDriver) Info(context.Context) (PageInfo, error) {
	title, err := d.page.Title()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{Title: title, URL: d.page.URL()}, nil
}

func (d *playwrightDriver) HTML(context.Context) (string, error) {
	return d.page.Content()
}

func (d *playwrightDriver) Eval(_ context.Context, js string) (interface{}, error) {
	return d.page.Evaluate(js)
}

func (d *playwrightDriver) Elements(ctx context.Context, selector string) ([]PageElement, error) {
	return playwrightScope{frame: d.page.MainFrame()}.Elements(ctx, selector)
}

func (d *playwrightDriver) Frames(context.Context) ([]ElementScope, error) {
	main := d.page.MainFrame()
	var scopes []ElementScope
	for _, f := range d.page.Frames() {
		if f == main {
			continue
		}
		scopes = append(scopes, playwrightScope{frame: f})
	}
	return scopes, nil
}

func (d *playwrightDriver) Scroll(_ context.Context, dy int) error {
	return d.page.Mouse().Wheel(0, float64(dy))
}

func (d *playwrightDriver) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.context != nil {
		keep(d.context.Close())
	}
	if d.browser != nil {
		keep(d.browser.Close())
	}
	if d.pw != nil {
		keep(d.pw.Stop())
	}
	return firstErr
}

type playwrightScope struct {
	frame playwright.Frame
}

func (s playwrightScope) Elements(ctx context.Context, selector string) ([]PageElement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handles, err := s.frame.QuerySelectorAll(selector)
	if err != nil {
		return nil, err
	}
	out := make([]PageElement, 0, len(handles))
	for _, h := range handles {
		out = append(out, playwrightElement{h: h})
	}
	return out, nil
}

type playwrightElement struct {
	h playwright.ElementHandle
}

func (e playwrightElement) Text(context.Context) (string, error) {
	return e.h.InnerText()
}

func (e playwrightElement) Attribute(_ context.Context, name string) (string, bool, error) {
	v, err := e.h.GetAttribute(name)
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (e playwrightElement) Interactable(_ context.Context, minSize float64) (bool, error) {
	visible, err := e.h.IsVisible()
	if err != nil || !visible {
		return false, err
	}
	enabled, err := e.h.IsEnabled()
	if err != nil || !enabled {
		return false, err
	}
	box, err := e.h.BoundingBox()
	if err != nil || box == nil {
		return false, err
	}
	return box.Width > minSize && box.Height > minSize, nil
}

func (e playwrightElement) Click(context.Context) error {
	return e.h.Click(playwright.ElementHandleClickOptions{Timeout: playwright.Float(5000)})
}

func (e playwrightElement) ScriptClick(context.Context) error {
	_, err := e.h.Evaluate(`el => el.click()`)
	return err
}

func (e playwrightElement) DispatchClick(context.Context) error {
	return e.h.DispatchEvent("click")
}
