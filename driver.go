package grocerycrawler

import (
	"context"
	"fmt"
	"net/http"
)

const (
	ProviderRod        = "rod"
	ProviderPlaywright = "playwright"
	ProviderHTTP       = "http"
)

// PageInfo is what a driver reports about the page it is on.
type PageInfo struct {
	Title string
	URL   string
}

// ElementScope is anything elements can be queried from: a page or an iframe.
type ElementScope interface {
	Elements(ctx context.Context, selector string) ([]PageElement, error)
}

// PageElement is a live handle to one node in the driven page.
type PageElement interface {
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	// Interactable reports visible, enabled and at least minSize px on both axes.
	Interactable(ctx context.Context, minSize float64) (bool, error)
	Click(ctx context.Context) error
	ScriptClick(ctx context.Context) error
	DispatchClick(ctx context.Context) error
}

// PageDriver hides the browser automation library behind one page.
type PageDriver interface {
	ElementScope
	Navigate(ctx context.Context, url string) error
	Info(ctx context.Context) (PageInfo, error)
	HTML(ctx context.Context) (string, error)
	Eval(ctx context.Context, js string) (interface{}, error)
	Frames(ctx context.Context) ([]ElementScope, error)
	Scroll(ctx context.Context, dy int) error
	Close() error
}

// DriverOptions is what a factory needs to start one page.
type DriverOptions struct {
	Config      BrowserConfig
	Fingerprint Fingerprint
	Proxy       *ProxyHandle
	HTTPClient  *http.Client
	Logger      Logger
}

type DriverFactory func(ctx context.Context, opts DriverOptions) (PageDriver, error)

// driverFactoryFor maps a provider name to its factory.
func driverFactoryFor(provider string) (DriverFactory, error) {
	switch provider {
	case "", ProviderRod:
		return newRodDriver, nil
	case ProviderPlaywright:
		return newPlaywrightDriver, nil
	case ProviderHTTP:
		return newHTTPDriver, nil
	default:
		return nil, fmt.Errorf("unsupported browser provider: %s", provider)
	}
}
