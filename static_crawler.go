package grocerycrawler

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// httpDriver fetches pages without a browser. Scripts never run, so clicks
// only work on elements that carry an href.
type httpDriver struct {
	client  *http.Client
	fp      Fingerprint
	current string
	html    string
	doc     *goquery.Document
	logger  Logger
}

func newHTTPDriver(_ context.Context, opts DriverOptions) (PageDriver, error) {
	client := opts.HTTPClient
	if client == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   60 * time.Second,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 60 * time.Second,
		}
		if opts.Proxy != nil {
			transport.Proxy = http.ProxyURL(opts.Proxy.URL())
		}
		client = &http.Client{Timeout: opts.Config.PageLoadTimeout, Transport: transport}
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &httpDriver{client: client, fp: opts.Fingerprint, logger: logger}, nil
}

func (d *httpDriver) Navigate(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if d.fp.UserAgent != "" {
		req.Header.Set("User-Agent", d.fp.UserAgent)
	}
	if lang := d.fp.AcceptLanguage(); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
	if d.current != "" {
		req.Header.Set("Referer", d.current)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to create reader with correct encoding: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", rawURL, err)
	}

	d.current = rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		d.current = resp.Request.URL.String()
	}
	d.html = string(body)
	d.doc = doc
	return nil
}

func (d *httpDriver) Info(context.Context) (PageInfo, error) {
	info := PageInfo{URL: d.current}
	if d.doc != nil {
		info.Title = strings.TrimSpace(d.doc.Find("title").First().Text())
	}
	return info, nil
}

func (d *httpDriver) HTML(context.Context) (string, error) {
	return d.html, nil
}

func (d *httpDriver) Eval(context.Context, string) (interface{}, error) {
	return nil, ErrScriptsUnsupported
}

func (d *httpDriver) Elements(_ context.Context, selector string) ([]PageElement, error) {
	if d.doc == nil {
		return nil, nil
	}
	var out []PageElement
	d.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, &httpElement{driver: d, sel: sel})
	})
	return out, nil
}

func (d *httpDriver) Frames(context.Context) ([]ElementScope, error) {
	return nil, nil
}

func (d *httpDriver) Scroll(context.Context, int) error {
	return nil
}

func (d *httpDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

type httpElement struct {
	driver *httpDriver
	sel    *goquery.Selection
}

func (e *httpElement) Text(context.Context) (string, error) {
	return collapseSpace(e.sel.Text()), nil
}

func (e *httpElement) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.sel.Attr(name)
	return v, ok, nil
}

// Interactable approximates visibility from markup; there is no layout to measure.
func (e *httpElement) Interactable(context.Context, float64) (bool, error) {
	if _, hidden := e.sel.Attr("hidden"); hidden {
		return false, nil
	}
	if _, disabled := e.sel.Attr("disabled"); disabled {
		return false, nil
	}
	style := strings.ReplaceAll(strings.ToLower(e.sel.AttrOr("style", "")), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return false, nil
	}
	return true, nil
}

// Click follows the element's href, the only behavior a static page has.
func (e *httpElement) Click(ctx context.Context) error {
	href := absoluteURL(e.driver.current, e.sel.AttrOr("href", ""))
	if href == "" {
		return ErrScriptsUnsupported
	}
	return e.driver.Navigate(ctx, href)
}

func (e *httpElement) ScriptClick(context.Context) error {
	return ErrScriptsUnsupported
}

func (e *httpElement) DispatchClick(context.Context) error {
	return ErrScriptsUnsupported
}
