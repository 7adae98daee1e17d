package grocerycrawler

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

type BrowserConfig struct {
	Provider             string
	Headless             bool
	WindowWidth          int
	WindowHeight         int
	WindowX              int
	WindowY              int
	UserAgent            string
	Stealth              bool
	PageLoadTimeout      time.Duration
	ImplicitWait         time.Duration
	NavigationsPerMinute int
	SettleMin            time.Duration
	SettleMax            time.Duration
}

func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Provider:             ProviderRod,
		Headless:             true,
		Stealth:              true,
		PageLoadTimeout:      30 * time.Second,
		ImplicitWait:         10 * time.Second,
		NavigationsPerMinute: 20,
		SettleMin:            time.Second,
		SettleMax:            3 * time.Second,
	}
}

// PageState is the cheap "did this look like a real page" summary of a navigation.
type PageState struct {
	Title          string
	CurrentURL     string
	RequestedURL   string
	BodyTextLength int
	BodyText       string `json:"-"`
}

// Redirected reports whether the browser ended up somewhere other than requested.
func (p PageState) Redirected() bool {
	return normalizeURL(p.RequestedURL) != normalizeURL(p.CurrentURL)
}

// LooksReal reports a loaded page with at least minText characters of body text.
func (p PageState) LooksReal(minText int) bool {
	return p.CurrentURL != "" && p.BodyTextLength >= minText
}

// BrowserSession owns one browser page. It must only be used from the
// goroutine that opened it; overlapping calls fail with ErrSessionBusy.
type BrowserSession struct {
	cfg        BrowserConfig
	driver     PageDriver
	factory    DriverFactory
	fp         Fingerprint
	stealth    StealthProfile
	proxy      *ProxyHandle
	httpClient *http.Client
	limiter    *rate.Limiter
	archiver   Archiver
	logger     Logger
	metrics    *Metrics
	rng        *rand.Rand
	sleep      sleeper
	current    string
	busy       atomic.Bool
	closed     atomic.Bool
}

type SessionOption func(*BrowserSession)

func WithProxy(p *ProxyHandle) SessionOption {
	return func(s *BrowserSession) { s.proxy = p }
}

func WithDriverFactory(f DriverFactory) SessionOption {
	return func(s *BrowserSession) { s.factory = f }
}

func WithSessionLogger(l Logger) SessionOption {
	return func(s *BrowserSession) { s.logger = l }
}

func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *BrowserSession) { s.metrics = m }
}

func WithStealthProfile(p StealthProfile) SessionOption {
	return func(s *BrowserSession) { s.stealth = p }
}

func WithArchiver(a Archiver) SessionOption {
	return func(s *BrowserSession) { s.archiver = a }
}

func WithSleeper(fn func(ctx context.Context, d time.Duration) error) SessionOption {
	return func(s *BrowserSession) { s.sleep = fn }
}

// WithHTTPClient sets the client used by the http provider.
func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *BrowserSession) { s.httpClient = c }
}

// OpenSession starts a browser and applies the stealth fingerprint.
// Any failure to start is a *DriverSetupError.
func OpenSession(ctx context.Context, cfg BrowserConfig, opts ...SessionOption) (*BrowserSession, error) {
	if cfg.Provider == "" {
		cfg.Provider = ProviderRod
	}
	s := &BrowserSession{
		cfg:    cfg,
		logger: discardLogger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		factory, err := driverFactoryFor(cfg.Provider)
		if err != nil {
			return nil, &DriverSetupError{Provider: cfg.Provider, Err: err}
		}
		s.factory = factory
	}
	if cfg.NavigationsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.NavigationsPerMinute)), 1)
	}
	s.fp = newFingerprint(s.stealth, cfg, s.rng)

	driver, err := s.factory(ctx, DriverOptions{
		Config:      cfg,
		Fingerprint: s.fp,
		Proxy:       s.proxy,
		HTTPClient:  s.httpClient,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, &DriverSetupError{Provider: cfg.Provider, Err: err}
	}
	s.driver = driver

	via := "direct"
	if s.proxy != nil {
		via = s.proxy.String()
	}
	s.logger.Info("🌐 %s session opened (%dx%d, stealth=%v, egress=%s)", cfg.Provider, s.fp.Window.Width, s.fp.Window.Height, cfg.Stealth, via)
	return s, nil
}

func (s *BrowserSession) enter() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	return nil
}

func (s *BrowserSession) leave() {
	s.busy.Store(false)
}

func (s *BrowserSession) Config() BrowserConfig {
	return s.cfg
}

func (s *BrowserSession) Fingerprint() Fingerprint {
	return s.fp
}

// CurrentURL is the final location of the last successful navigation.
func (s *BrowserSession) CurrentURL() string {
	return s.current
}

// Navigate loads rawURL and, with stealth on, performs the settle-and-scroll gesture.
func (s *BrowserSession) Navigate(ctx context.Context, rawURL string) (PageState, error) {
	if err := s.enter(); err != nil {
		return PageState{}, err
	}
	defer s.leave()

	state := PageState{RequestedURL: rawURL}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return state, &NavigationError{URL: rawURL, Err: err}
		}
	}

	navCtx := ctx
	if s.cfg.PageLoadTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.cfg.PageLoadTimeout)
		defer cancel()
	}
	if err := s.driver.Navigate(navCtx, rawURL); err != nil {
		s.metrics.IncNavigation("error")
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return state, &NavigationError{URL: rawURL, Err: err}
	}

	if s.cfg.Stealth {
		if err := humanGesture(ctx, s.driver, s.rng, s.sleep, s.logger, s.cfg.SettleMin, s.cfg.SettleMax); err != nil {
			return state, &NavigationError{URL: rawURL, Err: err}
		}
	}

	info, err := s.driver.Info(ctx)
	if err != nil {
		s.metrics.IncNavigation("error")
		return state, &NavigationError{URL: rawURL, Err: fmt.Errorf("read page info: %w", err)}
	}
	state.Title = info.Title
	state.CurrentURL = info.URL
	if state.CurrentURL == "" {
		state.CurrentURL = rawURL
	}
	s.current = state.CurrentURL

	if doc, err := s.document(ctx); err == nil {
		state.BodyText = documentText(doc)
		state.BodyTextLength = len(state.BodyText)
		if state.Title == "" {
			state.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
	}

	s.metrics.IncNavigation("ok")
	if state.Redirected() {
		s.logger.Debug("↪️ %s redirected to %s", rawURL, state.CurrentURL)
	}
	return state, nil
}

// Settle waits out an in-page action such as a click and reports where the
// page ended up.
func (s *BrowserSession) Settle(ctx context.Context) (PageState, error) {
	if err := s.enter(); err != nil {
		return PageState{}, err
	}
	defer s.leave()

	if err := s.sleep(ctx, randomBetween(s.rng, s.cfg.SettleMin, s.cfg.SettleMax)); err != nil {
		return PageState{}, err
	}
	info, err := s.driver.Info(ctx)
	if err != nil {
		return PageState{}, &NavigationError{URL: s.current, Err: err}
	}
	state := PageState{Title: info.Title, CurrentURL: info.URL, RequestedURL: s.current}
	if doc, err := s.document(ctx); err == nil {
		state.BodyText = documentText(doc)
		state.BodyTextLength = len(state.BodyText)
	}
	s.current = state.CurrentURL
	return state, nil
}

func (s *BrowserSession) document(ctx context.Context) (*goquery.Document, error) {
	html, err := s.driver.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// Document parses the live DOM as it is right now.
func (s *BrowserSession) Document(ctx context.Context) (*goquery.Document, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.document(ctx)
}

func (s *BrowserSession) HTML(ctx context.Context) (string, error) {
	if err := s.enter(); err != nil {
		return "", err
	}
	defer s.leave()
	return s.driver.HTML(ctx)
}

// BodyText is the visible text of the current page with whitespace collapsed.
func (s *BrowserSession) BodyText(ctx context.Context) (string, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return "", err
	}
	return documentText(doc), nil
}

func (s *BrowserSession) Elements(ctx context.Context, selector string) ([]PageElement, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.driver.Elements(ctx, selector)
}

func (s *BrowserSession) Frames(ctx context.Context) ([]ElementScope, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.driver.Frames(ctx)
}

func (s *BrowserSession) Eval(ctx context.Context, js string) (interface{}, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.driver.Eval(ctx, js)
}

// WaitForAny polls the DOM until one selector matches, returning the first
// selector in list order with at least one match, or "" after ImplicitWait.
func (s *BrowserSession) WaitForAny(ctx context.Context, selectors []string) (string, error) {
	deadline := time.Now().Add(s.cfg.ImplicitWait)
	for {
		doc, err := s.Document(ctx)
		if err != nil {
			return "", err
		}
		for _, sel := range selectors {
			if doc.Find(sel).Length() > 0 {
				return sel, nil
			}
		}
		if !time.Now().Before(deadline) {
			return "", nil
		}
		if err := s.sleep(ctx, 250*time.Millisecond); err != nil {
			return "", err
		}
	}
}

// Snapshot dumps the current page to the log directory and the archiver.
func (s *BrowserSession) Snapshot(ctx context.Context, reason string) {
	html, err := s.HTML(ctx)
	if err != nil {
		s.logger.Debug("snapshot of %s skipped: %v", s.current, err)
		return
	}
	s.logger.Html(s.current, html, reason)
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, PageArchive{URL: s.current, HTML: html, Reason: reason, CapturedAt: time.Now()}); err != nil {
		s.logger.Warn("archive %s failed: %v", s.current, err)
	}
}

// Close terminates the browser process. Calling it more than once is a no-op.
func (s *BrowserSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close()
	if err != nil {
		s.logger.Warn("closing %s session: %v", s.cfg.Provider, err)
	} else {
		s.logger.Info("🔒 %s session closed", s.cfg.Provider)
	}
	return err
}

// documentText is the page's visible text, without script and style bodies.
func documentText(doc *goquery.Document) string {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body = body.Clone()
	body.Find("script, style, noscript, template").Remove()
	return collapseSpace(body.Text())
}
