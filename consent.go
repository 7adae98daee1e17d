package grocerycrawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ConsentProfile is the popup vocabulary of a site. Times are seconds.
type ConsentProfile struct {
	Selectors           []string `yaml:"selectors"`
	TextPatterns        []string `yaml:"text_patterns"`
	Clickables          string   `yaml:"clickables"`
	IframeSelectorLimit int      `yaml:"iframe_selector_limit"`
	RemovalSelectors    []string `yaml:"removal_selectors"`
	PopupIndicators     []string `yaml:"popup_indicators"`
	MinSize             float64  `yaml:"min_size"`
	HandledTTL          float64  `yaml:"handled_ttl"`
	RoundPause          float64  `yaml:"round_pause"`
}

type ConsentResult struct {
	Handled    int
	Strategies []string
}

const (
	strategySelector   = "selector"
	strategyText       = "text"
	strategyIframe     = "iframe"
	strategyDOMRemoval = "dom_removal"
)

// ConsentDismisser clears cookie banners and modals from the current page.
// Like the DelayManager, one instance belongs to one browser context.
type ConsentDismisser struct {
	profile ConsentProfile
	handled *expirable.LRU[string, struct{}]
	delay   *DelayManager
	sleep   sleeper
	now     func() time.Time
	logger  Logger
	metrics *Metrics
}

type ConsentOption func(*ConsentDismisser)

func WithConsentDelay(d *DelayManager) ConsentOption {
	return func(c *ConsentDismisser) { c.delay = d }
}

func WithConsentLogger(l Logger) ConsentOption {
	return func(c *ConsentDismisser) { c.logger = l }
}

func WithConsentMetrics(m *Metrics) ConsentOption {
	return func(c *ConsentDismisser) { c.metrics = m }
}

func WithConsentSleeper(fn func(ctx context.Context, d time.Duration) error) ConsentOption {
	return func(c *ConsentDismisser) { c.sleep = fn }
}

func WithConsentClock(now func() time.Time) ConsentOption {
	return func(c *ConsentDismisser) { c.now = now }
}

func NewConsentDismisser(profile ConsentProfile, opts ...ConsentOption) *ConsentDismisser {
	if profile.Clickables == "" {
		profile.Clickables = "button, a, [role='button']"
	}
	if profile.IframeSelectorLimit <= 0 {
		profile.IframeSelectorLimit = 5
	}
	if profile.MinSize <= 0 {
		profile.MinSize = 5
	}
	ttl := seconds(profile.HandledTTL)
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &ConsentDismisser{
		profile: profile,
		handled: expirable.NewLRU[string, struct{}](512, nil, ttl),
		sleep:   sleepContext,
		now:     time.Now,
		logger:  discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handled reports whether rawURL was cleared recently.
func (c *ConsentDismisser) Handled(rawURL string) bool {
	return c.handled.Contains(normalizeURL(rawURL))
}

// DismissAll runs up to maxAttempts rounds of selector, text, iframe and DOM
// removal strategies on the session's current page. When popups survive every
// round it returns the partial result with a *ConsentBlockingError; callers
// carry on in degraded mode.
func (c *ConsentDismisser) DismissAll(ctx context.Context, s *BrowserSession, maxAttempts int, timeout time.Duration) (ConsentResult, error) {
	var res ConsentResult
	pageURL := s.CurrentURL()
	key := normalizeURL(pageURL)
	if c.handled.Contains(key) {
		return res, nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	remaining := c.visiblePopups(ctx, s)
	if len(remaining) == 0 {
		c.handled.Add(key, struct{}{})
		return res, nil
	}

	deadline := c.now().Add(timeout)
	attempts := 0
	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		attempts++
		before := res.Handled

		c.round(ctx, s, &res)

		remaining = c.visiblePopups(ctx, s)
		if len(remaining) == 0 {
			c.handled.Add(key, struct{}{})
			c.logger.Debug("🍪 popups cleared on %s after %d round(s), %d click(s)", pageURL, attempts, res.Handled)
			return res, nil
		}
		if attempts == maxAttempts || (timeout > 0 && !c.now().Before(deadline)) {
			break
		}

		var err error
		if res.Handled > before && c.delay != nil {
			_, err = c.delay.Wait(ctx, AfterPopupHandling)
		} else {
			err = c.sleep(ctx, seconds(c.profile.RoundPause))
		}
		if err != nil {
			return res, err
		}
	}

	return res, &ConsentBlockingError{URL: pageURL, Attempts: attempts, Remaining: remaining}
}

// round applies the strategies in order and stops as soon as the page is clear.
func (c *ConsentDismisser) round(ctx context.Context, s *BrowserSession, res *ConsentResult) {
	passes := []func() int{
		func() int { return c.clickSelectors(ctx, s, c.profile.Selectors, strategySelector, res) },
		func() int { return c.clickByText(ctx, s, strategyText, res) },
		func() int { return c.iframePass(ctx, s, res) },
	}
	for _, pass := range passes {
		if pass() > 0 && len(c.visiblePopups(ctx, s)) == 0 {
			return
		}
	}
	c.removeOverlays(ctx, s, res)
}

func (c *ConsentDismisser) clickSelectors(ctx context.Context, scope ElementScope, selectors []string, strategy string, res *ConsentResult) int {
	clicked := 0
	for _, sel := range selectors {
		els, err := scope.Elements(ctx, sel)
		if err != nil || len(els) == 0 {
			continue
		}
		for _, el := range els {
			if ok, _ := el.Interactable(ctx, c.profile.MinSize); !ok {
				continue
			}
			if c.click(ctx, el, sel) {
				c.record(res, strategy+":"+sel, strategy)
				clicked++
				break
			}
		}
	}
	return clicked
}

func (c *ConsentDismisser) clickByText(ctx context.Context, scope ElementScope, strategy string, res *ConsentResult) int {
	els, err := scope.Elements(ctx, c.profile.Clickables)
	if err != nil {
		return 0
	}
	clicked := 0
	for _, el := range els {
		text, err := el.Text(ctx)
		if err != nil {
			continue
		}
		phrase, ok := matchConsentText(text, c.profile.TextPatterns)
		if !ok {
			continue
		}
		if ok, _ := el.Interactable(ctx, c.profile.MinSize); !ok {
			continue
		}
		if c.click(ctx, el, fmt.Sprintf("text %q", phrase)) {
			c.record(res, strategy+":"+phrase, strategy)
			clicked++
		}
	}
	return clicked
}

func (c *ConsentDismisser) iframePass(ctx context.Context, s *BrowserSession, res *ConsentResult) int {
	frames, err := s.Frames(ctx)
	if err != nil || len(frames) == 0 {
		return 0
	}
	selectors := c.profile.Selectors
	if len(selectors) > c.profile.IframeSelectorLimit {
		selectors = selectors[:c.profile.IframeSelectorLimit]
	}
	clicked := 0
	for _, frame := range frames {
		clicked += c.clickSelectors(ctx, frame, selectors, strategyIframe, res)
		clicked += c.clickByText(ctx, frame, strategyIframe, res)
	}
	return clicked
}

func (c *ConsentDismisser) removeOverlays(ctx context.Context, s *BrowserSession, res *ConsentResult) {
	if len(c.profile.RemovalSelectors) == 0 {
		return
	}
	out, err := s.Eval(ctx, removalScript(c.profile.RemovalSelectors))
	if err != nil {
		if !errors.Is(err, ErrScriptsUnsupported) {
			c.logger.Debug("overlay removal failed: %v", err)
		}
		return
	}
	if n := toInt(out); n > 0 {
		res.Handled++
		res.Strategies = append(res.Strategies, fmt.Sprintf("%s:%d", strategyDOMRemoval, n))
		c.metrics.IncConsent(strategyDOMRemoval)
	}
}

// click walks the standard, scripted and dispatched click in that order.
func (c *ConsentDismisser) click(ctx context.Context, el PageElement, label string) bool {
	attempts := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"click", el.Click},
		{"script", el.ScriptClick},
		{"dispatch", el.DispatchClick},
	}
	var errs []string
	for _, a := range attempts {
		err := a.fn(ctx)
		if err == nil {
			return true
		}
		errs = append(errs, a.name+": "+err.Error())
	}
	c.logger.Warn("could not click %s: %s", label, strings.Join(errs, "; "))
	return false
}

func (c *ConsentDismisser) record(res *ConsentResult, detail, strategy string) {
	res.Handled++
	res.Strategies = append(res.Strategies, detail)
	c.metrics.IncConsent(strategy)
}

// visiblePopups lists the indicator selectors that still match something visible.
func (c *ConsentDismisser) visiblePopups(ctx context.Context, s *BrowserSession) []string {
	var visible []string
	for _, sel := range c.profile.PopupIndicators {
		els, err := s.Elements(ctx, sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if ok, _ := el.Interactable(ctx, c.profile.MinSize); ok {
				visible = append(visible, sel)
				break
			}
		}
	}
	return visible
}

// matchConsentText matches a label exactly or as "<phrase> ..." against the vocabulary.
func matchConsentText(text string, patterns []string) (string, bool) {
	label := strings.ToLower(collapseSpace(text))
	if label == "" || len(label) > 60 {
		return "", false
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if label == p || strings.HasPrefix(label, p+" ") {
			return p, true
		}
	}
	return "", false
}

func removalScript(selectors []string) string {
	list, _ := json.Marshal(selectors)
	return fmt.Sprintf(`() => {
  const selectors = %s;
  let removed = 0;
  for (const sel of selectors) {
    document.querySelectorAll(sel).forEach((el) => {
      if (el === document.body || el === document.documentElement) return;
      el.remove();
      removed++;
    });
  }
  for (const root of [document.body, document.documentElement]) {
    if (!root) continue;
    root.style.overflow = 'auto';
    root.classList.remove('modal-open', 'no-scroll', 'overflow-hidden');
  }
  return removed;
}`, list)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
