package grocerycrawler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ListSelectors are the ordered fallback chains for listing pages.
type ListSelectors struct {
	Containers        []string `yaml:"containers"`
	Title             []string `yaml:"title"`
	Link              []string `yaml:"link"`
	Price             []string `yaml:"price"`
	WasPrice          []string `yaml:"was_price"`
	Unit              []string `yaml:"unit"`
	Image             []string `yaml:"image"`
	ImageAttrs        []string `yaml:"image_attrs"`
	NextPage          []string `yaml:"next_page"`
	OutOfStock        []string `yaml:"out_of_stock"`
	OutOfStockPhrases []string `yaml:"out_of_stock_phrases"`
	PriceRegex        string   `yaml:"price_regex"`
	PenceRegex        string   `yaml:"pence_regex"`
	IDRegex           string   `yaml:"id_regex"`
}

// ExtractorDeps are the per-context collaborators both extractors share.
type ExtractorDeps struct {
	Store           ProductStore
	Delay           *DelayManager
	Consent         *ConsentDismisser
	Logger          Logger
	Metrics         *Metrics
	ConsentAttempts int
	ConsentTimeout  time.Duration
	Now             func() time.Time
}

func (d *ExtractorDeps) defaults() {
	if d.Logger == nil {
		d.Logger = discardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Delay == nil {
		d.Delay = NewDelayManager(DelayProfile{}, nil)
	}
	if d.ConsentAttempts <= 0 {
		d.ConsentAttempts = 3
	}
	if d.ConsentTimeout <= 0 {
		d.ConsentTimeout = 15 * time.Second
	}
}

// dismissConsent runs the dismisser and downgrades a blocking popup to a warning.
func (d *ExtractorDeps) dismissConsent(ctx context.Context, s *BrowserSession) error {
	if d.Consent == nil {
		return nil
	}
	_, err := d.Consent.DismissAll(ctx, s, d.ConsentAttempts, d.ConsentTimeout)
	var blocking *ConsentBlockingError
	if errors.As(err, &blocking) {
		d.Logger.Warn("⚠️ %v, continuing degraded", blocking)
		d.Metrics.IncError(err)
		return nil
	}
	return err
}

// checkRateLimit turns a throttling page into *RateLimitDetected. The delay
// manager has already served the rate-limit wait when this returns an error.
func (d *ExtractorDeps) checkRateLimit(ctx context.Context, state PageState) error {
	if d.Delay == nil || !d.Delay.LooksRateLimited(ctx, state.Title+" "+state.BodyText) {
		return nil
	}
	return &RateLimitDetected{URL: state.CurrentURL, Phrase: d.Delay.LastRateLimitPhrase()}
}

type ListOptions struct {
	MaxProducts int
	MaxPages    int
	DryRun      bool
	// PostProcess may rewrite a summary before validation and persistence.
	PostProcess func(ProductSummary) ProductSummary
	// OnProduct sees every product that passed validation.
	OnProduct func(ProductSummary)
}

type ListResult struct {
	Products     []ProductSummary
	Created      int
	Updated      int
	Skipped      int
	Failed       int
	PriceChanges []PriceChange
	Pages        int
}

// ListExtractor turns category listing pages into product summaries.
type ListExtractor struct {
	sel     ListSelectors
	rules   ProductRules
	priceRe *regexp.Regexp
	penceRe *regexp.Regexp
	idRe    *regexp.Regexp
	catalog *CategoryCatalog
	deps    ExtractorDeps
}

func NewListExtractor(site *SiteProfile, catalog *CategoryCatalog, deps ExtractorDeps) (*ListExtractor, error) {
	deps.defaults()
	e := &ListExtractor{sel: site.List, rules: site.Rules, catalog: catalog, deps: deps}
	var err error
	if e.priceRe, err = regexp.Compile(site.List.PriceRegex); err != nil {
		return nil, fmt.Errorf("price_regex: %w", err)
	}
	if site.List.PenceRegex != "" {
		if e.penceRe, err = regexp.Compile(site.List.PenceRegex); err != nil {
			return nil, fmt.Errorf("pence_regex: %w", err)
		}
	}
	idExpr := site.List.IDRegex
	if idExpr == "" {
		idExpr = `/(\d+)/?$`
	}
	if e.idRe, err = regexp.Compile(idExpr); err != nil {
		return nil, fmt.Errorf("id_regex: %w", err)
	}
	return e, nil
}

// ExtractCategory crawls one category, following pagination until a bound is
// hit, no next control is found, or a page yields nothing new.
func (e *ListExtractor) ExtractCategory(ctx context.Context, s *BrowserSession, cat CategoryDescriptor, opts ListOptions) (ListResult, error) {
	var res ListResult
	target := e.catalog.ResolveURL(cat)
	if target == "" {
		return res, &ExtractionError{URL: cat.URLSlug, Target: "category url"}
	}
	maxPages := opts.MaxPages
	if cat.MaxPages > 0 && (maxPages <= 0 || cat.MaxPages < maxPages) {
		maxPages = cat.MaxPages
	}

	state, err := s.Navigate(ctx, target)
	if err != nil {
		return res, err
	}
	seen := map[string]bool{}
	for page := 1; ; page++ {
		if err := e.deps.checkRateLimit(ctx, state); err != nil {
			return res, err
		}
		if err := e.deps.dismissConsent(ctx, s); err != nil {
			return res, err
		}

		containerSel, err := s.WaitForAny(ctx, e.sel.Containers)
		if err != nil {
			return res, err
		}
		if containerSel == "" {
			if page == 1 {
				s.Snapshot(ctx, "no product containers")
				return res, &ExtractionError{URL: state.CurrentURL, Target: "product containers"}
			}
			break
		}
		doc, err := s.Document(ctx)
		if err != nil {
			return res, &ExtractionError{URL: state.CurrentURL, Target: "page dom", Err: err}
		}
		res.Pages++

		fresh, done := e.collect(ctx, doc.Find(containerSel), state.CurrentURL, cat, seen, opts, &res)
		e.deps.Logger.Info("🛒 %s page %d: %d new products (%s)", cat.DisplayName, page, fresh, containerSel)
		if done || fresh == 0 || (maxPages > 0 && page >= maxPages) {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if _, err := e.deps.Delay.Wait(ctx, BetweenPages); err != nil {
			return res, err
		}
		next, err := e.nextPage(ctx, s, doc, state.CurrentURL)
		if err != nil {
			return res, err
		}
		if next.CurrentURL == "" {
			break
		}
		state = next
	}
	return res, nil
}

// collect parses, validates and persists one page of containers.
func (e *ListExtractor) collect(ctx context.Context, containers *goquery.Selection, pageURL string, cat CategoryDescriptor, seen map[string]bool, opts ListOptions, res *ListResult) (fresh int, done bool) {
	containers.EachWithBreak(func(_ int, c *goquery.Selection) bool {
		p, ok := e.parseContainer(c, pageURL, cat.ID)
		if !ok {
			res.Skipped++
			e.deps.Metrics.IncProduct("skipped")
			return true
		}
		if opts.PostProcess != nil {
			p = opts.PostProcess(p)
		}
		if seen[p.ExternalID] {
			return true
		}
		seen[p.ExternalID] = true
		fresh++

		if err := p.Validate(e.rules); err != nil {
			e.deps.Logger.Debug("skipping product on %s: %v", pageURL, err)
			res.Skipped++
			e.deps.Metrics.IncProduct("skipped")
			return true
		}
		if !opts.DryRun && e.deps.Store != nil {
			if !e.persist(ctx, p, res) {
				return true
			}
		}
		res.Products = append(res.Products, p)
		if opts.OnProduct != nil {
			opts.OnProduct(p)
		}
		if opts.MaxProducts > 0 && len(res.Products) >= opts.MaxProducts {
			done = true
			return false
		}
		return true
	})
	return fresh, done
}

func (e *ListExtractor) persist(ctx context.Context, p ProductSummary, res *ListResult) bool {
	up, err := e.deps.Store.UpsertProduct(ctx, p)
	if err != nil {
		e.deps.Logger.Error("saving product %s failed: %v", p.ExternalID, err)
		res.Failed++
		return false
	}
	if up.Created {
		res.Created++
		e.deps.Metrics.IncProduct("created")
		return true
	}
	res.Updated++
	e.deps.Metrics.IncProduct("updated")
	if up.PriceChanged(p) {
		change := PriceChange{ExternalID: p.ExternalID, OldPrice: up.Previous.Price, NewPrice: p.Price, ChangedAt: e.deps.Now()}
		res.PriceChanges = append(res.PriceChanges, change)
		e.deps.Logger.Info("💷 price change for %s (%s): %s -> %s", p.Name, p.ExternalID, change.OldPrice, change.NewPrice)
	}
	return true
}

// parseContainer reads one product tile. A tile without a name or a
// parseable price is not a product.
func (e *ListExtractor) parseContainer(c *goquery.Selection, pageURL, categoryID string) (ProductSummary, bool) {
	p := ProductSummary{CategoryID: categoryID, InStock: true, ScrapedAt: e.deps.Now()}

	p.Name = firstText(c, e.sel.Title)
	if href := firstAttr(c, e.sel.Link, "href"); href != "" {
		p.DetailURL = absoluteURL(pageURL, href)
	} else if href, ok := c.Find("a[href]").First().Attr("href"); ok {
		p.DetailURL = absoluteURL(pageURL, href)
	}
	if p.Name == "" {
		return p, false
	}

	price, ok := e.parsePrice(firstText(c, e.sel.Price))
	if !ok {
		return p, false
	}
	p.Price = price
	if was, ok := e.parsePrice(firstText(c, e.sel.WasPrice)); ok && was != price {
		p.WasPrice = &was
	}
	p.Unit = firstText(c, e.sel.Unit)
	p.ImageURL = e.imageURL(c, pageURL)
	p.InStock = !e.outOfStock(c)
	p.ExternalID = e.externalID(p.DetailURL, categoryID, p.Name)
	return p, true
}

func (e *ListExtractor) parsePrice(text string) (Pence, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if m := e.priceRe.FindStringSubmatch(text); len(m) > 1 {
		p, err := ParsePence(m[1])
		return p, err == nil
	}
	if e.penceRe != nil {
		if m := e.penceRe.FindStringSubmatch(text); len(m) > 1 {
			n, err := strconv.ParseInt(m[1], 10, 64)
			return Pence(n), err == nil
		}
	}
	return 0, false
}

func (e *ListExtractor) imageURL(c *goquery.Selection, pageURL string) string {
	attrs := e.sel.ImageAttrs
	if len(attrs) == 0 {
		attrs = []string{"src"}
	}
	for _, sel := range e.sel.Image {
		img := c.Find(sel).First()
		if img.Length() == 0 {
			continue
		}
		for _, attr := range attrs {
			v := strings.TrimSpace(img.AttrOr(attr, ""))
			if v == "" || strings.HasPrefix(v, "data:") {
				continue
			}
			return absoluteURL(pageURL, v)
		}
	}
	return ""
}

func (e *ListExtractor) outOfStock(c *goquery.Selection) bool {
	for _, sel := range e.sel.OutOfStock {
		if c.Find(sel).Length() > 0 {
			return true
		}
	}
	_, found := containsAny(c.Text(), e.sel.OutOfStockPhrases)
	return found
}

// externalID takes the trailing numeric path segment of the detail URL, else a
// stable hash of category and name.
func (e *ListExtractor) externalID(detailURL, categoryID, name string) string {
	if detailURL != "" {
		path := detailURL
		if u, err := url.Parse(detailURL); err == nil {
			path = u.Path
		}
		if m := e.idRe.FindStringSubmatch(path); len(m) > 1 {
			return m[1]
		}
	}
	return fallbackID(categoryID, name)
}

func fallbackID(categoryID, name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(collapseSpace(name))))
	return "gen-" + categoryID + "-" + hex.EncodeToString(sum[:])[:12]
}

// nextPage follows the first usable "next" control. A zero PageState means
// there is no further page.
func (e *ListExtractor) nextPage(ctx context.Context, s *BrowserSession, doc *goquery.Document, pageURL string) (PageState, error) {
	for _, sel := range e.sel.NextPage {
		node := doc.Find(sel).First()
		if node.Length() == 0 || disabledControl(node) {
			continue
		}
		if href := absoluteURL(pageURL, node.AttrOr("href", "")); href != "" && normalizeURL(href) != normalizeURL(pageURL) {
			return s.Navigate(ctx, href)
		}
		els, err := s.Elements(ctx, sel)
		if err != nil || len(els) == 0 {
			continue
		}
		if ok, _ := els[0].Interactable(ctx, 1); !ok {
			continue
		}
		if err := els[0].Click(ctx); err != nil {
			if err := els[0].ScriptClick(ctx); err != nil {
				e.deps.Logger.Debug("next control %s not clickable: %v", sel, err)
				continue
			}
		}
		return s.Settle(ctx)
	}
	return PageState{}, nil
}

func disabledControl(node *goquery.Selection) bool {
	if _, ok := node.Attr("disabled"); ok {
		return true
	}
	if strings.EqualFold(node.AttrOr("aria-disabled", ""), "true") {
		return true
	}
	return strings.Contains(node.AttrOr("class", ""), "disabled")
}

func firstText(c *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if t := collapseSpace(c.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

func firstAttr(c *goquery.Selection, selectors []string, attr string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(c.Find(sel).First().AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}
