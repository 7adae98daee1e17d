package grocerycrawler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CrawlSettings are the per-run knobs. Zero values mean "no bound".
type CrawlSettings struct {
	MaxCategories          int
	PriorityThreshold      int
	MaxProductsPerCategory int
	MaxPagesPerCategory    int
	// MaxProducts bounds the detail backlog.
	MaxProducts          int
	CategoryFilter       []string
	StaleAfter           time.Duration
	ForceRecrawl         bool
	DryRun               bool
	ValidateCategories   bool
	MaxConsecutiveErrors int
	RateLimitRetries     int
	ConsentAttempts      int
	ConsentTimeout       time.Duration
	Recategorize         bool
}

func DefaultCrawlSettings() CrawlSettings {
	return CrawlSettings{
		MaxPagesPerCategory: 5,
		StaleAfter:          72 * time.Hour,
		ValidateCategories:  true,
		RateLimitRetries:    1,
		ConsentAttempts:     3,
		ConsentTimeout:      15 * time.Second,
	}
}

// asMap is what the session record keeps under settings.
func (s CrawlSettings) asMap() map[string]interface{} {
	return map[string]interface{}{
		"max_categories":            s.MaxCategories,
		"priority_threshold":        s.PriorityThreshold,
		"max_products_per_category": s.MaxProductsPerCategory,
		"max_pages_per_category":    s.MaxPagesPerCategory,
		"max_products":              s.MaxProducts,
		"category_filter":           append([]string(nil), s.CategoryFilter...),
		"stale_after":               s.StaleAfter.String(),
		"force_recrawl":             s.ForceRecrawl,
		"dry_run":                   s.DryRun,
		"validate_categories":       s.ValidateCategories,
		"max_consecutive_errors":    s.MaxConsecutiveErrors,
		"rate_limit_retries":        s.RateLimitRetries,
		"recategorize":              s.Recategorize,
	}
}

// staleAge is the maxAge handed to FindStaleForNutrition; zero means everything.
func (s CrawlSettings) staleAge() time.Duration {
	if s.ForceRecrawl {
		return 0
	}
	return s.StaleAfter
}

// BrowserOpener starts a fresh browser session for one execution context.
type BrowserOpener func(ctx context.Context) (*BrowserSession, error)

// OrchestratorConfig wires the collaborators shared by the orchestrator and
// the dual coordinator.
type OrchestratorConfig struct {
	Site          *SiteProfile
	Catalog       *CategoryCatalog
	Store         ProductStore
	Tracker       SessionTracker
	OpenBrowser   BrowserOpener
	Delays        DelayProfile
	Logger        Logger
	Metrics       *Metrics
	Recategorizer *KeywordRecategorizer
	// Sleep replaces the real pause in every DelayManager and dismisser built for a run.
	Sleep func(ctx context.Context, d time.Duration) error
}

// CrawlOrchestrator drives one CrawlSession to a terminal state.
type CrawlOrchestrator struct {
	cfg OrchestratorConfig
}

func NewCrawlOrchestrator(cfg OrchestratorConfig) (*CrawlOrchestrator, error) {
	if cfg.Site == nil || cfg.Store == nil || cfg.Tracker == nil || cfg.OpenBrowser == nil {
		return nil, errors.New("orchestrator needs a site profile, store, tracker and browser opener")
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = NewCategoryCatalog(cfg.Site, WithCatalogLogger(cfg.Logger))
	}
	return &CrawlOrchestrator{cfg: cfg}, nil
}

// progressSink receives counter deltas and item failures. A CrawlSession is
// one; ContextStats is the other, for contexts that aggregate later.
type progressSink interface {
	Apply(ctx context.Context, delta SessionCounters) error
	RecordError(ctx context.Context, where string, err error) error
}

// crawlContext is everything one execution context owns.
type crawlContext struct {
	name    string
	browser *BrowserSession
	delay   *DelayManager
	consent *ConsentDismisser
	list    *ListExtractor
	detail  *DetailExtractor
	logger  Logger
	stop    func() bool
}

func (c *crawlContext) stopped(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.stop != nil && c.stop() {
		return errStopped
	}
	return nil
}

var errStopped = errors.New("crawl stopped by operator")

func (o *CrawlOrchestrator) newContext(name string, browser *BrowserSession, settings CrawlSettings) (*crawlContext, error) {
	logger := o.cfg.Logger
	delayOpts := []DelayOption{WithDelayLogger(logger), WithDelayMetrics(o.cfg.Metrics)}
	consentOpts := []ConsentOption{WithConsentLogger(logger), WithConsentMetrics(o.cfg.Metrics)}
	if o.cfg.Sleep != nil {
		delayOpts = append(delayOpts, WithDelaySleeper(o.cfg.Sleep))
		consentOpts = append(consentOpts, WithConsentSleeper(o.cfg.Sleep))
	}
	delay := NewDelayManager(o.cfg.Delays, o.cfg.Site.RateLimitPhrases, delayOpts...)
	consent := NewConsentDismisser(o.cfg.Site.Consent, append(consentOpts, WithConsentDelay(delay))...)
	deps := ExtractorDeps{
		Store:           o.cfg.Store,
		Delay:           delay,
		Consent:         consent,
		Logger:          logger,
		Metrics:         o.cfg.Metrics,
		ConsentAttempts: settings.ConsentAttempts,
		ConsentTimeout:  settings.ConsentTimeout,
	}
	list, err := NewListExtractor(o.cfg.Site, o.cfg.Catalog, deps)
	if err != nil {
		return nil, err
	}
	detail, err := NewDetailExtractor(o.cfg.Site, deps)
	if err != nil {
		return nil, err
	}
	return &crawlContext{
		name:    name,
		browser: browser,
		delay:   delay,
		consent: consent,
		list:    list,
		detail:  detail,
		logger:  logger,
	}, nil
}

// Run executes one crawl of the given type and returns the session in its
// terminal state. The error is the cause of a FAILED or CANCELLED session.
func (o *CrawlOrchestrator) Run(ctx context.Context, crawlType CrawlType, settings CrawlSettings) (*CrawlSession, error) {
	session, err := o.cfg.Tracker.Create(ctx, crawlType, settings.asMap())
	if err != nil {
		return nil, fmt.Errorf("creating crawl session: %w", err)
	}
	session.SetLogger(o.cfg.Logger)
	if err := ctx.Err(); err != nil {
		return session, o.finish(ctx, session, err)
	}
	if err := session.Start(ctx); err != nil {
		return session, o.finish(ctx, session, err)
	}
	o.cfg.Logger.Info("🚀 %s crawl started (session %s)", crawlType, session.ID())

	runErr := o.run(ctx, session, crawlType, settings)
	return session, o.finish(ctx, session, runErr)
}

func (o *CrawlOrchestrator) run(ctx context.Context, session *CrawlSession, crawlType CrawlType, settings CrawlSettings) error {
	browser, err := o.cfg.OpenBrowser(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := browser.Close(); err != nil {
			o.cfg.Logger.Warn("closing browser: %v", err)
		}
	}()
	cc, err := o.newContext("main", browser, settings)
	if err != nil {
		return err
	}

	if crawlType == CrawlList || crawlType == CrawlBoth {
		if err := o.listLoop(ctx, cc, session, settings, 0, nil); err != nil {
			return err
		}
	}
	if crawlType == CrawlDetail || crawlType == CrawlBoth {
		if err := o.detailLoop(ctx, cc, session, settings); err != nil {
			return err
		}
	}
	return nil
}

// finish moves the session to its terminal state. Terminal writes ignore
// cancellation of ctx so a cancelled run is still recorded.
func (o *CrawlOrchestrator) finish(ctx context.Context, session *CrawlSession, runErr error) error {
	persistCtx := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		if err := session.MarkCompleted(persistCtx); err != nil {
			return err
		}
		c := session.Counters()
		o.cfg.Logger.Info("✅ session %s completed: %d categories, %d products, %d nutrition, %d errors",
			session.ID(), c.CategoriesProcessed, c.ProductsFound, c.NutritionFound, c.Errors)
		return nil
	case cancelled(runErr):
		o.cfg.Logger.Warn("⚠️ session %s cancelled: %v", session.ID(), runErr)
		if err := session.MarkCancelled(persistCtx); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	default:
		o.cfg.Logger.Error("🛑 session %s failed: %v", session.ID(), runErr)
		o.cfg.Metrics.IncError(runErr)
		if err := session.MarkFailed(persistCtx, runErr.Error()); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStopped)
}

// fatal reports errors that end the whole run instead of one item.
func fatal(err error) bool {
	return cancelled(err) || isDriverSetup(err) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionBusy)
}

// listLoop crawls the discovered categories in priority order. totalCap > 0
// bounds the products across all categories.
func (o *CrawlOrchestrator) listLoop(ctx context.Context, cc *crawlContext, sink progressSink, settings CrawlSettings, totalCap int, onProduct func(ProductSummary)) error {
	discover := DiscoverOptions{
		MaxCount:          settings.MaxCategories,
		PriorityThreshold: settings.PriorityThreshold,
		Filter:            settings.CategoryFilter,
		Delay:             cc.delay,
	}
	if settings.ValidateCategories {
		discover.Session = cc.browser
	}
	categories, err := o.cfg.Catalog.Discover(ctx, discover)
	if err != nil {
		return err
	}

	var postProcess func(ProductSummary) ProductSummary
	if settings.Recategorize && o.cfg.Recategorizer != nil {
		postProcess = o.cfg.Recategorizer.Apply
	}

	total, consecutive := 0, 0
	for i, cat := range categories {
		if err := cc.stopped(ctx); err != nil {
			return err
		}
		limit := settings.MaxProductsPerCategory
		if totalCap > 0 {
			remaining := totalCap - total
			if remaining <= 0 {
				cc.logger.Info("product cap %d reached after %d categories", totalCap, i)
				break
			}
			if limit <= 0 || remaining < limit {
				limit = remaining
			}
		}
		if i > 0 {
			if _, err := cc.delay.Wait(ctx, BetweenCategories); err != nil {
				return err
			}
		}

		opts := ListOptions{
			MaxProducts: limit,
			MaxPages:    settings.MaxPagesPerCategory,
			DryRun:      settings.DryRun,
			PostProcess: postProcess,
			OnProduct:   onProduct,
		}
		res, err := o.extractCategory(ctx, cc, cat, opts, settings.RateLimitRetries)
		total += len(res.Products)
		delta := SessionCounters{ProductsFound: len(res.Products), ProductsUpdated: res.Updated}
		if err == nil {
			delta.CategoriesProcessed = 1
		}
		if aErr := sink.Apply(ctx, delta); aErr != nil && !cancelled(aErr) {
			cc.logger.Warn("updating counters: %v", aErr)
		}
		if err != nil {
			if fatal(err) {
				return err
			}
			consecutive++
			if abort := o.itemFailed(ctx, cc, sink, fmt.Sprintf("category %s (%s)", cat.ID, o.cfg.Catalog.ResolveURL(cat)), err, consecutive, settings); abort != nil {
				return abort
			}
			continue
		}
		consecutive = 0
		cc.delay.RecordRequest(true)
		cc.delay.ResetDelay()
		cc.logger.Info("📦 %s: %d products (%d new, %d updated, %d skipped) over %d pages",
			cat.DisplayName, len(res.Products), res.Created, res.Updated, res.Skipped, res.Pages)
	}
	return nil
}

// extractCategory retries a rate-limited category after the rate-limit pause
// the delay manager already served.
func (o *CrawlOrchestrator) extractCategory(ctx context.Context, cc *crawlContext, cat CategoryDescriptor, opts ListOptions, retries int) (ListResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := cc.list.ExtractCategory(ctx, cc.browser, cat, opts)
		if err == nil || !isRateLimited(err) || attempt >= retries {
			return res, err
		}
		cc.delay.IncreaseDelay()
		cc.delay.RecordRequest(false)
		cc.logger.Warn("⚠️ %s rate limited, retrying (%d/%d): %v", cat.DisplayName, attempt+1, retries, err)
		if err := cc.stopped(ctx); err != nil {
			return res, err
		}
	}
}

// itemFailed records a recovered failure and backs off. It returns an error
// only when the consecutive failure budget is spent or the pause was cancelled.
func (o *CrawlOrchestrator) itemFailed(ctx context.Context, cc *crawlContext, sink progressSink, where string, err error, consecutive int, settings CrawlSettings) error {
	cc.logger.Error("🛑 %s: %v", where, err)
	o.cfg.Metrics.IncError(err)
	if rErr := sink.RecordError(ctx, where, err); rErr != nil && !cancelled(rErr) {
		cc.logger.Warn("recording error: %v", rErr)
	}
	cc.delay.IncreaseDelay()
	cc.delay.RecordRequest(false)
	if settings.MaxConsecutiveErrors > 0 && consecutive >= settings.MaxConsecutiveErrors {
		return fmt.Errorf("aborting after %d consecutive failures: %w", consecutive, err)
	}
	if _, wErr := cc.delay.Wait(ctx, AfterError); wErr != nil {
		return wErr
	}
	return nil
}

// detailLoop works through products whose nutrition is missing or stale.
func (o *CrawlOrchestrator) detailLoop(ctx context.Context, cc *crawlContext, sink progressSink, settings CrawlSettings) error {
	var categoryIDs []string
	if len(settings.CategoryFilter) > 0 {
		for _, d := range o.cfg.Catalog.Filter(settings.CategoryFilter) {
			categoryIDs = append(categoryIDs, d.ID)
		}
		if len(categoryIDs) == 0 {
			cc.logger.Warn("category filter %v matches nothing, detail backlog is empty", settings.CategoryFilter)
			return nil
		}
	}
	backlog, err := o.cfg.Store.FindStaleForNutrition(ctx, settings.staleAge(), settings.MaxProducts, categoryIDs)
	if err != nil {
		return fmt.Errorf("loading nutrition backlog: %w", err)
	}
	cc.logger.Info("🥗 %d products need nutrition", len(backlog))

	consecutive := 0
	for i, p := range backlog {
		if err := cc.stopped(ctx); err != nil {
			return err
		}
		if i > 0 {
			if _, err := cc.delay.Wait(ctx, BetweenProducts); err != nil {
				return err
			}
		}
		ok, err := o.processDetail(ctx, cc, sink, p.ExternalID, p.DetailURL, settings)
		if err != nil {
			return err
		}
		if ok {
			consecutive = 0
			continue
		}
		consecutive++
		if settings.MaxConsecutiveErrors > 0 && consecutive >= settings.MaxConsecutiveErrors {
			return fmt.Errorf("aborting after %d consecutive product failures", consecutive)
		}
	}
	return nil
}

// processDetail extracts and stores one product's nutrition. ok is false when
// the product failed and was recorded; err is set only for fatal conditions.
func (o *CrawlOrchestrator) processDetail(ctx context.Context, cc *crawlContext, sink progressSink, productID, detailURL string, settings CrawlSettings) (ok bool, err error) {
	where := fmt.Sprintf("product %s (%s)", productID, detailURL)
	rec, err := cc.detail.ExtractNutritionChained(ctx, cc.browser, detailURL, productID)
	if err != nil {
		if fatal(err) {
			return false, err
		}
		return false, o.itemFailed(ctx, cc, sink, where, err, 0, CrawlSettings{})
	}
	cc.delay.RecordRequest(true)
	cc.delay.ResetDelay()

	delta := SessionCounters{NutritionMissing: 1}
	if rec.Found() {
		delta = SessionCounters{NutritionFound: 1}
		if !settings.DryRun {
			if err := o.cfg.Store.SaveNutrition(ctx, productID, *rec); err != nil {
				if cancelled(err) {
					return false, err
				}
				return false, o.itemFailed(ctx, cc, sink, where, fmt.Errorf("saving nutrition: %w", err), 0, CrawlSettings{})
			}
		}
		cc.logger.Info("🥗 %s: %d nutrients via %s", productID, len(rec.Nutrients), rec.ExtractionMethod)
	} else {
		cc.logger.Debug("no nutrition for %s", productID)
	}
	if err := sink.Apply(ctx, delta); err != nil && !cancelled(err) {
		cc.logger.Warn("updating counters: %v", err)
	}
	return true, nil
}
