package grocerycrawler

import (
	"time"
)

// Engine holds the process-wide crawl defaults. Zero-valued fields of an
// override keep the default.
type Engine struct {
	Provider             string // rod,playwright,http
	Headless             *bool
	Stealth              *bool
	WindowWidth          int
	WindowHeight         int
	UserAgent            string
	PageLoadTimeout      time.Duration
	ImplicitWait         time.Duration
	NavigationsPerMinute int
	DelayPreset          string // production,development
	DelaySeconds         float64
	MaxConsecutiveErrors int
	ConsentAttempts      int
	ConsentTimeout       time.Duration
	StaleAfter           time.Duration
	MaxPagesPerCategory  int
	ValidateCategories   *bool
	RespectRobots        *bool
}

func getDefaultEngine() Engine {
	return Engine{
		Provider:             ProviderRod,
		Headless:             boolPtr(true),
		Stealth:              boolPtr(true),
		PageLoadTimeout:      30 * time.Second,
		ImplicitWait:         10 * time.Second,
		NavigationsPerMinute: 20,
		DelayPreset:          "production",
		ConsentAttempts:      3,
		ConsentTimeout:       15 * time.Second,
		StaleAfter:           72 * time.Hour,
		MaxPagesPerCategory:  5,
		ValidateCategories:   boolPtr(true),
		RespectRobots:        boolPtr(true),
	}
}

func overrideEngineDefaults(defaultEngine *Engine, eng *Engine) {
	if eng.Provider != "" {
		defaultEngine.Provider = eng.Provider
	}
	if eng.Headless != nil {
		defaultEngine.Headless = eng.Headless
	}
	if eng.Stealth != nil {
		defaultEngine.Stealth = eng.Stealth
	}
	if eng.WindowWidth > 0 && eng.WindowHeight > 0 {
		defaultEngine.WindowWidth = eng.WindowWidth
		defaultEngine.WindowHeight = eng.WindowHeight
	}
	if eng.UserAgent != "" {
		defaultEngine.UserAgent = eng.UserAgent
	}
	if eng.PageLoadTimeout > 0 {
		defaultEngine.PageLoadTimeout = eng.PageLoadTimeout
	}
	if eng.ImplicitWait > 0 {
		defaultEngine.ImplicitWait = eng.ImplicitWait
	}
	if eng.NavigationsPerMinute > 0 {
		defaultEngine.NavigationsPerMinute = eng.NavigationsPerMinute
	}
	if eng.DelayPreset != "" {
		defaultEngine.DelayPreset = eng.DelayPreset
	}
	if eng.DelaySeconds > 0 {
		defaultEngine.DelaySeconds = eng.DelaySeconds
	}
	if eng.MaxConsecutiveErrors > 0 {
		defaultEngine.MaxConsecutiveErrors = eng.MaxConsecutiveErrors
	}
	if eng.ConsentAttempts > 0 {
		defaultEngine.ConsentAttempts = eng.ConsentAttempts
	}
	if eng.ConsentTimeout > 0 {
		defaultEngine.ConsentTimeout = eng.ConsentTimeout
	}
	if eng.StaleAfter > 0 {
		defaultEngine.StaleAfter = eng.StaleAfter
	}
	if eng.MaxPagesPerCategory > 0 {
		defaultEngine.MaxPagesPerCategory = eng.MaxPagesPerCategory
	}
	if eng.ValidateCategories != nil {
		defaultEngine.ValidateCategories = eng.ValidateCategories
	}
	if eng.RespectRobots != nil {
		defaultEngine.RespectRobots = eng.RespectRobots
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func (e *Engine) browserConfig() BrowserConfig {
	cfg := DefaultBrowserConfig()
	cfg.Provider = e.Provider
	cfg.Headless = e.Headless == nil || *e.Headless
	cfg.Stealth = e.Stealth == nil || *e.Stealth
	cfg.WindowWidth, cfg.WindowHeight = e.WindowWidth, e.WindowHeight
	cfg.UserAgent = e.UserAgent
	cfg.PageLoadTimeout = e.PageLoadTimeout
	cfg.ImplicitWait = e.ImplicitWait
	cfg.NavigationsPerMinute = e.NavigationsPerMinute
	return cfg
}

// crawlSettings seeds a run's settings from the engine.
func (e *Engine) crawlSettings() CrawlSettings {
	s := DefaultCrawlSettings()
	s.MaxConsecutiveErrors = e.MaxConsecutiveErrors
	s.ConsentAttempts = e.ConsentAttempts
	s.ConsentTimeout = e.ConsentTimeout
	s.StaleAfter = e.StaleAfter
	s.MaxPagesPerCategory = e.MaxPagesPerCategory
	s.ValidateCategories = e.ValidateCategories == nil || *e.ValidateCategories
	return s
}

// delayProfile picks the preset and applies the --delay override.
func (e *Engine) delayProfile(site *SiteProfile) DelayProfile {
	p := site.DelayPreset(e.DelayPreset)
	if e.DelaySeconds > 0 {
		p = p.WithBase(e.DelaySeconds, BetweenRequests, BetweenProducts)
	}
	return p
}

func (app *Crawler) SetProvider(provider string) *Crawler {
	app.engine.Provider = provider
	return app
}

func (app *Crawler) ShowBrowser() *Crawler {
	app.engine.Headless = boolPtr(false)
	return app
}

func (app *Crawler) SetDelay(seconds float64) *Crawler {
	app.engine.DelaySeconds = seconds
	return app
}

func (app *Crawler) SetDelayPreset(name string) *Crawler {
	app.engine.DelayPreset = name
	return app
}

func (app *Crawler) DisableRobots() *Crawler {
	app.engine.RespectRobots = boolPtr(false)
	return app
}
