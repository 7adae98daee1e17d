package grocerycrawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"
)

// Crawler is the application object: configuration, logger, metrics,
// persistence, proxies and archiving for one site profile.
type Crawler struct {
	Config     *configService
	Name       string
	Profile    *SiteProfile
	Logger     *defaultLogger
	Metrics    *Metrics
	engine     *Engine
	catalog    *CategoryCatalog
	store      ProductStore
	tracker    SessionTracker
	proxies    ProxyPool
	archiver   Archiver
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	closers    []func(ctx context.Context) error
	startTime  time.Time
	started    bool
}

func NewCrawler(profile *SiteProfile, engines ...Engine) *Crawler {
	defaultEngine := getDefaultEngine()
	if len(engines) > 0 {
		eng := engines[0]
		overrideEngineDefaults(&defaultEngine, &eng)
	}
	config := newConfig()
	if p := config.GetString("BROWSER_PROVIDER"); p != "" && (len(engines) == 0 || engines[0].Provider == "") {
		defaultEngine.Provider = p
	}
	if config.isLocalEnv() && (len(engines) == 0 || engines[0].DelayPreset == "") {
		defaultEngine.DelayPreset = "development"
	}

	return &Crawler{
		Config:  config,
		Name:    profile.Name,
		Profile: profile,
		engine:  &defaultEngine,
		Logger:  discardLogger(),
	}
}

// SetHTTPClient is the client used for robots.txt, proxy rotation and the http provider.
func (app *Crawler) SetHTTPClient(c *http.Client) *Crawler {
	app.httpClient = c
	return app
}

// SetSleeper replaces every pacing pause. Tests use it to run instantly.
func (app *Crawler) SetSleeper(fn func(ctx context.Context, d time.Duration) error) *Crawler {
	app.sleep = fn
	return app
}

// Start wires logging, persistence, proxies and archiving from the environment.
func (app *Crawler) Start(ctx context.Context) error {
	if app.started {
		return nil
	}
	app.startTime = time.Now()
	if err := app.setupLogger(ctx); err != nil {
		return err
	}
	app.Metrics = NewMetrics()
	app.Logger.Info("Crawler Started! 🚀 (%s, provider %s)", app.Name, app.engine.Provider)

	if err := app.setupStores(ctx); err != nil {
		return err
	}
	proxies, err := NewProxyPool(ProxyConfig{
		Mode:        app.Config.EnvString("PROXY_MODE", ProxyModeDisabled),
		Servers:     app.Config.GetStringSlice("PROXY_SERVERS"),
		RotationURL: app.Config.GetString("PROXY_ROTATION_URL"),
		RotationTTL: app.Config.GetDuration("PROXY_ROTATION_TTL", 10*time.Second),
	}, app.httpClient, app.Logger)
	if err != nil {
		return err
	}
	app.proxies = proxies
	if err := app.setupArchiver(ctx); err != nil {
		return err
	}

	opts := []CatalogOption{WithCatalogLogger(app.Logger)}
	if app.engine.RespectRobots == nil || *app.engine.RespectRobots {
		ua := app.engine.UserAgent
		if ua == "" && len(app.Profile.Stealth.UserAgents) > 0 {
			ua = app.Profile.Stealth.UserAgents[0]
		}
		gate, err := fetchRobots(ctx, app.httpClient, app.Profile.BaseURL, ua)
		if err != nil {
			app.Logger.Warn("robots.txt unavailable, allowing all paths: %v", err)
		}
		opts = append(opts, withRobots(gate))
	}
	app.catalog = NewCategoryCatalog(app.Profile, opts...)
	app.started = true
	return nil
}

func (app *Crawler) gcpOptions() []option.ClientOption {
	if path := app.Config.GetString("GCP_CREDENTIALS_PATH"); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func (app *Crawler) setupLogger(ctx context.Context) error {
	opts := LogOptions{
		Site:   app.Name,
		Dir:    app.Config.GetString("LOG_DIR"),
		Level:  app.Config.EnvString("LOG_LEVEL", "info"),
		Stdout: true,
	}
	if logID := app.Config.GetString("GCP_LOG_ID"); logID != "" {
		projectID, err := resolveProjectID(app.Config.GetString("GCP_PROJECT_ID"))
		if err != nil {
			return err
		}
		client, err := logging.NewClient(ctx, projectID, app.gcpOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create cloud logging client: %w", err)
		}
		opts.Cloud = client.Logger(logID)
		app.closers = append(app.closers, func(context.Context) error { return client.Close() })
	}
	logger := newDefaultLogger(opts)
	app.Logger = logger
	app.closers = append(app.closers, func(context.Context) error { return logger.Close() })
	return nil
}

func (app *Crawler) setupStores(ctx context.Context) error {
	storeDriver := strings.ToLower(app.Config.EnvString("DB_DRIVER", "memory"))
	trackerDriver := strings.ToLower(app.Config.EnvString("TRACKER_DRIVER", storeDriver))

	var mongoOpts MongoOptions
	if storeDriver == "mongo" || trackerDriver == "mongo" {
		mongoOpts = MongoOptions{
			Username: app.Config.GetString("DB_USERNAME"),
			Password: app.Config.GetString("DB_PASSWORD"),
			Host:     app.Config.EnvString("DB_HOST", "localhost"),
			Port:     app.Config.EnvString("DB_PORT", "27017"),
			Database: app.Config.EnvString("DB_NAME", app.Name),
		}
		client, err := ConnectMongo(ctx, mongoOpts)
		if err != nil {
			return err
		}
		app.closers = append(app.closers, client.Disconnect)
		db := client.Database(mongoOpts.Database)
		if storeDriver == "mongo" {
			store, err := NewMongoStore(ctx, db, app.Logger)
			if err != nil {
				return err
			}
			app.store = store
		}
		if trackerDriver == "mongo" {
			app.tracker = NewMongoTracker(db)
		}
	}

	switch storeDriver {
	case "mongo":
	case "memory":
		app.store = NewMemoryStore()
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (expected mongo|memory)", storeDriver)
	}

	switch trackerDriver {
	case "mongo":
	case "memory":
		app.tracker = NewMemoryTracker()
	case "datastore":
		tracker, err := NewDatastoreTracker(ctx, app.Config.GetString("GCP_PROJECT_ID"), app.gcpOptions()...)
		if err != nil {
			return err
		}
		app.tracker = tracker
		app.closers = append(app.closers, func(context.Context) error { return tracker.Close() })
	default:
		return fmt.Errorf("unknown TRACKER_DRIVER %q (expected mongo|datastore|memory)", trackerDriver)
	}
	app.Logger.Info("persistence: products=%s sessions=%s", storeDriver, trackerDriver)
	return nil
}

func (app *Crawler) setupArchiver(ctx context.Context) error {
	var (
		archiver Archiver
		err      error
	)
	switch driver := strings.ToLower(app.Config.EnvString("ARCHIVE_DRIVER", "none")); driver {
	case "none", "":
		return nil
	case "bigquery":
		archiver, err = NewBigQueryArchiver(ctx,
			app.Config.GetString("GCP_PROJECT_ID"),
			app.Config.EnvString("BIGQUERY_DATASET", "grocerycrawl"),
			app.Config.EnvString("BIGQUERY_TABLE", "failed_pages"),
			app.gcpOptions()...)
	case "bucket":
		archiver, err = NewBucketArchiver(ctx, app.Config.GetString("ARCHIVE_BUCKET"), app.Name, app.gcpOptions()...)
	default:
		return fmt.Errorf("unknown ARCHIVE_DRIVER %q (expected none|bigquery|bucket)", driver)
	}
	if err != nil {
		return err
	}
	app.archiver = archiver
	app.closers = append(app.closers, func(context.Context) error { return archiver.Close() })
	return nil
}

// openBrowser starts one session with the next proxy from the pool.
func (app *Crawler) openBrowser(ctx context.Context) (*BrowserSession, error) {
	cfg := app.engine.browserConfig()
	opts := []SessionOption{
		WithSessionLogger(app.Logger),
		WithSessionMetrics(app.Metrics),
		WithStealthProfile(app.Profile.Stealth),
	}
	if app.archiver != nil {
		opts = append(opts, WithArchiver(app.archiver))
	}
	if app.httpClient != nil {
		opts = append(opts, WithHTTPClient(app.httpClient))
	}
	if app.sleep != nil {
		opts = append(opts, WithSleeper(app.sleep))
	}
	if app.proxies != nil {
		proxy, err := app.proxies.Acquire(ctx)
		if err != nil {
			return nil, &DriverSetupError{Provider: cfg.Provider, Err: fmt.Errorf("acquiring proxy: %w", err)}
		}
		opts = append(opts, WithProxy(proxy))
	}
	return OpenSession(ctx, cfg, opts...)
}

func (app *Crawler) orchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Site:          app.Profile,
		Catalog:       app.catalog,
		Store:         app.store,
		Tracker:       app.tracker,
		OpenBrowser:   app.openBrowser,
		Delays:        app.engine.delayProfile(app.Profile),
		Logger:        app.Logger,
		Metrics:       app.Metrics,
		Recategorizer: NewKeywordRecategorizer(app.catalog.All(), app.Logger),
		Sleep:         app.sleep,
	}
}

var errNotStarted = errors.New("crawler not started")

func (app *Crawler) Orchestrator() (*CrawlOrchestrator, error) {
	if !app.started {
		return nil, errNotStarted
	}
	return NewCrawlOrchestrator(app.orchestratorConfig())
}

func (app *Crawler) Dual() (*DualCrawlCoordinator, error) {
	if !app.started {
		return nil, errNotStarted
	}
	return NewDualCrawlCoordinator(app.orchestratorConfig())
}

// Catalog is nil until Start.
func (app *Crawler) Catalog() *CategoryCatalog {
	return app.catalog
}

func (app *Crawler) Store() ProductStore {
	return app.store
}

// Settings returns run settings seeded from the engine.
func (app *Crawler) Settings() CrawlSettings {
	return app.engine.crawlSettings()
}

// Stop releases everything Start acquired, newest first.
func (app *Crawler) Stop() {
	defer func() {
		if r := recover(); r != nil {
			app.Logger.Error("Recovered in Stop: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	duration := time.Since(app.startTime)
	if app.started {
		app.Logger.Info("Crawler stopped in ⚡ %v", duration)
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](ctx); err != nil {
			app.Logger.Warn("shutdown: %v", err)
		}
	}
	app.closers = nil
	app.started = false
}
