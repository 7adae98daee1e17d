package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lazuli-inc/grocerycrawler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exitCompleted = 0
	exitFailed    = 1
	exitCancelled = 2
)

const usage = `usage: grocerycrawl <list|detail|both|dual|categories> [flags]

Run "grocerycrawl <command> -h" for the flags of a command.
`

type options struct {
	maxProducts   int
	maxCategories int
	maxNutrition  int
	maxPages      int
	priority      int
	categories    string
	delay         float64
	headless      bool
	showBrowser   bool
	forceRecrawl  bool
	dryRun        bool
	noValidate    bool
	recategorize  bool
	profile       string
	provider      string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitFailed
	}
	command := strings.ToLower(args[0])
	switch command {
	case "list", "detail", "both", "dual", "categories":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", args[0], usage)
		return exitFailed
	}

	opts, err := parseOptions(command, args[1:])
	if err != nil {
		return exitFailed
	}

	profile, err := grocerycrawler.LoadProfile(opts.profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading site profile: %v\n", err)
		return exitFailed
	}
	engine := grocerycrawler.Engine{Provider: opts.provider, DelaySeconds: opts.delay}
	if opts.showBrowser || !opts.headless {
		headless := false
		engine.Headless = &headless
	}
	crawler := grocerycrawler.NewCrawler(profile, engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := crawler.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "starting crawler: %v\n", err)
		return exitFailed
	}
	defer crawler.Stop()
	go func() {
		<-ctx.Done()
		crawler.Logger.Warn("⚠️ shutdown signal received, finishing the current page")
	}()

	if addr := crawler.Config.GetString("METRICS_ADDR"); addr != "" {
		server := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(crawler.Metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				crawler.Logger.Error("metrics server failed: %v", err)
			}
		}()
		defer server.Close()
		crawler.Logger.Info("metrics on %s/metrics", addr)
	}

	settings := crawler.Settings()
	applyOptions(&settings, opts)

	switch command {
	case "categories":
		return listCategories(ctx, crawler, settings)
	case "dual":
		return runDual(ctx, crawler, settings, opts)
	default:
		crawlType, _ := grocerycrawler.ParseCrawlType(command)
		orch, err := crawler.Orchestrator()
		if err != nil {
			crawler.Logger.Error("%v", err)
			return exitFailed
		}
		session, err := orch.Run(ctx, crawlType, settings)
		if session == nil {
			crawler.Logger.Error("%v", err)
			return exitFailed
		}
		return report(session, err)
	}
}

func parseOptions(command string, args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.IntVar(&opts.maxProducts, "max-products", 0, "maximum products (detail backlog, or list side in dual mode)")
	fs.IntVar(&opts.maxCategories, "max-categories", 0, "maximum categories to crawl")
	fs.IntVar(&opts.maxNutrition, "max-nutrition", 0, "maximum detail pages in dual mode")
	fs.IntVar(&opts.maxPages, "max-pages", 0, "maximum listing pages per category")
	fs.IntVar(&opts.priority, "priority", 0, "only categories with priority <= this value")
	fs.StringVar(&opts.categories, "category", "", "comma separated category ids or slugs")
	fs.Float64Var(&opts.delay, "delay", 0, "base delay in seconds between requests and products")
	fs.BoolVar(&opts.headless, "headless", true, "run the browser headless")
	fs.BoolVar(&opts.showBrowser, "show-browser", false, "show the browser window")
	fs.BoolVar(&opts.forceRecrawl, "force-recrawl", false, "treat all nutrition as stale")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "extract without writing to the store")
	fs.BoolVar(&opts.noValidate, "no-validate", false, "skip live category validation")
	fs.BoolVar(&opts.recategorize, "recategorize", false, "reassign products to categories by name keywords")
	fs.StringVar(&opts.profile, "profile", os.Getenv("SITE_PROFILE"), "path to a site profile YAML")
	fs.StringVar(&opts.provider, "provider", "", "browser provider: rod, playwright or http")
	err := fs.Parse(args)
	return opts, err
}

func applyOptions(s *grocerycrawler.CrawlSettings, opts options) {
	s.MaxProducts = opts.maxProducts
	s.MaxCategories = opts.maxCategories
	s.PriorityThreshold = opts.priority
	s.ForceRecrawl = opts.forceRecrawl
	s.DryRun = opts.dryRun
	s.Recategorize = opts.recategorize
	if opts.maxPages > 0 {
		s.MaxPagesPerCategory = opts.maxPages
	}
	if opts.noValidate {
		s.ValidateCategories = false
	}
	for _, c := range strings.Split(opts.categories, ",") {
		if c = strings.TrimSpace(c); c != "" {
			s.CategoryFilter = append(s.CategoryFilter, c)
		}
	}
}

func runDual(ctx context.Context, crawler *grocerycrawler.Crawler, settings grocerycrawler.CrawlSettings, opts options) int {
	coordinator, err := crawler.Dual()
	if err != nil {
		crawler.Logger.Error("%v", err)
		return exitFailed
	}
	go func() {
		<-ctx.Done()
		coordinator.Stop()
	}()
	dual := grocerycrawler.DualSettings{CrawlSettings: settings, MaxProducts: opts.maxProducts, MaxNutrition: opts.maxNutrition}
	dual.CrawlSettings.MaxProducts = 0
	session, stats, err := coordinator.Run(ctx, dual)
	if session == nil {
		crawler.Logger.Error("%v", err)
		return exitFailed
	}
	fmt.Printf("list context:   %d products, %d errors\n", stats.Products.Processed, stats.Products.Counters.Errors)
	fmt.Printf("detail context: %d visited, %d errors, %d left in queue\n", stats.Nutrition.Processed, stats.Nutrition.Counters.Errors, stats.Unvisited)
	return report(session, err)
}

func listCategories(ctx context.Context, crawler *grocerycrawler.Crawler, settings grocerycrawler.CrawlSettings) int {
	catalog := crawler.Catalog()
	descriptors, err := catalog.Discover(ctx, grocerycrawler.DiscoverOptions{
		MaxCount:          settings.MaxCategories,
		PriorityThreshold: settings.PriorityThreshold,
		Filter:            settings.CategoryFilter,
	})
	if err != nil {
		crawler.Logger.Error("%v", err)
		return exitFailed
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tNAME\tPRODUCTS\tURL")
	for _, d := range descriptors {
		count, err := crawler.Store().CategoryProductCount(ctx, d.ID)
		if err != nil {
			crawler.Logger.Warn("counting %s: %v", d.ID, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", d.ID, d.Priority, d.DisplayName, count, catalog.ResolveURL(d))
	}
	if err := w.Flush(); err != nil {
		return exitFailed
	}
	return exitCompleted
}

// report prints the final counters and maps the session status to an exit code.
func report(session *grocerycrawler.CrawlSession, err error) int {
	c := session.Counters()
	fmt.Printf("session %s: %s\n", session.ID(), session.Status())
	fmt.Printf("  categories processed: %d\n", c.CategoriesProcessed)
	fmt.Printf("  products found:       %d\n", c.ProductsFound)
	fmt.Printf("  products updated:     %d\n", c.ProductsUpdated)
	fmt.Printf("  nutrition found:      %d\n", c.NutritionFound)
	fmt.Printf("  nutrition missing:    %d\n", c.NutritionMissing)
	fmt.Printf("  errors:               %d\n", c.Errors)
	code := exitCode(session.Status())
	if code == exitFailed {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if log := session.ErrorLog(); log != "" {
			fmt.Fprintln(os.Stderr, log)
		}
	}
	return code
}

// exitCode is 0 for a completed session, 2 for a cancelled one and 1 otherwise.
func exitCode(status grocerycrawler.SessionStatus) int {
	switch status {
	case grocerycrawler.StatusCompleted:
		return exitCompleted
	case grocerycrawler.StatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}
