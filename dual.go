package grocerycrawler

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type DualSettings struct {
	CrawlSettings
	// MaxProducts caps what the list side collects across all categories.
	MaxProducts int
	// MaxNutrition caps how many queued products the detail side visits.
	MaxNutrition int
}

type contextFailure struct {
	where string
	err   error
}

// ContextStats are the counters of one execution context. Only the owning
// goroutine writes them; the coordinator reads them after the join.
type ContextStats struct {
	Name      string
	Counters  SessionCounters
	Processed int
	failures  []contextFailure
}

func (s *ContextStats) Apply(_ context.Context, delta SessionCounters) error {
	s.Counters = s.Counters.Add(delta)
	return nil
}

func (s *ContextStats) RecordError(_ context.Context, where string, err error) error {
	s.Counters.Errors++
	s.failures = append(s.failures, contextFailure{where: where, err: err})
	return nil
}

// Failures lists the recorded item failures in order.
func (s *ContextStats) Failures() []string {
	out := make([]string, len(s.failures))
	for i, f := range s.failures {
		out[i] = fmt.Sprintf("%s: %v", f.where, f.err)
	}
	return out
}

type DualStats struct {
	Products  ContextStats
	Nutrition ContextStats
	// Unvisited is how many queued products the detail side never reached.
	Unvisited int
}

// DualCrawlCoordinator runs a list context and a detail context side by
// side, each with its own browser, joined through a WorkQueue.
type DualCrawlCoordinator struct {
	orch *CrawlOrchestrator
	stop atomic.Bool
}

func NewDualCrawlCoordinator(cfg OrchestratorConfig) (*DualCrawlCoordinator, error) {
	orch, err := NewCrawlOrchestrator(cfg)
	if err != nil {
		return nil, err
	}
	return &DualCrawlCoordinator{orch: orch}, nil
}

// Stop asks both contexts to finish their current navigation and return.
func (d *DualCrawlCoordinator) Stop() {
	d.stop.Store(true)
}

func (d *DualCrawlCoordinator) stopped() bool {
	return d.stop.Load()
}

// Run crawls listings and nutrition concurrently under one BOTH session.
func (d *DualCrawlCoordinator) Run(ctx context.Context, settings DualSettings) (*CrawlSession, DualStats, error) {
	cfg := d.orch.cfg
	stats := DualStats{Products: ContextStats{Name: "list"}, Nutrition: ContextStats{Name: "detail"}}

	recorded := settings.CrawlSettings.asMap()
	recorded["max_products"] = settings.MaxProducts
	recorded["max_nutrition"] = settings.MaxNutrition
	recorded["mode"] = "dual"
	session, err := cfg.Tracker.Create(ctx, CrawlBoth, recorded)
	if err != nil {
		return nil, stats, fmt.Errorf("creating crawl session: %w", err)
	}
	session.SetLogger(cfg.Logger)
	if err := session.Start(ctx); err != nil {
		return session, stats, d.orch.finish(ctx, session, err)
	}
	cfg.Logger.Info("🚀 dual crawl started (session %s)", session.ID())

	queue := NewWorkQueue(cfg.Metrics)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer queue.Close()
		return d.runList(gctx, queue, settings, &stats.Products)
	})
	g.Go(func() error {
		return d.runDetail(gctx, queue, settings, &stats.Nutrition)
	})
	runErr := g.Wait()

	queue.Close()
	if left := queue.Drain(); len(left) > 0 {
		stats.Unvisited = len(left)
		cfg.Logger.Info("%d queued products left for a later detail crawl", len(left))
	}
	d.aggregate(ctx, session, &stats)
	return session, stats, d.orch.finish(ctx, session, runErr)
}

// aggregate folds both contexts' counters into the session in one step each.
func (d *DualCrawlCoordinator) aggregate(ctx context.Context, session *CrawlSession, stats *DualStats) {
	persistCtx := context.WithoutCancel(ctx)
	for _, cs := range []*ContextStats{&stats.Products, &stats.Nutrition} {
		delta := cs.Counters
		delta.Errors = 0
		if err := session.Apply(persistCtx, delta); err != nil {
			d.orch.cfg.Logger.Warn("aggregating %s counters: %v", cs.Name, err)
		}
		for _, f := range cs.failures {
			if err := session.RecordError(persistCtx, cs.Name+" "+f.where, f.err); err != nil {
				d.orch.cfg.Logger.Warn("aggregating %s errors: %v", cs.Name, err)
			}
		}
	}
}

func (d *DualCrawlCoordinator) openContext(ctx context.Context, name string, settings CrawlSettings) (*crawlContext, error) {
	browser, err := d.orch.cfg.OpenBrowser(ctx)
	if err != nil {
		return nil, err
	}
	cc, err := d.orch.newContext(name, browser, settings)
	if err != nil {
		browser.Close()
		return nil, err
	}
	cc.stop = d.stopped
	return cc, nil
}

func (d *DualCrawlCoordinator) closeContext(cc *crawlContext) {
	if err := cc.browser.Close(); err != nil {
		cc.logger.Warn("closing %s browser: %v", cc.name, err)
	}
}

func (d *DualCrawlCoordinator) runList(ctx context.Context, queue *WorkQueue, settings DualSettings, stats *ContextStats) error {
	cc, err := d.openContext(ctx, "list", settings.CrawlSettings)
	if err != nil {
		return err
	}
	defer d.closeContext(cc)

	enqueue := func(p ProductSummary) {
		stats.Processed++
		if p.DetailURL == "" {
			return
		}
		entry := WorkQueueEntry{
			DetailURL:     p.DetailURL,
			ProductID:     p.ExternalID,
			CategoryID:    p.CategoryID,
			PriorityScore: d.priorityScore(p.CategoryID),
		}
		if _, err := queue.Enqueue(entry); err != nil {
			cc.logger.Debug("enqueue %s: %v", p.DetailURL, err)
		}
	}
	return d.orch.listLoop(ctx, cc, stats, settings.CrawlSettings, settings.MaxProducts, enqueue)
}

// priorityScore favours products from high-priority (low number) categories.
func (d *DualCrawlCoordinator) priorityScore(categoryID string) int {
	cat, ok := d.orch.cfg.Catalog.Lookup(categoryID)
	if !ok {
		return 0
	}
	if score := 100 - cat.Priority; score > 0 {
		return score
	}
	return 0
}

func (d *DualCrawlCoordinator) runDetail(ctx context.Context, queue *WorkQueue, settings DualSettings, stats *ContextStats) error {
	cc, err := d.openContext(ctx, "detail", settings.CrawlSettings)
	if err != nil {
		return err
	}
	defer d.closeContext(cc)

	consecutive := 0
	for {
		if err := cc.stopped(ctx); err != nil {
			return err
		}
		if settings.MaxNutrition > 0 && stats.Processed >= settings.MaxNutrition {
			cc.logger.Info("nutrition cap %d reached", settings.MaxNutrition)
			return nil
		}
		entry, ok := queue.TryDequeue()
		if !ok {
			if queue.Closed() && queue.Len() == 0 {
				return nil
			}
			if _, err := cc.delay.Wait(ctx, QueuePoll); err != nil {
				return err
			}
			continue
		}
		if stats.Processed > 0 {
			if _, err := cc.delay.Wait(ctx, BetweenProducts); err != nil {
				return err
			}
		}
		done, err := d.orch.processDetail(ctx, cc, stats, entry.ProductID, entry.DetailURL, settings.CrawlSettings)
		if err != nil {
			return err
		}
		stats.Processed++
		if done {
			consecutive = 0
			continue
		}
		consecutive++
		if limit := settings.MaxConsecutiveErrors; limit > 0 && consecutive >= limit {
			return fmt.Errorf("aborting detail context after %d consecutive product failures", consecutive)
		}
	}
}
