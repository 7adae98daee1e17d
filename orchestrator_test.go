package grocerycrawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	site    *SiteProfile
	store   *MemoryStore
	tracker *MemoryTracker
	mock    *httpmock.MockTransport
	rec     *sleepRecorder
	cfg     OrchestratorConfig
}

func newOrchestratorFixture(t *testing.T, categories ...CategoryDescriptor) *orchestratorFixture {
	t.Helper()
	client, mock := newMockClient()
	f := &orchestratorFixture{
		site:    testProfile(t, categories...),
		store:   NewMemoryStore(),
		tracker: NewMemoryTracker(),
		mock:    mock,
		rec:     &sleepRecorder{},
	}
	f.cfg = OrchestratorConfig{
		Site:        f.site,
		Store:       f.store,
		Tracker:     f.tracker,
		OpenBrowser: browserOpener(client),
		Delays:      zeroDelays(),
		Sleep:       f.rec.sleep,
	}
	return f
}

func (f *orchestratorFixture) orchestrator(t *testing.T) *CrawlOrchestrator {
	t.Helper()
	o, err := NewCrawlOrchestrator(f.cfg)
	require.NoError(t, err)
	return o
}

func offlineSettings() CrawlSettings {
	s := DefaultCrawlSettings()
	s.ValidateCategories = false
	return s
}

func TestListCrawlCountsProducts(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.mock.RegisterResponder("GET", categoryURL("bakery", "123"), httpmock.NewStringResponder(200, bakeryListing("£1.00")))

	session, err := f.orchestrator(t).Run(context.Background(), CrawlList, offlineSettings())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, 2, session.Counters().ProductsFound)
	assert.Equal(t, 1, session.Counters().CategoriesProcessed)
	assert.NotNil(t, session.EndedAt())

	rec, ok := f.tracker.Get(session.ID())
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Counters.ProductsFound)
	assert.Equal(t, 2, f.store.Len())
}

func TestListCrawlRetriesRateLimitedCategory(t *testing.T) {
	cats := fiveCategories()
	f := newOrchestratorFixture(t, cats...)
	f.cfg.Delays = DelayProfile{Base: map[DelayKind]float64{AfterRateLimitDetected: 7}}

	for i, c := range cats {
		page := listingPage(c.DisplayName, productTile(c.DisplayName+" Item", "£1.00", fmt.Sprintf("/product/item/%d", 5000+i)))
		if c.ID != "102" {
			f.mock.RegisterResponder("GET", categoryURL(c.URLSlug, c.ID), httpmock.NewStringResponder(200, page))
			continue
		}
		calls := 0
		f.mock.RegisterResponder("GET", categoryURL(c.URLSlug, c.ID), func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(200, `<html><head><title>Sorry</title></head><body>Too many requests</body></html>`), nil
			}
			return httpmock.NewStringResponse(200, page), nil
		})
	}

	session, err := f.orchestrator(t).Run(context.Background(), CrawlList, offlineSettings())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, 5, session.Counters().CategoriesProcessed)
	assert.Equal(t, 5, session.Counters().ProductsFound)
	assert.Equal(t, 0, session.Counters().Errors)
	assert.Equal(t, 1, f.rec.count(7*time.Second))
	assert.Equal(t, 2, f.mock.GetCallCountInfo()["GET "+categoryURL("chilled-food", "102")])
}

func TestListCrawlAbortsAfterConsecutiveFailures(t *testing.T) {
	f := newOrchestratorFixture(t, fiveCategories()...)
	f.mock.RegisterNoResponder(httpmock.NewStringResponder(500, "down for maintenance"))

	settings := offlineSettings()
	settings.MaxConsecutiveErrors = 2
	session, err := f.orchestrator(t).Run(context.Background(), CrawlList, settings)
	require.Error(t, err)
	assert.ErrorContains(t, err, "aborting after 2 consecutive failures")
	assert.Equal(t, StatusFailed, session.Status())
	assert.Equal(t, 2, session.Counters().Errors)
	assert.Equal(t, 0, session.Counters().CategoriesProcessed)
	assert.Contains(t, session.ErrorLog(), "FAILED:")
}

func TestRunCancelledMidCrawl(t *testing.T) {
	f := newOrchestratorFixture(t, fiveCategories()...)
	f.mock.RegisterNoResponder(httpmock.NewStringResponder(200, listingPage("Aisle", productTile("Thing", "£1.00", "/product/thing/1"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cfg.Sleep = func(c context.Context, _ time.Duration) error {
		cancel()
		return c.Err()
	}

	session, err := f.orchestrator(t).Run(ctx, CrawlList, offlineSettings())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, session.Status())

	rec, ok := f.tracker.Get(session.ID())
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.False(t, rec.EndedAt.IsZero())
}

func TestRunFailsWhenBrowserCannotStart(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cfg.OpenBrowser = func(context.Context) (*BrowserSession, error) {
		return nil, errors.New("chrome executable not found")
	}

	session, err := f.orchestrator(t).Run(context.Background(), CrawlBoth, offlineSettings())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, session.Status())
	assert.Contains(t, session.ErrorLog(), "chrome executable not found")
}

func seedProduct(t *testing.T, store *MemoryStore, id, path string) string {
	t.Helper()
	detailURL := testBaseURL + path
	_, err := store.UpsertProduct(context.Background(), ProductSummary{
		ExternalID: id,
		Name:       "Product " + id,
		Price:      100,
		CategoryID: "123",
		DetailURL:  detailURL,
		InStock:    true,
	})
	require.NoError(t, err)
	return detailURL
}

func TestDetailCrawlFillsNutritionBacklog(t *testing.T) {
	f := newOrchestratorFixture(t)
	withTable := seedProduct(t, f.store, "910000123456", "/product/toastie/910000123456")
	without := seedProduct(t, f.store, "910000000777", "/product/kitchen-roll/910000000777")
	f.mock.RegisterResponder("GET", withTable, httpmock.NewStringResponder(200, productPage("Toastie", nutritionTable)))
	f.mock.RegisterResponder("GET", without, httpmock.NewStringResponder(200, productPage("Kitchen Roll", "<p>3 ply</p>")))

	o := f.orchestrator(t)
	session, err := o.Run(context.Background(), CrawlDetail, offlineSettings())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, 1, session.Counters().NutritionFound)
	assert.Equal(t, 1, session.Counters().NutritionMissing)

	rec, ok := f.store.Nutrition("910000123456")
	require.True(t, ok)
	assert.Equal(t, "243", rec.Nutrients["Energy (kcal)"])

	// Fresh nutrition is skipped next time unless a recrawl is forced.
	_, err = o.Run(context.Background(), CrawlDetail, offlineSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, f.mock.GetCallCountInfo()["GET "+withTable])

	forced := offlineSettings()
	forced.ForceRecrawl = true
	_, err = o.Run(context.Background(), CrawlDetail, forced)
	require.NoError(t, err)
	assert.Equal(t, 2, f.mock.GetCallCountInfo()["GET "+withTable])
	assert.Equal(t, 3, f.mock.GetCallCountInfo()["GET "+without])
}

func TestBothCrawlListsThenExtracts(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.mock.RegisterResponder("GET", categoryURL("bakery", "123"), httpmock.NewStringResponder(200, bakeryListing("£1.00")))
	f.mock.RegisterResponder("GET", testBaseURL+"/product/warburtons-toastie/910000123456",
		httpmock.NewStringResponder(200, productPage("Toastie", nutritionTable)))
	f.mock.RegisterResponder("GET", testBaseURL+"/product/croissants/910000654321",
		httpmock.NewStringResponder(200, productPage("Croissants", nutritionTable)))

	session, err := f.orchestrator(t).Run(context.Background(), CrawlBoth, offlineSettings())
	require.NoError(t, err)
	c := session.Counters()
	assert.Equal(t, 1, c.CategoriesProcessed)
	assert.Equal(t, 2, c.ProductsFound)
	assert.Equal(t, 2, c.NutritionFound)
	assert.Equal(t, StatusCompleted, session.Status())
}

func TestNewCrawlOrchestratorNeedsCollaborators(t *testing.T) {
	_, err := NewCrawlOrchestrator(OrchestratorConfig{Site: testProfile(t)})
	assert.Error(t, err)
}

func TestNewCrawlOrchestratorDefaultsLoggerForCatalog(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cfg.Logger = nil
	f.cfg.Catalog = nil
	f.mock.RegisterResponder("GET", categoryURL("bakery", "123"), httpmock.NewStringResponder(200, bakeryListing("£1.00")))

	o := f.orchestrator(t)
	require.NotNil(t, o.cfg.Catalog.logger)

	session, err := o.Run(context.Background(), CrawlList, offlineSettings())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, 2, session.Counters().ProductsFound)
}

// failingTracker fails exactly one Save, counted from the Create write.
type failingTracker struct {
	inner  *MemoryTracker
	failAt int
	saves  int
}

func (t *failingTracker) Create(ctx context.Context, crawlType CrawlType, settings map[string]interface{}) (*CrawlSession, error) {
	s := newCrawlSession(fmt.Sprintf("session-%d", t.failAt), crawlType, settings, t, time.Now)
	if err := t.Save(ctx, s.Snapshot()); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *failingTracker) Save(ctx context.Context, rec SessionRecord) error {
	t.saves++
	if t.saves == t.failAt {
		return errors.New("tracker unavailable")
	}
	return t.inner.Save(ctx, rec)
}

func TestRunFailsWhenSessionCannotStart(t *testing.T) {
	f := newOrchestratorFixture(t)
	tracker := &failingTracker{inner: f.tracker, failAt: 2}
	f.cfg.Tracker = tracker

	session, err := f.orchestrator(t).Run(context.Background(), CrawlList, offlineSettings())
	require.ErrorContains(t, err, "tracker unavailable")
	assert.Equal(t, StatusFailed, session.Status())
	assert.NotNil(t, session.EndedAt())
	assert.Zero(t, f.mock.GetTotalCallCount())

	rec, ok := f.tracker.Get(session.ID())
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
}
