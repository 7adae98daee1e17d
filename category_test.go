package grocerycrawler

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiveCategories() []CategoryDescriptor {
	return []CategoryDescriptor{
		{ID: "101", DisplayName: "Bakery", URLSlug: "bakery", Priority: 1},
		{ID: "102", DisplayName: "Chilled Food", URLSlug: "chilled-food", Priority: 1},
		{ID: "103", DisplayName: "Frozen Food", URLSlug: "frozen-food", Priority: 2},
		{ID: "104", DisplayName: "Drinks", URLSlug: "drinks", Priority: 2},
		{ID: "105", DisplayName: "World Food", URLSlug: "world-food", Priority: 3},
	}
}

func TestResolveURL(t *testing.T) {
	c := NewCategoryCatalog(testProfile(t))
	assert.Equal(t, testBaseURL+"/cat/bakery/123", c.ResolveURL(CategoryDescriptor{ID: "123", URLSlug: "bakery"}))
	assert.Equal(t, testBaseURL+"/cat/bakery/bread/456", c.ResolveURL(CategoryDescriptor{ID: "456", URLSlug: "/bakery/bread/"}))
	assert.Empty(t, c.ResolveURL(CategoryDescriptor{URLSlug: "bakery"}), "template needs an id")
	assert.Empty(t, c.ResolveURL(CategoryDescriptor{}))
}

func TestResolveURLHonoursRobots(t *testing.T) {
	gate, err := newRobotsGate([]byte("User-agent: *\nDisallow: /cat/drinks/\n"), "grocerycrawl")
	require.NoError(t, err)
	c := NewCategoryCatalog(testProfile(t), withRobots(gate))

	assert.Empty(t, c.ResolveURL(CategoryDescriptor{ID: "1", URLSlug: "drinks"}))
	assert.NotEmpty(t, c.ResolveURL(CategoryDescriptor{ID: "2", URLSlug: "bakery"}))
}

func TestDiscoverWithoutSessionOrdersByPriority(t *testing.T) {
	site := testProfile(t, fiveCategories()...)
	site.Categories[0], site.Categories[4] = site.Categories[4], site.Categories[0]
	c := NewCategoryCatalog(site)

	got, err := c.Discover(context.Background(), DiscoverOptions{MaxCount: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Priority, got[i].Priority)
	}
	for _, d := range got {
		assert.True(t, d.Active)
	}
	assert.Len(t, c.Active(), 3)
}

func TestDiscoverPriorityThresholdAndFilter(t *testing.T) {
	c := NewCategoryCatalog(testProfile(t, fiveCategories()...))

	got, err := c.Discover(context.Background(), DiscoverOptions{PriorityThreshold: 1})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = c.Discover(context.Background(), DiscoverOptions{Filter: []string{"drinks", "105"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "104", got[0].ID)
	assert.Equal(t, "105", got[1].ID)
}

// landingTransport rewrites where a response claims to come from, the way a
// followed redirect does.
type landingTransport struct {
	next     http.RoundTripper
	landings map[string]string
}

func (l *landingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := l.next.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if to, ok := l.landings[req.URL.String()]; ok {
		landed := req.Clone(req.Context())
		landed.URL, _ = url.Parse(to)
		resp.Request = landed
	}
	return resp, nil
}

func TestDiscoverValidatesLivePages(t *testing.T) {
	site := testProfile(t, fiveCategories()...)
	client, mock := newMockClient()
	ok := listingPage("Bakery", productTile("White Bread", "£1.00", "/product/bread/1"))
	mock.RegisterResponder("GET", categoryURL("bakery", "101"), httpmock.NewStringResponder(200, ok))
	mock.RegisterResponder("GET", categoryURL("chilled-food", "102"),
		httpmock.NewStringResponder(200, `<html><head><title>Page Not Found</title></head><body>Oops</body></html>`))
	mock.RegisterResponder("GET", categoryURL("frozen-food", "103"), httpmock.NewStringResponder(404, "gone"))
	mock.RegisterResponder("GET", categoryURL("drinks", "104"),
		httpmock.NewStringResponder(200, `<html><head><title>Home</title></head><body>Welcome</body></html>`))
	client.Transport = &landingTransport{next: mock, landings: map[string]string{
		categoryURL("drinks", "104"): testBaseURL + "/home",
	}}
	mock.RegisterResponder("GET", categoryURL("world-food", "105"), httpmock.NewStringResponder(200, ok))

	rec := &sleepRecorder{}
	delay := NewDelayManager(DelayProfile{Base: map[DelayKind]float64{BetweenSubcategories: 3}}, nil, WithDelaySleeper(rec.sleep))
	c := NewCategoryCatalog(site)
	got, err := c.Discover(context.Background(), DiscoverOptions{Session: openTestSession(t, client), Delay: delay})
	require.NoError(t, err)

	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"101", "105"}, ids)
	assert.Equal(t, 4, rec.count(3*time.Second))
}

func TestDiscoverSkipsPromotionalAndFailsWhenEmpty(t *testing.T) {
	site := testProfile(t,
		CategoryDescriptor{ID: "201", DisplayName: "Summer Rollback", URLSlug: "summer-rollback", Priority: 1},
		CategoryDescriptor{ID: "202", DisplayName: "Weekly Offers", URLSlug: "offers", Priority: 1},
	)
	c := NewCategoryCatalog(site)
	_, err := c.Discover(context.Background(), DiscoverOptions{})
	assert.ErrorIs(t, err, ErrNoActiveCategories)
	assert.Empty(t, c.Active())
}

func TestCatalogLookupAndFilter(t *testing.T) {
	c := NewCategoryCatalog(testProfile(t, fiveCategories()...))
	d, ok := c.Lookup("103")
	require.True(t, ok)
	assert.Equal(t, "Frozen Food", d.DisplayName)
	_, ok = c.Lookup("999")
	assert.False(t, ok)

	assert.Len(t, c.Filter([]string{"Frozen Food", "BAKERY"}), 2)
	assert.Empty(t, c.Filter([]string{" "}))
}

func TestCatalogKeepsLoggerWhenGivenNil(t *testing.T) {
	c := NewCategoryCatalog(testProfile(t, fiveCategories()...), WithCatalogLogger(nil))
	require.NotNil(t, c.logger)
	got, err := c.Discover(context.Background(), DiscoverOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestValidateRejectsThinPages(t *testing.T) {
	site := testProfile(t)
	site.MinCategoryText = 10
	client, mock := newMockClient()
	mock.RegisterResponder("GET", categoryURL("bakery", "123"),
		httpmock.NewStringResponder(200, `<html><head><title>Bakery</title></head><body>  </body></html>`))
	mock.RegisterResponder("GET", categoryURL("bakery", "124"),
		httpmock.NewStringResponder(200, listingPage("Bakery", productTile("White Bread", "£1.00", "/product/bread/1"))))

	c := NewCategoryCatalog(site)
	s := openTestSession(t, client)
	assert.False(t, c.Validate(context.Background(), s, categoryURL("bakery", "123")))
	assert.True(t, c.Validate(context.Background(), s, categoryURL("bakery", "124")))
}

func TestPageStateLooksReal(t *testing.T) {
	assert.True(t, PageState{CurrentURL: categoryURL("bakery", "1"), BodyTextLength: 12}.LooksReal(10))
	assert.False(t, PageState{CurrentURL: categoryURL("bakery", "1"), BodyTextLength: 9}.LooksReal(10))
	assert.False(t, PageState{BodyTextLength: 50}.LooksReal(0))
}
