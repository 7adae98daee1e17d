package grocerycrawler

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productURL = testBaseURL + "/product/warburtons-toastie/910000123456"

func newTestDetailExtractor(t *testing.T, site *SiteProfile) *DetailExtractor {
	t.Helper()
	rec := &sleepRecorder{}
	delay := NewDelayManager(site.DelayPreset("production"), site.RateLimitPhrases, WithDelaySleeper(rec.sleep))
	e, err := NewDetailExtractor(site, ExtractorDeps{
		Delay:   delay,
		Consent: NewConsentDismisser(site.Consent, WithConsentSleeper(rec.sleep)),
	})
	require.NoError(t, err)
	return e
}

func TestExtractNutritionStructuredTable(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(200, productPage("Toastie White Bread", nutritionTable)))

	e := newTestDetailExtractor(t, site)
	rec, err := e.ExtractNutritionRecord(context.Background(), openTestSession(t, client), productURL, "910000123456")
	require.NoError(t, err)
	require.True(t, rec.Found())

	assert.Equal(t, MethodStructuredTable, rec.ExtractionMethod)
	assert.Equal(t, "910000123456", rec.ProductID)
	assert.Equal(t, productURL, rec.SourceURL)
	assert.Equal(t, map[string]string{
		"Energy (kJ)":   "1030",
		"Energy (kcal)": "243",
		"fat":           "2.1g",
		"saturated_fat": "0.4g",
		"protein":       "9.8g",
	}, rec.Nutrients)
}

func TestExtractNutritionReturnsNilWithoutNutrition(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(200,
		productPage("Kitchen Roll", `<p>Super absorbent, 3 ply.</p>`)))

	e := newTestDetailExtractor(t, site)
	nutrients, err := e.ExtractNutrition(context.Background(), openTestSession(t, client), productURL)
	require.NoError(t, err)
	assert.Nil(t, nutrients)
}

func TestExtractNutritionUnavailableProduct(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(200,
		productPage("Toastie", `<div data-testid="product-unavailable-message">Sorry, this product is no longer sold</div>`+nutritionTable)))

	e := newTestDetailExtractor(t, site)
	rec, err := e.ExtractNutritionRecord(context.Background(), openTestSession(t, client), productURL, "1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestExtractNutritionReturnsToOrigin(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	listing := categoryURL("bakery", "123")
	mock.RegisterResponder("GET", listing, httpmock.NewStringResponder(200, bakeryListing("£1.00")))
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(200, productPage("Toastie", nutritionTable)))

	s := openTestSession(t, client)
	ctx := context.Background()
	_, err := s.Navigate(ctx, listing)
	require.NoError(t, err)

	e := newTestDetailExtractor(t, site)
	rec, err := e.ExtractNutritionRecord(ctx, s, productURL, "910000123456")
	require.NoError(t, err)
	require.True(t, rec.Found())
	assert.Equal(t, listing, s.CurrentURL())
	assert.Equal(t, 2, mock.GetCallCountInfo()["GET "+listing])
}

func TestExtractNutritionReturnsToOriginOnFailure(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	listing := categoryURL("bakery", "123")
	mock.RegisterResponder("GET", listing, httpmock.NewStringResponder(200, bakeryListing("£1.00")))
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(500, "boom"))

	s := openTestSession(t, client)
	ctx := context.Background()
	_, err := s.Navigate(ctx, listing)
	require.NoError(t, err)

	e := newTestDetailExtractor(t, site)
	_, err = e.ExtractNutritionRecord(ctx, s, productURL, "910000123456")
	var nav *NavigationError
	require.ErrorAs(t, err, &nav)
	assert.Equal(t, listing, s.CurrentURL())
}

func TestChainedLookupsDoNotBounceBack(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	second := testBaseURL + "/product/croissants/910000654321"
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(200, productPage("Toastie", nutritionTable)))
	mock.RegisterResponder("GET", second, httpmock.NewStringResponder(200, productPage("Croissants", nutritionTable)))

	s := openTestSession(t, client)
	e := newTestDetailExtractor(t, site)
	ctx := context.Background()
	_, err := e.ExtractNutritionChained(ctx, s, productURL, "1")
	require.NoError(t, err)
	_, err = e.ExtractNutritionChained(ctx, s, second, "2")
	require.NoError(t, err)

	assert.Equal(t, 1, mock.GetCallCountInfo()["GET "+productURL])
	assert.Equal(t, second, s.CurrentURL())
}

func TestLookupReturnsToPreviouslyVisitedProduct(t *testing.T) {
	site := testProfile(t)
	client, mock := newMockClient()
	second := testBaseURL + "/product/croissants/910000654321"
	mock.RegisterResponder("GET", productURL, httpmock.NewStringResponder(200, productPage("Toastie", nutritionTable)))
	mock.RegisterResponder("GET", second, httpmock.NewStringResponder(200, productPage("Croissants", nutritionTable)))

	s := openTestSession(t, client)
	e := newTestDetailExtractor(t, site)
	ctx := context.Background()
	_, err := e.ExtractNutritionRecord(ctx, s, productURL, "1")
	require.NoError(t, err)
	require.Equal(t, productURL, s.CurrentURL())

	// The caller now works from the first product page and looks up a second one.
	_, err = e.ExtractNutritionRecord(ctx, s, second, "2")
	require.NoError(t, err)
	assert.Equal(t, productURL, s.CurrentURL())
	assert.Equal(t, 2, mock.GetCallCountInfo()["GET "+productURL])
}

func parseFragment(t *testing.T, body string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + body + "</body></html>"))
	require.NoError(t, err)
	return doc
}

func testNutritionParser(t *testing.T) *nutritionParser {
	t.Helper()
	p, err := newNutritionParser(testProfile(t).Detail)
	require.NoError(t, err)
	return p
}

func TestNutritionLineHeuristic(t *testing.T) {
	p := testNutritionParser(t)
	doc := parseFragment(t, `<div class="product-nutrition">
  <p>Energy</p><p>1046kJ</p><p>250kcal</p>
  <p>Fat: 3.2g</p>
  <p>Carbohydrate</p><p>45.1g</p>
  <p>Salt 0.98g</p>
</div>`)

	got, method := p.extract(doc)
	assert.Equal(t, MethodLineHeuristic, method)
	assert.Equal(t, "1046", got["Energy (kJ)"])
	assert.Equal(t, "250", got["Energy (kcal)"])
	assert.Equal(t, "3.2g", got["fat"])
	assert.Equal(t, "45.1g", got["carbohydrate"])
	assert.Equal(t, "0.98g", got["salt"])
}

func TestNutritionTextMarkerFallback(t *testing.T) {
	p := testNutritionParser(t)
	doc := parseFragment(t, `<section><h2>Nutritional Values</h2>
  <p>Energy 1560kJ / 372kcal</p>
  <p>Protein 12g</p>
</section>`)

	got, method := p.extract(doc)
	assert.NotEmpty(t, method)
	assert.Equal(t, "1560", got["Energy (kJ)"])
	assert.Equal(t, "372", got["Energy (kcal)"])
	assert.Equal(t, "12g", got["protein"])
}

func TestNutritionContainerNeedsKeyword(t *testing.T) {
	p := testNutritionParser(t)
	doc := parseFragment(t, `<div class="nutrition-information">Information coming soon</div>`)
	got, method := p.extract(doc)
	assert.Empty(t, got)
	assert.Empty(t, method)
}

func TestNutritionCanonicalLabels(t *testing.T) {
	p := testNutritionParser(t)
	tests := map[string]string{
		"Of which Saturates": "saturated_fat",
		"Total Fat:":         "fat",
		"Dietary Fibre":      "fibre",
		"of which sugars":    "sugars",
		"Salt":               "salt",
	}
	for label, want := range tests {
		got, ok := p.canonical(label)
		require.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}
	_, ok := p.canonical("Fatty acids profile")
	assert.False(t, ok)
}
