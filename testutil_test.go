package grocerycrawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://shop.example.test"

// testProfile is the embedded profile pointed at a mock host with zero delays.
func testProfile(t *testing.T, categories ...CategoryDescriptor) *SiteProfile {
	t.Helper()
	p, err := DefaultProfile()
	require.NoError(t, err)
	p.BaseURL = testBaseURL
	p.AllowedHosts = []string{"shop.example.test"}
	if len(categories) == 0 {
		categories = []CategoryDescriptor{{ID: "123", DisplayName: "Bakery", URLSlug: "bakery", Priority: 1}}
	}
	p.Categories = categories
	p.DelayPresets = map[string]DelayProfile{"production": zeroDelays()}
	return p
}

func zeroDelays() DelayProfile {
	return DelayProfile{Base: map[DelayKind]float64{}}
}

func categoryURL(slug, id string) string {
	return fmt.Sprintf("%s/cat/%s/%s", testBaseURL, slug, id)
}

// sleepRecorder replaces real pauses and remembers what was asked for.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == d {
			n++
		}
	}
	return n
}

func newMockClient() (*http.Client, *httpmock.MockTransport) {
	mock := httpmock.NewMockTransport()
	return &http.Client{Transport: mock}, mock
}

func testBrowserConfig() BrowserConfig {
	return BrowserConfig{Provider: ProviderHTTP, Headless: true}
}

func openTestSession(t *testing.T, client *http.Client) *BrowserSession {
	t.Helper()
	s, err := OpenSession(context.Background(), testBrowserConfig(), WithHTTPClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func browserOpener(client *http.Client) BrowserOpener {
	return func(ctx context.Context) (*BrowserSession, error) {
		return OpenSession(ctx, testBrowserConfig(), WithHTTPClient(client))
	}
}

func productTile(name, price, href string) string {
	return fmt.Sprintf(`<div class="co-item">
  <a class="co-item__anchor" href="%s"><h3 class="co-item__title">%s</h3></a>
  <strong class="co-item__price">%s</strong>
</div>`, href, name, price)
}

func listingPage(title string, tiles ...string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><main>%s</main></body></html>`,
		title, strings.Join(tiles, "\n"))
}

const nutritionTable = `<div class="pdp-description-reviews__nutrition-table">
  <table>
    <tr><th>Typical Values</th><th>Per 100g</th></tr>
    <tr><td>Energy</td><td>1030kJ</td><td>243kcal</td></tr>
    <tr><td>Fat</td><td>2.1g</td></tr>
    <tr><td>of which saturates</td><td>0.4g</td></tr>
    <tr><td>Protein</td><td>9.8g</td></tr>
  </table>
</div>`

func productPage(name, nutrition string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1>%s</body></html>`, name, name, nutrition)
}
