package grocerycrawler

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDriverSendsFingerprintHeaders(t *testing.T) {
	client, mock := newMockClient()
	var seen []http.Header
	respond := func(body string) httpmock.Responder {
		return func(req *http.Request) (*http.Response, error) {
			seen = append(seen, req.Header.Clone())
			return httpmock.NewStringResponse(200, body), nil
		}
	}
	mock.RegisterResponder("GET", testBaseURL+"/", respond(`<html><head><title> Home </title></head><body><a id="bakery" href="/cat/bakery/123">Bakery</a></body></html>`))
	mock.RegisterResponder("GET", categoryURL("bakery", "123"), respond(listingPage("Bakery")))

	ctx := context.Background()
	d, err := newHTTPDriver(ctx, DriverOptions{
		HTTPClient:  client,
		Fingerprint: Fingerprint{UserAgent: "grocerycrawl-test/1.0", Languages: []string{"en-GB", "en"}},
	})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Navigate(ctx, testBaseURL+"/"))
	info, err := d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Home", info.Title)

	links, err := d.Elements(ctx, "a#bakery")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NoError(t, links[0].Click(ctx))

	info, err = d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, categoryURL("bakery", "123"), info.URL)

	require.Len(t, seen, 2)
	assert.Equal(t, "grocerycrawl-test/1.0", seen[0].Get("User-Agent"))
	assert.Contains(t, seen[0].Get("Accept-Language"), "en-GB")
	assert.Empty(t, seen[0].Get("Referer"))
	assert.Equal(t, testBaseURL+"/", seen[1].Get("Referer"))
}

func TestHTTPDriverRejectsErrorStatus(t *testing.T) {
	client, mock := newMockClient()
	mock.RegisterResponder("GET", testBaseURL+"/gone", httpmock.NewStringResponder(410, "gone"))

	d, err := newHTTPDriver(context.Background(), DriverOptions{HTTPClient: client})
	require.NoError(t, err)
	err = d.Navigate(context.Background(), testBaseURL+"/gone")
	assert.ErrorContains(t, err, "unexpected status 410")
}

func TestHTTPElementsWithoutScripts(t *testing.T) {
	client, mock := newMockClient()
	mock.RegisterResponder("GET", testBaseURL+"/", httpmock.NewStringResponder(200, `<html><body>
<button id="plain">Go</button>
<button id="hidden" style="display: none">Hidden</button>
<button id="off" disabled>Off</button>
</body></html>`))

	ctx := context.Background()
	d, err := newHTTPDriver(ctx, DriverOptions{HTTPClient: client})
	require.NoError(t, err)
	require.NoError(t, d.Navigate(ctx, testBaseURL+"/"))

	_, err = d.Eval(ctx, "1+1")
	assert.ErrorIs(t, err, ErrScriptsUnsupported)

	for id, want := range map[string]bool{"plain": true, "hidden": false, "off": false} {
		els, err := d.Elements(ctx, "#"+id)
		require.NoError(t, err)
		require.Len(t, els, 1)
		ok, err := els[0].Interactable(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, ok, id)
	}

	plain, err := d.Elements(ctx, "#plain")
	require.NoError(t, err)
	assert.ErrorIs(t, plain[0].Click(ctx), ErrScriptsUnsupported)
	assert.ErrorIs(t, plain[0].ScriptClick(ctx), ErrScriptsUnsupported)
}
