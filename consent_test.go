package grocerycrawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDriver serves fixed elements per selector; clicks may mutate the page.
type scriptedDriver struct {
	url    string
	elems  map[string][]PageElement
	frames []ElementScope
	eval   func(js string) (interface{}, error)
}

func (d *scriptedDriver) Elements(_ context.Context, selector string) ([]PageElement, error) {
	return d.elems[selector], nil
}
func (d *scriptedDriver) Navigate(_ context.Context, url string) error { d.url = url; return nil }
func (d *scriptedDriver) Info(context.Context) (PageInfo, error)       { return PageInfo{URL: d.url}, nil }
func (d *scriptedDriver) HTML(context.Context) (string, error)         { return "<html></html>", nil }
func (d *scriptedDriver) Eval(_ context.Context, js string) (interface{}, error) {
	if d.eval == nil {
		return nil, ErrScriptsUnsupported
	}
	return d.eval(js)
}
func (d *scriptedDriver) Frames(context.Context) ([]ElementScope, error) { return d.frames, nil }

func (d *scriptedDriver) Scroll(context.Context, int) error { return nil }
func (d *scriptedDriver) Close() error                      { return nil }

// scriptedFrame is an iframe document keyed by selector.
type scriptedFrame map[string][]PageElement

func (f scriptedFrame) Elements(_ context.Context, selector string) ([]PageElement, error) {
	return f[selector], nil
}

type scriptedElement struct {
	text      string
	visible   bool
	clickErr  error
	scriptErr error
	onClick   func()
	clicks    []string
}

func (e *scriptedElement) Text(context.Context) (string, error) { return e.text, nil }
func (e *scriptedElement) Attribute(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (e *scriptedElement) Interactable(context.Context, float64) (bool, error) {
	return e.visible, nil
}
func (e *scriptedElement) Click(context.Context) error {
	return e.do("click", e.clickErr)
}
func (e *scriptedElement) ScriptClick(context.Context) error {
	return e.do("script", e.scriptErr)
}
func (e *scriptedElement) DispatchClick(context.Context) error {
	return e.do("dispatch", nil)
}

func (e *scriptedElement) do(kind string, err error) error {
	e.clicks = append(e.clicks, kind)
	if err != nil {
		return err
	}
	if e.onClick != nil {
		e.onClick()
	}
	return nil
}

func openScriptedSession(t *testing.T, d *scriptedDriver) *BrowserSession {
	t.Helper()
	s, err := OpenSession(context.Background(), testBrowserConfig(), WithDriverFactory(func(context.Context, DriverOptions) (PageDriver, error) {
		return d, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.Navigate(context.Background(), d.url)
	require.NoError(t, err)
	return s
}

func TestDismissAllFallsBackToScriptClick(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/cat/bakery/123", elems: map[string][]PageElement{}}
	accept := &scriptedElement{
		text:     "Accept All Cookies",
		visible:  true,
		clickErr: errors.New("element click intercepted"),
		onClick:  func() { delete(d.elems, "#onetrust-banner-sdk") },
	}
	d.elems["#onetrust-banner-sdk"] = []PageElement{&scriptedElement{visible: true}}
	d.elems["button#onetrust-accept-btn-handler"] = []PageElement{accept}

	rec := &sleepRecorder{}
	c := NewConsentDismisser(profile, WithConsentSleeper(rec.sleep))
	s := openScriptedSession(t, d)

	res, err := c.DismissAll(context.Background(), s, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handled)
	assert.Equal(t, []string{"selector:button#onetrust-accept-btn-handler"}, res.Strategies)
	assert.Equal(t, []string{"click", "script"}, accept.clicks)
	assert.True(t, c.Handled(d.url))

	// A handled page is not worked again within the TTL.
	res, err = c.DismissAll(context.Background(), s, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Handled)
	assert.Len(t, accept.clicks, 2)
}

func TestDismissAllSkipsInvisibleControls(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/", elems: map[string][]PageElement{}}
	hidden := &scriptedElement{text: "Accept all", visible: false}
	visible := &scriptedElement{text: "Accept all", visible: true, onClick: func() { delete(d.elems, ".cookie-banner") }}
	d.elems[".cookie-banner"] = []PageElement{&scriptedElement{visible: true}}
	d.elems[profile.Clickables] = []PageElement{hidden, visible}

	c := NewConsentDismisser(profile, WithConsentSleeper((&sleepRecorder{}).sleep))
	res, err := c.DismissAll(context.Background(), openScriptedSession(t, d), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"text:accept all"}, res.Strategies)
	assert.Empty(t, hidden.clicks)
}

func TestDismissAllReportsBlockingPopup(t *testing.T) {
	profile := testProfile(t).Consent
	client, mock := newMockClient()
	page := testBaseURL + "/cat/bakery/123"
	mock.RegisterResponder("GET", page, httpmock.NewStringResponder(200,
		`<html><head><title>Bakery</title></head><body><div class="cookie-banner">We use cookies</div></body></html>`))

	s := openTestSession(t, client)
	_, err := s.Navigate(context.Background(), page)
	require.NoError(t, err)

	rec := &sleepRecorder{}
	c := NewConsentDismisser(profile, WithConsentSleeper(rec.sleep))
	res, err := c.DismissAll(context.Background(), s, 3, 0)

	var blocking *ConsentBlockingError
	require.ErrorAs(t, err, &blocking)
	assert.Equal(t, 3, blocking.Attempts)
	assert.Equal(t, []string{".cookie-banner"}, blocking.Remaining)
	assert.Equal(t, 0, res.Handled)
	assert.False(t, c.Handled(page))
	assert.Len(t, rec.calls, 2, "no pause after the last round")
}

func TestDismissAllFollowsAcceptLinkOnStaticPages(t *testing.T) {
	profile := testProfile(t).Consent
	client, mock := newMockClient()
	page := testBaseURL + "/cat/bakery/123"
	mock.RegisterResponder("GET", page, httpmock.NewStringResponder(200,
		`<html><head><title>Bakery</title></head><body>
<div id="onetrust-banner-sdk"><a data-auto-id="privacy-accept-all" href="/cat/bakery/123/accepted">Accept</a></div>
</body></html>`))
	mock.RegisterResponder("GET", page+"/accepted", httpmock.NewStringResponder(200,
		`<html><head><title>Bakery</title></head><body><p>Bread</p></body></html>`))

	s := openTestSession(t, client)
	_, err := s.Navigate(context.Background(), page)
	require.NoError(t, err)

	c := NewConsentDismisser(profile, WithConsentSleeper((&sleepRecorder{}).sleep))
	res, err := c.DismissAll(context.Background(), s, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"selector:[data-auto-id='privacy-accept-all']"}, res.Strategies)
}

func TestDismissAllNoPopupIsFree(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/", elems: map[string][]PageElement{}}
	rec := &sleepRecorder{}
	c := NewConsentDismisser(profile, WithConsentSleeper(rec.sleep))

	res, err := c.DismissAll(context.Background(), openScriptedSession(t, d), 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Handled)
	assert.Empty(t, rec.calls)
}

func TestMatchConsentText(t *testing.T) {
	patterns := []string{"accept all cookies", "accept all", "ok"}
	phrase, ok := matchConsentText("  Accept All  ", patterns)
	require.True(t, ok)
	assert.Equal(t, "accept all", phrase)

	_, ok = matchConsentText("Okay then", patterns)
	assert.False(t, ok)
	_, ok = matchConsentText("Cookie settings", patterns)
	assert.False(t, ok)
}

func TestDismissAllFallsBackToDispatchedClick(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/", elems: map[string][]PageElement{}}
	accept := &scriptedElement{
		text:      "Accept All Cookies",
		visible:   true,
		clickErr:  errors.New("element click intercepted"),
		scriptErr: errors.New("element is detached"),
		onClick:   func() { delete(d.elems, "#onetrust-banner-sdk") },
	}
	d.elems["#onetrust-banner-sdk"] = []PageElement{&scriptedElement{visible: true}}
	d.elems["button#onetrust-accept-btn-handler"] = []PageElement{accept}

	c := NewConsentDismisser(profile, WithConsentSleeper((&sleepRecorder{}).sleep))
	res, err := c.DismissAll(context.Background(), openScriptedSession(t, d), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"click", "script", "dispatch"}, accept.clicks)
	assert.Equal(t, []string{"selector:button#onetrust-accept-btn-handler"}, res.Strategies)
}

func TestDismissAllClicksInsideIframes(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/cat/bakery/123", elems: map[string][]PageElement{}}
	d.elems["[role='dialog']"] = []PageElement{&scriptedElement{visible: true}}
	accept := &scriptedElement{text: "Accept", visible: true, onClick: func() { delete(d.elems, "[role='dialog']") }}
	d.frames = []ElementScope{
		scriptedFrame{},
		scriptedFrame{"button#onetrust-accept-btn-handler": {accept}},
	}

	rec := &sleepRecorder{}
	c := NewConsentDismisser(profile, WithConsentSleeper(rec.sleep))
	res, err := c.DismissAll(context.Background(), openScriptedSession(t, d), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handled)
	assert.Equal(t, []string{"iframe:button#onetrust-accept-btn-handler"}, res.Strategies)
	assert.Equal(t, []string{"click"}, accept.clicks)
	assert.Empty(t, rec.calls)
}

func TestDismissAllRemovesStubbornOverlays(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/cat/bakery/123", elems: map[string][]PageElement{}}
	d.elems["[aria-modal='true']"] = []PageElement{&scriptedElement{visible: true}}
	var scripts []string
	d.eval = func(js string) (interface{}, error) {
		scripts = append(scripts, js)
		delete(d.elems, "[aria-modal='true']")
		return float64(2), nil
	}

	c := NewConsentDismisser(profile, WithConsentSleeper((&sleepRecorder{}).sleep))
	res, err := c.DismissAll(context.Background(), openScriptedSession(t, d), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handled)
	assert.Equal(t, []string{"dom_removal:2"}, res.Strategies)
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0], "#onetrust-consent-sdk")
	assert.Contains(t, scripts[0], "style.overflow = 'auto'")
}

func TestDismissAllStopsAtTimeout(t *testing.T) {
	profile := testProfile(t).Consent
	d := &scriptedDriver{url: testBaseURL + "/", elems: map[string][]PageElement{}}
	d.elems[".cookie-banner"] = []PageElement{&scriptedElement{visible: true}}

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	ticks := 0
	clock := func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks) * 2 * time.Second)
	}
	rec := &sleepRecorder{}
	c := NewConsentDismisser(profile, WithConsentSleeper(rec.sleep), WithConsentClock(clock))

	_, err := c.DismissAll(context.Background(), openScriptedSession(t, d), 5, time.Second)
	var blocking *ConsentBlockingError
	require.ErrorAs(t, err, &blocking)
	assert.Equal(t, 1, blocking.Attempts)
	assert.Empty(t, rec.calls)
}
