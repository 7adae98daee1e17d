package grocerycrawler

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newWriterLogger(&buf, "warn")
	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("slow down %s", "please")
	l.Error("broken")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "⚠️ WARN: slow down please")
	assert.Contains(t, out, "🛑 ERROR: broken")
}

func TestLoggerDumpsPages(t *testing.T) {
	dir := t.TempDir()
	l := newDefaultLogger(LogOptions{Site: "asda", Dir: dir, Level: "error"})
	defer l.Close()

	l.Html(testBaseURL+"/cat/bakery/123", "<html><body>blocked</body></html>", "no containers")

	entries, err := os.ReadDir(filepath.Join(dir, "asda", "html"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	body, err := os.ReadFile(filepath.Join(dir, "asda", "html", entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(body), "no containers")
	assert.Contains(t, string(body), "blocked")

	_, err = os.Stat(filepath.Join(dir, "asda", "application.log"))
	assert.NoError(t, err)
}

func TestMetricsAreNilSafeAndCount(t *testing.T) {
	var none *Metrics
	none.IncProduct("created")
	none.IncError(&NavigationError{})
	none.SetQueueDepth(3)

	m := NewMetrics()
	m.IncProduct("created")
	m.IncProduct("created")
	m.IncError(&RateLimitDetected{Phrase: "rate limit"})
	m.IncError(nil)
	m.SetQueueDepth(4)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			v := metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
			for _, lp := range metric.GetLabel() {
				values[mf.GetName()+"/"+lp.GetValue()] = v
			}
			if len(metric.GetLabel()) == 0 {
				values[mf.GetName()] = v
			}
		}
	}
	assert.Equal(t, 2.0, values["grocerycrawl_products_total/created"])
	assert.Equal(t, 1.0, values["grocerycrawl_errors_total/rate_limit"])
	assert.Equal(t, 4.0, values["grocerycrawl_work_queue_depth"])

	// A second registry must not collide with the first.
	assert.NotPanics(t, func() { NewMetrics() })
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", detectContentType(nil))
	assert.Contains(t, detectContentType([]byte("<!DOCTYPE html><html><body>x</body></html>")), "text/html")
	assert.Equal(t, "pages/asda/", objectPrefix("/asda/"))
}
