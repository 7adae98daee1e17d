package grocerycrawler

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

// sleeper blocks for d or until ctx is done.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomBetween returns a uniform duration in [min, max].
func randomBetween(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// generateFilename turns a URL into a dated file name.
func generateFilename(rawURL string) string {
	invalidChars := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	for _, char := range invalidChars {
		rawURL = strings.ReplaceAll(rawURL, char, "_")
	}
	if len(rawURL) > 180 {
		rawURL = rawURL[:180]
	}
	currentDate := time.Now().Format("2006-01-02")
	return currentDate + "_" + rawURL + ".html"
}

// absoluteURL resolves href against base. Empty or unparsable input yields "".
func absoluteURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

// normalizeURL keeps scheme, host and path so repeat visits share a cache key.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	path := strings.TrimRight(u.Path, "/")
	return strings.ToLower(u.Scheme + "://" + u.Host + path)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func contains(slice []string, item string) bool {
	for _, v := range slice {
		if v == item {
			return true
		}
	}
	return false
}

// containsAny returns the first needle found in the lowercased haystack.
func containsAny(haystack string, needles []string) (string, bool) {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return n, true
		}
	}
	return "", false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
