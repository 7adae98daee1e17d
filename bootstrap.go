package grocerycrawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsGate answers whether a path may be crawled. A nil gate allows everything.
type robotsGate struct {
	group *robotstxt.Group
}

func newRobotsGate(data []byte, userAgent string) (*robotsGate, error) {
	robots, err := robotstxt.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return &robotsGate{group: robots.FindGroup(userAgent)}, nil
}

// fetchRobots loads robots.txt from baseURL. Fetch failures default to allow.
func fetchRobots(ctx context.Context, client *http.Client, baseURL, userAgent string) (*robotsGate, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return &robotsGate{group: robots.FindGroup(userAgent)}, nil
}

func (g *robotsGate) Allowed(path string) bool {
	if g == nil || g.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return g.group.Test(path)
}
