package grocerycrawler

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// CategoryDescriptor is one entry of the static category mapping.
type CategoryDescriptor struct {
	ID             string   `yaml:"id" json:"id" bson:"id"`
	DisplayName    string   `yaml:"name" json:"name" bson:"name"`
	URLSlug        string   `yaml:"slug" json:"slug" bson:"slug"`
	Priority       int      `yaml:"priority" json:"priority" bson:"priority"`
	MaxPages       int      `yaml:"max_pages" json:"max_pages" bson:"max_pages"`
	Keywords       []string `yaml:"keywords" json:"keywords" bson:"keywords"`
	SkipValidation bool     `yaml:"skip_validation" json:"-" bson:"-"`
	Active         bool     `yaml:"-" json:"active" bson:"active"`
}

// DiscoverOptions bounds a discovery pass. A nil Session skips live validation.
type DiscoverOptions struct {
	MaxCount          int
	PriorityThreshold int
	Filter            []string
	Session           *BrowserSession
	Delay             *DelayManager
}

// CategoryCatalog owns the descriptors for one site. Reads are safe from any
// goroutine; discovery and cleanup take the write lock.
type CategoryCatalog struct {
	mu          sync.RWMutex
	descriptors []CategoryDescriptor
	baseURL     string
	pathTmpl    string
	site        *SiteProfile
	robots      *robotsGate
	logger      Logger
}

type CatalogOption func(*CategoryCatalog)

func WithCatalogLogger(l Logger) CatalogOption {
	return func(c *CategoryCatalog) {
		if l != nil {
			c.logger = l
		}
	}
}

func withRobots(g *robotsGate) CatalogOption {
	return func(c *CategoryCatalog) { c.robots = g }
}

func NewCategoryCatalog(site *SiteProfile, opts ...CatalogOption) *CategoryCatalog {
	c := &CategoryCatalog{
		descriptors: make([]CategoryDescriptor, len(site.Categories)),
		baseURL:     strings.TrimRight(site.BaseURL, "/"),
		pathTmpl:    site.CategoryPath,
		site:        site,
		logger:      discardLogger(),
	}
	copy(c.descriptors, site.Categories)
	for i := range c.descriptors {
		c.descriptors[i].Active = true
	}
	sortDescriptors(c.descriptors)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sortDescriptors(ds []CategoryDescriptor) {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Priority < ds[j].Priority })
}

// ResolveURL builds the absolute category URL, or "" when the descriptor
// cannot be built or robots.txt disallows it.
func (c *CategoryCatalog) ResolveURL(d CategoryDescriptor) string {
	if d.ID == "" && d.URLSlug == "" {
		return ""
	}
	if strings.Contains(c.pathTmpl, "{id}") && d.ID == "" {
		return ""
	}
	if strings.Contains(c.pathTmpl, "{slug}") && d.URLSlug == "" {
		return ""
	}
	path := strings.NewReplacer("{slug}", strings.Trim(d.URLSlug, "/"), "{id}", d.ID).Replace(c.pathTmpl)
	raw := c.baseURL + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if !c.robots.Allowed(u.EscapedPath()) {
		c.logger.Warn("robots.txt disallows %s", u.Path)
		return ""
	}
	return u.String()
}

// Validate navigates to rawURL and checks the page is a live, on-domain category.
func (c *CategoryCatalog) Validate(ctx context.Context, s *BrowserSession, rawURL string) bool {
	state, err := s.Navigate(ctx, rawURL)
	if err != nil {
		c.logger.Warn("category %s did not load: %v", rawURL, err)
		return false
	}
	if kw, bad := containsAny(state.Title, c.site.InvalidTitleKeywords); bad {
		c.logger.Warn("category %s looks dead (title %q contains %q)", rawURL, state.Title, kw)
		return false
	}
	if !state.LooksReal(c.site.MinCategoryText) {
		c.logger.Warn("category %s has too little content (%d chars)", rawURL, state.BodyTextLength)
		return false
	}
	if !c.site.OnDomain(state.CurrentURL) {
		c.logger.Warn("category %s redirected off-domain to %s", rawURL, state.CurrentURL)
		return false
	}
	if marker := c.site.RequiredPathMarker; marker != "" && !strings.Contains(state.CurrentURL, marker) {
		c.logger.Warn("category %s redirected to non-category page %s", rawURL, state.CurrentURL)
		return false
	}
	return true
}

// Discover walks the mapping in ascending priority and marks what it keeps
// active. One bad descriptor is skipped; only an empty result is an error.
func (c *CategoryCatalog) Discover(ctx context.Context, opts DiscoverOptions) ([]CategoryDescriptor, error) {
	c.mu.Lock()
	candidates := make([]int, 0, len(c.descriptors))
	for i := range c.descriptors {
		c.descriptors[i].Active = false
		d := c.descriptors[i]
		if opts.PriorityThreshold > 0 && d.Priority > opts.PriorityThreshold {
			continue
		}
		if len(opts.Filter) > 0 && !matchesFilter(d, opts.Filter) {
			continue
		}
		candidates = append(candidates, i)
	}
	c.mu.Unlock()

	found := 0
	for n, i := range candidates {
		if opts.MaxCount > 0 && found >= opts.MaxCount {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := c.descriptor(i)
		if c.isPromotional(d) {
			c.logger.Debug("skipping promotional category %s (%s)", d.ID, d.DisplayName)
			continue
		}
		target := c.ResolveURL(d)
		if target == "" {
			c.logger.Warn("category %s (%s) has no buildable URL", d.ID, d.DisplayName)
			continue
		}
		if opts.Session != nil && !d.SkipValidation {
			if n > 0 && opts.Delay != nil {
				if _, err := opts.Delay.Wait(ctx, BetweenSubcategories); err != nil {
					return nil, err
				}
			}
			if !c.Validate(ctx, opts.Session, target) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				continue
			}
		}
		c.setActive(i, true)
		found++
	}

	c.Cleanup()
	active := c.Active()
	if len(active) == 0 {
		return nil, ErrNoActiveCategories
	}
	c.logger.Info("📂 %d active categories", len(active))
	return active, nil
}

// Cleanup deactivates promotional and seasonal entries and returns how many it touched.
func (c *CategoryCatalog) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.descriptors {
		if c.descriptors[i].Active && c.isPromotional(c.descriptors[i]) {
			c.descriptors[i].Active = false
			n++
		}
	}
	return n
}

func (c *CategoryCatalog) isPromotional(d CategoryDescriptor) bool {
	for _, field := range []string{d.ID, d.URLSlug, d.DisplayName} {
		if _, ok := containsAny(field, c.site.PromotionalKeywords); ok {
			return true
		}
	}
	return false
}

func (c *CategoryCatalog) descriptor(i int) CategoryDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.descriptors[i]
}

func (c *CategoryCatalog) setActive(i int, active bool) {
	c.mu.Lock()
	c.descriptors[i].Active = active
	c.mu.Unlock()
}

// Active returns the active descriptors in ascending priority.
func (c *CategoryCatalog) Active() []CategoryDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CategoryDescriptor
	for _, d := range c.descriptors {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

func (c *CategoryCatalog) All() []CategoryDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CategoryDescriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

func (c *CategoryCatalog) Lookup(id string) (CategoryDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return CategoryDescriptor{}, false
}

// Filter returns descriptors whose id or slug is in keys, active or not.
func (c *CategoryCatalog) Filter(keys []string) []CategoryDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CategoryDescriptor
	for _, d := range c.descriptors {
		if matchesFilter(d, keys) {
			out = append(out, d)
		}
	}
	return out
}

func matchesFilter(d CategoryDescriptor, keys []string) bool {
	for _, k := range keys {
		k = strings.TrimSpace(strings.ToLower(k))
		if k == "" {
			continue
		}
		if k == d.ID || k == strings.ToLower(d.URLSlug) || k == strings.ToLower(d.DisplayName) {
			return true
		}
	}
	return false
}
