package grocerycrawler

import (
	"embed"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var profileFS embed.FS

const DefaultProfileName = "asda"

// SiteProfile is everything the engine knows about one target site.
// Markup drift is patched here, not in extractor code.
type SiteProfile struct {
	Name                 string                  `yaml:"name"`
	BaseURL              string                  `yaml:"base_url"`
	CategoryPath         string                  `yaml:"category_path"`
	AllowedHosts         []string                `yaml:"allowed_hosts"`
	RequiredPathMarker   string                  `yaml:"required_path_marker"`
	InvalidTitleKeywords []string                `yaml:"invalid_title_keywords"`
	MinCategoryText      int                     `yaml:"min_category_text"`
	PromotionalKeywords  []string                `yaml:"promotional_keywords"`
	RateLimitPhrases     []string                `yaml:"rate_limit_phrases"`
	Categories           []CategoryDescriptor    `yaml:"categories"`
	DelayPresets         map[string]DelayProfile `yaml:"delay_presets"`
	Stealth              StealthProfile          `yaml:"stealth"`
	Consent              ConsentProfile          `yaml:"consent"`
	List                 ListSelectors           `yaml:"list"`
	Detail               DetailSelectors         `yaml:"detail"`
	Rules                ProductRules            `yaml:"rules"`
}

// DefaultProfile returns the embedded profile shipped with the binary.
func DefaultProfile() (*SiteProfile, error) {
	return EmbeddedProfile(DefaultProfileName)
}

func EmbeddedProfile(name string) (*SiteProfile, error) {
	data, err := profileFS.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown embedded profile %q: %w", name, err)
	}
	return ParseProfile(data)
}

// LoadProfile reads a profile from disk. An empty path yields the embedded default.
func LoadProfile(path string) (*SiteProfile, error) {
	if path == "" {
		return DefaultProfile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*SiteProfile, error) {
	var p SiteProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the profile can drive a crawl: buildable URLs, unique
// category ids, non-empty selector chains and compilable regexes.
func (p *SiteProfile) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.Name == "" {
		add("name is required")
	}
	if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("base_url %q is not an absolute URL", p.BaseURL)
	}
	if !strings.Contains(p.CategoryPath, "{id}") && !strings.Contains(p.CategoryPath, "{slug}") {
		add("category_path must reference {id} or {slug}")
	}
	if len(p.Categories) == 0 {
		add("at least one category is required")
	}
	seen := map[string]bool{}
	for i, c := range p.Categories {
		if c.ID == "" {
			add("category #%d has no id", i)
			continue
		}
		if seen[c.ID] {
			add("duplicate category id %s", c.ID)
		}
		seen[c.ID] = true
	}
	if _, ok := p.DelayPresets["production"]; !ok {
		add("delay_presets.production is required")
	}
	if len(p.List.Containers) == 0 || len(p.List.Title) == 0 || len(p.List.Price) == 0 {
		add("list containers, title and price selectors are required")
	}
	for name, expr := range map[string]string{
		"list.price_regex": p.List.PriceRegex,
		"list.pence_regex": p.List.PenceRegex,
		"list.id_regex":    p.List.IDRegex,
	} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			add("%s: %v", name, err)
		}
	}
	if p.List.PriceRegex == "" {
		add("list.price_regex is required")
	}
	if len(p.Detail.ContainerSelectors) == 0 {
		add("detail.container_selectors is required")
	}
	for _, np := range p.Detail.Patterns {
		if _, err := regexp.Compile(np.Regex); err != nil {
			add("detail pattern %s: %v", np.Key, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid site profile %q: %s", p.Name, strings.Join(problems, "; "))
	}
	return nil
}

// DelayPreset returns the named delay table, falling back to production.
func (p *SiteProfile) DelayPreset(name string) DelayProfile {
	if preset, ok := p.DelayPresets[name]; ok {
		return preset
	}
	return p.DelayPresets["production"]
}

// OnDomain reports whether rawURL belongs to one of the allowed hosts.
func (p *SiteProfile) OnDomain(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	if len(p.AllowedHosts) == 0 {
		return host == hostOf(p.BaseURL)
	}
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
