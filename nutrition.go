package grocerycrawler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	MethodStructuredTable = "structured_table"
	MethodLineHeuristic   = "line_heuristic"
	MethodTextRegex       = "text_regex"
)

type RowSelector struct {
	Row  string `yaml:"row"`
	Cell string `yaml:"cell"`
}

type NutrientMapping struct {
	Label string `yaml:"label"`
	Key   string `yaml:"key"`
}

type NutrientPattern struct {
	Key   string `yaml:"key"`
	Regex string `yaml:"regex"`
}

// DetailSelectors describe where nutrition lives on a product page and how
// raw labels map to the canonical vocabulary.
type DetailSelectors struct {
	ContainerSelectors   []string          `yaml:"container_selectors"`
	Keywords             []string          `yaml:"keywords"`
	Rows                 []RowSelector     `yaml:"rows"`
	ExcludeRows          []string          `yaml:"exclude_rows"`
	UnavailableSelectors []string          `yaml:"unavailable_selectors"`
	TextMarkers          []string          `yaml:"text_markers"`
	MarkerWindow         int               `yaml:"marker_window"`
	EnergyKJKey          string            `yaml:"energy_kj_key"`
	EnergyKcalKey        string            `yaml:"energy_kcal_key"`
	Mappings             []NutrientMapping `yaml:"mappings"`
	Patterns             []NutrientPattern `yaml:"patterns"`
}

// genericEnergy is the mapping key for an energy label without a unit.
const genericEnergy = "energy"

type compiledPattern struct {
	key string
	re  *regexp.Regexp
}

var (
	kjRe          = regexp.MustCompile(`(?i)(<?\d+(?:\.\d+)?)\s*kj\b`)
	kcalRe        = regexp.MustCompile(`(?i)(<?\d+(?:\.\d+)?)\s*kcal\b`)
	numberRe      = regexp.MustCompile(`<?\d+(?:\.\d+)?`)
	inlineValueRe = regexp.MustCompile(`^([A-Za-z][A-Za-z ,()\-/]*?)\s*:?\s*(<?\d.*)$`)
	valueLineRe   = regexp.MustCompile(`^<?\d`)
	unitValueRe   = regexp.MustCompile(`^(<?\d+(?:\.\d+)?)\s*([a-zA-Zµ]+)`)
	spaceRunRe    = regexp.MustCompile(`\s+`)
)

// nutritionParser holds the three extraction strategies. It works on parsed
// documents only, so it never touches the browser.
type nutritionParser struct {
	sel      DetailSelectors
	patterns []compiledPattern
}

func newNutritionParser(sel DetailSelectors) (*nutritionParser, error) {
	if sel.EnergyKJKey == "" {
		sel.EnergyKJKey = "Energy (kJ)"
	}
	if sel.EnergyKcalKey == "" {
		sel.EnergyKcalKey = "Energy (kcal)"
	}
	if sel.MarkerWindow <= 0 {
		sel.MarkerWindow = 20
	}
	p := &nutritionParser{sel: sel}
	for _, np := range sel.Patterns {
		re, err := regexp.Compile(np.Regex)
		if err != nil {
			return nil, fmt.Errorf("nutrient pattern %s: %w", np.Key, err)
		}
		p.patterns = append(p.patterns, compiledPattern{key: np.Key, re: re})
	}
	return p, nil
}

// unavailable reports whether the page says the product cannot be shown.
func (p *nutritionParser) unavailable(doc *goquery.Document) bool {
	for _, sel := range p.sel.UnavailableSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// container picks the first selector match whose text mentions a nutrition keyword.
func (p *nutritionParser) container(doc *goquery.Document) *goquery.Selection {
	for _, sel := range p.sel.ContainerSelectors {
		var found *goquery.Selection
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if _, ok := containsAny(s.Text(), p.sel.Keywords); ok {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// extract runs the strategies in order and returns the first non-empty result.
func (p *nutritionParser) extract(doc *goquery.Document) (map[string]string, string) {
	if c := p.container(doc); c != nil {
		if out := p.structured(c); len(out) > 0 {
			return out, MethodStructuredTable
		}
		lines := blockLines(c)
		if out := p.lineHeuristic(lines); len(out) > 0 {
			return out, MethodLineHeuristic
		}
		if out := p.textRegex(strings.Join(lines, "\n")); len(out) > 0 {
			return out, MethodTextRegex
		}
		return nil, ""
	}

	window := p.markerWindow(blockLines(doc.Find("body")))
	if len(window) == 0 {
		return nil, ""
	}
	if out := p.lineHeuristic(window); len(out) > 0 {
		return out, MethodLineHeuristic
	}
	if out := p.textRegex(strings.Join(window, "\n")); len(out) > 0 {
		return out, MethodTextRegex
	}
	return nil, ""
}

// structured reads label/value rows. The first row layout that yields data wins.
func (p *nutritionParser) structured(c *goquery.Selection) map[string]string {
	for _, rs := range p.sel.Rows {
		out := map[string]string{}
		c.Find(rs.Row).Each(func(_ int, row *goquery.Selection) {
			var cells []string
			row.Find(rs.Cell).Each(func(_ int, cell *goquery.Selection) {
				if t := collapseSpace(cell.Text()); t != "" {
					cells = append(cells, t)
				}
			})
			if len(cells) < 2 || p.excluded(cells[0]) {
				return
			}
			p.assign(out, cells[0], cells[1:])
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// lineHeuristic matches label lines and takes values from the same line or
// the value lines right after it.
func (p *nutritionParser) lineHeuristic(lines []string) map[string]string {
	out := map[string]string{}
	for i := 0; i < len(lines); i++ {
		parts := splitCells(lines[i])
		if len(parts) == 0 || p.excluded(parts[0]) {
			continue
		}
		label, values := parts[0], parts[1:]
		if len(values) == 0 {
			if m := inlineValueRe.FindStringSubmatch(label); m != nil {
				label, values = m[1], []string{m[2]}
			}
		}
		key, ok := p.canonical(label)
		if !ok {
			continue
		}
		energy := key == genericEnergy || key == p.sel.EnergyKJKey || key == p.sel.EnergyKcalKey
		for i+1 < len(lines) && len(values) < 2 && (len(values) == 0 || energy) && valueLineRe.MatchString(lines[i+1]) {
			i++
			values = append(values, splitCells(lines[i])...)
		}
		p.assign(out, label, values)
	}
	return out
}

// textRegex applies every nutrient pattern to the whole text independently.
func (p *nutritionParser) textRegex(text string) map[string]string {
	out := map[string]string{}
	for _, cp := range p.patterns {
		if _, done := out[cp.key]; done {
			continue
		}
		if m := cp.re.FindStringSubmatch(text); len(m) > 1 {
			out[cp.key] = normalizeNutrientValue(m[1])
		}
	}
	return out
}

func (p *nutritionParser) markerWindow(lines []string) []string {
	for i, line := range lines {
		if _, ok := containsAny(line, p.sel.TextMarkers); ok {
			end := i + 1 + p.sel.MarkerWindow
			if end > len(lines) {
				end = len(lines)
			}
			return lines[i+1 : end]
		}
	}
	return nil
}

func (p *nutritionParser) excluded(label string) bool {
	_, ok := containsAny(label, p.sel.ExcludeRows)
	return ok
}

// canonical maps a raw label onto the vocabulary. Mappings are ordered, so
// longer labels listed first win over their prefixes.
func (p *nutritionParser) canonical(label string) (string, bool) {
	l := strings.TrimRight(strings.ToLower(collapseSpace(label)), ": ")
	if l == "" {
		return "", false
	}
	for _, m := range p.sel.Mappings {
		if l == m.Label {
			return m.Key, true
		}
	}
	for _, m := range p.sel.Mappings {
		if strings.HasPrefix(l, m.Label) && !isLetter(l[len(m.Label)]) {
			return m.Key, true
		}
	}
	return "", false
}

// assign stores a row's value under its canonical key. Energy rows are split
// into the kJ and kcal keys; other nutrients keep their first value.
func (p *nutritionParser) assign(out map[string]string, label string, values []string) {
	key, ok := p.canonical(label)
	if !ok {
		return
	}
	if key == genericEnergy || key == p.sel.EnergyKJKey || key == p.sel.EnergyKcalKey {
		p.assignEnergy(out, key, label, values)
		return
	}
	if _, exists := out[key]; exists {
		return
	}
	for _, v := range values {
		if numberRe.MatchString(v) {
			out[key] = normalizeNutrientValue(v)
			return
		}
	}
}

func (p *nutritionParser) assignEnergy(out map[string]string, key, label string, values []string) {
	joined := label + " " + strings.Join(values, " / ")
	kj, kcal := "", ""
	if m := kjRe.FindStringSubmatch(joined); m != nil {
		kj = m[1]
	}
	if m := kcalRe.FindStringSubmatch(joined); m != nil {
		kcal = m[1]
	}
	if kj == "" && kcal == "" {
		var nums []string
		for _, v := range values {
			nums = append(nums, numberRe.FindAllString(v, -1)...)
		}
		switch {
		case len(nums) >= 2:
			kj, kcal = nums[0], nums[1]
		case len(nums) == 1 && key == p.sel.EnergyKcalKey:
			kcal = nums[0]
		case len(nums) == 1:
			kj = nums[0]
		}
	}
	if kj != "" {
		if _, exists := out[p.sel.EnergyKJKey]; !exists {
			out[p.sel.EnergyKJKey] = kj
		}
	}
	if kcal != "" {
		if _, exists := out[p.sel.EnergyKcalKey]; !exists {
			out[p.sel.EnergyKcalKey] = kcal
		}
	}
}

func normalizeNutrientValue(v string) string {
	v = collapseSpace(v)
	if m := unitValueRe.FindStringSubmatch(v); m != nil {
		return m[1] + m[2]
	}
	if m := numberRe.FindString(v); m != "" {
		return m
	}
	return v
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func splitCells(line string) []string {
	var out []string
	for _, part := range strings.Split(line, "\t") {
		if part = collapseSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "br": true, "dd": true, "details": true,
	"div": true, "dl": true, "dt": true, "footer": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "li": true, "ol": true, "p": true,
	"section": true, "summary": true, "table": true, "tbody": true, "thead": true, "tfoot": true,
	"tr": true, "ul": true,
}

// blockLines renders a selection roughly the way a browser's innerText does:
// block elements break lines and table cells are tab separated.
func blockLines(sel *goquery.Selection) []string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(spaceRunRe.ReplaceAllString(n.Data, " "))
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "td", "th":
				b.WriteString("\t")
			}
			if blockElements[n.Data] {
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}

	var lines []string
	for _, raw := range strings.Split(b.String(), "\n") {
		cells := splitCells(raw)
		if len(cells) == 0 {
			continue
		}
		lines = append(lines, strings.Join(cells, "\t"))
	}
	return lines
}
