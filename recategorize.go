package grocerycrawler

import "strings"

// KeywordRecategorizer moves a product to another category when its name
// carries that category's keywords and none of its own. It only runs when a
// crawl enables it; listing pages otherwise decide the category.
type KeywordRecategorizer struct {
	descriptors []CategoryDescriptor
	logger      Logger
	moved       int
}

func NewKeywordRecategorizer(descriptors []CategoryDescriptor, logger Logger) *KeywordRecategorizer {
	if logger == nil {
		logger = discardLogger()
	}
	ds := make([]CategoryDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if len(d.Keywords) > 0 {
			ds = append(ds, d)
		}
	}
	sortDescriptors(ds)
	return &KeywordRecategorizer{descriptors: ds, logger: logger}
}

// Apply returns p with CategoryID rewritten, or p unchanged.
func (r *KeywordRecategorizer) Apply(p ProductSummary) ProductSummary {
	name := strings.ToLower(p.Name)
	for _, d := range r.descriptors {
		if d.ID == p.CategoryID && keywordHit(name, d.Keywords) {
			return p
		}
	}
	for _, d := range r.descriptors {
		if d.ID == p.CategoryID {
			continue
		}
		if keywordHit(name, d.Keywords) {
			r.logger.Debug("recategorizing %q from %s to %s", p.Name, p.CategoryID, d.ID)
			p.CategoryID = d.ID
			r.moved++
			return p
		}
	}
	return p
}

// Moved counts reassignments since construction.
func (r *KeywordRecategorizer) Moved() int {
	return r.moved
}

func keywordHit(lowerName string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowerName, kw) {
			return true
		}
	}
	return false
}
