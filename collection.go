package grocerycrawler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Pence is a GBP amount in minor units. Prices never travel as floats.
type Pence int64

// ParsePence parses "2.50", "2.5" or "10" into pence. A third fractional digit rounds half up.
func ParsePence(s string) (Pence, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "£"))
	if s == "" {
		return 0, errors.New("empty price")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	pounds, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	var minor int64
	if frac != "" {
		for _, r := range frac {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("invalid price %q", s)
			}
		}
		padded := frac + "00"
		minor, _ = strconv.ParseInt(padded[:2], 10, 64)
		if len(frac) > 2 && frac[2] >= '5' {
			minor++
		}
	}
	return Pence(pounds*100 + minor), nil
}

func penceFromPounds(pounds float64) Pence {
	return Pence(math.Round(pounds * 100))
}

func (p Pence) String() string {
	sign := ""
	if p < 0 {
		sign = "-"
		p = -p
	}
	return fmt.Sprintf("%s£%d.%02d", sign, p/100, p%100)
}

// ProductRules gate a summary before it may reach the store.
type ProductRules struct {
	MinNameLength int     `yaml:"min_name_length"`
	MaxPrice      float64 `yaml:"max_price"`
}

type ProductSummary struct {
	ExternalID string    `json:"external_id" bson:"external_id"`
	Name       string    `json:"name" bson:"name"`
	Price      Pence     `json:"price" bson:"price"`
	WasPrice   *Pence    `json:"was_price,omitempty" bson:"was_price,omitempty"`
	Unit       string    `json:"unit" bson:"unit"`
	ImageURL   string    `json:"image_url,omitempty" bson:"image_url,omitempty"`
	DetailURL  string    `json:"detail_url" bson:"detail_url"`
	CategoryID string    `json:"category_id" bson:"category_id"`
	InStock    bool      `json:"in_stock" bson:"in_stock"`
	ScrapedAt  time.Time `json:"scraped_at" bson:"scraped_at"`
}

var errInvalidProduct = errors.New("invalid product")

// Validate rejects summaries that must never be persisted.
func (p ProductSummary) Validate(rules ProductRules) error {
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", errInvalidProduct)
	case len([]rune(name)) < rules.MinNameLength:
		return fmt.Errorf("%w: name %q shorter than %d", errInvalidProduct, name, rules.MinNameLength)
	case p.Price < 0:
		return fmt.Errorf("%w: negative price %s", errInvalidProduct, p.Price)
	case rules.MaxPrice > 0 && p.Price > penceFromPounds(rules.MaxPrice):
		return fmt.Errorf("%w: price %s above ceiling", errInvalidProduct, p.Price)
	case p.ExternalID == "":
		return fmt.Errorf("%w: missing identifier", errInvalidProduct)
	}
	return nil
}

type NutritionRecord struct {
	ProductID        string            `json:"product_id" bson:"product_id"`
	Nutrients        map[string]string `json:"nutrients" bson:"nutrients"`
	ExtractedAt      time.Time         `json:"extracted_at" bson:"extracted_at"`
	ExtractionMethod string            `json:"extraction_method" bson:"extraction_method"`
	SourceURL        string            `json:"source_url" bson:"source_url"`
}

// Found reports whether the record counts as nutrition data. Zero nutrients is absence.
func (r *NutritionRecord) Found() bool {
	return r != nil && len(r.Nutrients) > 0
}

// PriceChange is one entry of a product's price history.
type PriceChange struct {
	ExternalID string    `json:"external_id" bson:"external_id"`
	OldPrice   Pence     `json:"old_price" bson:"old_price"`
	NewPrice   Pence     `json:"new_price" bson:"new_price"`
	ChangedAt  time.Time `json:"changed_at" bson:"changed_at"`
}

// UpsertResult tells the caller whether the product was new and what it replaced.
type UpsertResult struct {
	Created  bool
	Previous *ProductSummary
}

// PriceChanged compares against the replaced record, if any.
func (r UpsertResult) PriceChanged(current ProductSummary) bool {
	return r.Previous != nil && r.Previous.Price != current.Price
}

// WorkQueueEntry hands a discovered product from the list context to the detail context.
type WorkQueueEntry struct {
	DetailURL     string `json:"detail_url"`
	ProductID     string `json:"product_id"`
	CategoryID    string `json:"category_id"`
	PriorityScore int    `json:"priority_score"`
	Attempts      int    `json:"attempts"`
}
