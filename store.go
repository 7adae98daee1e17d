package grocerycrawler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProductStore persists what the extractors find.
type ProductStore interface {
	// UpsertProduct creates or replaces the product keyed by ExternalID.
	UpsertProduct(ctx context.Context, p ProductSummary) (UpsertResult, error)
	// SaveNutrition overwrites any previous record for the product.
	SaveNutrition(ctx context.Context, productID string, rec NutritionRecord) error
	// FindStaleForNutrition lists products with a detail URL whose nutrition is
	// missing or older than maxAge. maxAge <= 0 treats every product as stale.
	FindStaleForNutrition(ctx context.Context, maxAge time.Duration, limit int, categoryIDs []string) ([]ProductSummary, error)
	CategoryProductCount(ctx context.Context, categoryID string) (int, error)
}

// SessionTracker creates and persists crawl session records.
type SessionTracker interface {
	Create(ctx context.Context, crawlType CrawlType, settings map[string]interface{}) (*CrawlSession, error)
	// Save is an idempotent full-state write.
	Save(ctx context.Context, rec SessionRecord) error
}

// MemoryStore keeps everything in process. Used for dry runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[string]ProductSummary
	nutrition map[string]NutritionRecord
	history   map[string][]PriceChange
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  map[string]ProductSummary{},
		nutrition: map[string]NutritionRecord{},
		history:   map[string][]PriceChange{},
		now:       time.Now,
	}
}

func (m *MemoryStore) UpsertProduct(ctx context.Context, p ProductSummary) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.products[p.ExternalID]
	m.products[p.ExternalID] = p
	if !ok {
		return UpsertResult{Created: true}, nil
	}
	if prev.Price != p.Price {
		m.history[p.ExternalID] = append(m.history[p.ExternalID], PriceChange{
			ExternalID: p.ExternalID,
			OldPrice:   prev.Price,
			NewPrice:   p.Price,
			ChangedAt:  m.now(),
		})
	}
	return UpsertResult{Previous: &prev}, nil
}

func (m *MemoryStore) SaveNutrition(ctx context.Context, productID string, rec NutritionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ProductID = productID
	m.nutrition[productID] = rec
	return nil
}

func (m *MemoryStore) FindStaleForNutrition(ctx context.Context, maxAge time.Duration, limit int, categoryIDs []string) ([]ProductSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-maxAge)
	type candidate struct {
		p         ProductSummary
		extracted time.Time
	}
	var out []candidate
	for _, p := range m.products {
		if p.DetailURL == "" {
			continue
		}
		if len(categoryIDs) > 0 && !contains(categoryIDs, p.CategoryID) {
			continue
		}
		rec, has := m.nutrition[p.ExternalID]
		if maxAge > 0 && has && rec.ExtractedAt.After(cutoff) {
			continue
		}
		out = append(out, candidate{p: p, extracted: rec.ExtractedAt})
	}
	// Never-extracted first, then oldest extraction.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].extracted.Equal(out[j].extracted) {
			return out[i].extracted.Before(out[j].extracted)
		}
		return out[i].p.ExternalID < out[j].p.ExternalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	products := make([]ProductSummary, len(out))
	for i, c := range out {
		products[i] = c.p
	}
	return products, nil
}

func (m *MemoryStore) CategoryProductCount(ctx context.Context, categoryID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.products {
		if p.CategoryID == categoryID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Product(id string) (ProductSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	return p, ok
}

func (m *MemoryStore) Nutrition(id string) (NutritionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.nutrition[id]
	return rec, ok
}

func (m *MemoryStore) PriceHistory(id string) []PriceChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PriceChange(nil), m.history[id]...)
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.products)
}

// MemoryTracker keeps session records in process.
type MemoryTracker struct {
	mu      sync.Mutex
	records map[string]SessionRecord
	saves   int
	now     func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: map[string]SessionRecord{}, now: time.Now}
}

func (t *MemoryTracker) Create(ctx context.Context, crawlType CrawlType, settings map[string]interface{}) (*CrawlSession, error) {
	s := newCrawlSession(uuid.NewString(), crawlType, settings, t, t.now)
	if err := t.Save(ctx, s.Snapshot()); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *MemoryTracker) Save(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ID] = rec
	t.saves++
	return nil
}

func (t *MemoryTracker) Get(id string) (SessionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	return rec, ok
}

// Saves counts every persist call, including idempotent repeats.
func (t *MemoryTracker) Saves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saves
}
