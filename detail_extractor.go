package grocerycrawler

import (
	"context"
	"errors"
)

// DetailExtractor pulls nutrition from single product pages.
type DetailExtractor struct {
	parser *nutritionParser
	deps   ExtractorDeps
}

func NewDetailExtractor(site *SiteProfile, deps ExtractorDeps) (*DetailExtractor, error) {
	deps.defaults()
	parser, err := newNutritionParser(site.Detail)
	if err != nil {
		return nil, err
	}
	return &DetailExtractor{parser: parser, deps: deps}, nil
}

// ExtractNutrition returns nil, not an empty map, when the page has no nutrition.
func (e *DetailExtractor) ExtractNutrition(ctx context.Context, s *BrowserSession, detailURL string) (map[string]string, error) {
	rec, err := e.ExtractNutritionRecord(ctx, s, detailURL, "")
	if rec == nil {
		return nil, err
	}
	return rec.Nutrients, err
}

// ExtractNutritionRecord visits detailURL and always navigates back to the
// caller's page afterwards, even on failure.
func (e *DetailExtractor) ExtractNutritionRecord(ctx context.Context, s *BrowserSession, detailURL, productID string) (*NutritionRecord, error) {
	origin := s.CurrentURL()
	defer e.returnTo(ctx, s, origin)
	return e.extract(ctx, s, detailURL, productID)
}

// ExtractNutritionChained is ExtractNutritionRecord for callers that walk
// product pages back to back and have no page of their own to come back to.
// The session is left on the product page.
func (e *DetailExtractor) ExtractNutritionChained(ctx context.Context, s *BrowserSession, detailURL, productID string) (*NutritionRecord, error) {
	return e.extract(ctx, s, detailURL, productID)
}

func (e *DetailExtractor) extract(ctx context.Context, s *BrowserSession, detailURL, productID string) (*NutritionRecord, error) {
	state, err := s.Navigate(ctx, detailURL)
	if err != nil {
		return nil, err
	}

	if err := e.deps.checkRateLimit(ctx, state); err != nil {
		return nil, err
	}
	if err := e.deps.dismissConsent(ctx, s); err != nil {
		return nil, err
	}
	if _, err := s.WaitForAny(ctx, e.parser.sel.ContainerSelectors); err != nil {
		return nil, err
	}
	doc, err := s.Document(ctx)
	if err != nil {
		return nil, &ExtractionError{URL: state.CurrentURL, Target: "page dom", Err: err}
	}
	if e.parser.unavailable(doc) {
		e.deps.Logger.Info("product unavailable: %s", state.CurrentURL)
		e.deps.Metrics.IncNutrition("missing")
		return nil, nil
	}

	nutrients, method := e.parser.extract(doc)
	if len(nutrients) == 0 {
		e.deps.Logger.Debug("no nutrition on %s", state.CurrentURL)
		e.deps.Metrics.IncNutrition("missing")
		return nil, nil
	}
	e.deps.Metrics.IncNutrition("found")
	e.deps.Logger.Debug("🥗 %d nutrients from %s via %s", len(nutrients), state.CurrentURL, method)
	return &NutritionRecord{
		ProductID:        productID,
		Nutrients:        nutrients,
		ExtractedAt:      e.deps.Now(),
		ExtractionMethod: method,
		SourceURL:        state.CurrentURL,
	}, nil
}

func (e *DetailExtractor) returnTo(ctx context.Context, s *BrowserSession, origin string) {
	if origin == "" || ctx.Err() != nil || normalizeURL(origin) == normalizeURL(s.CurrentURL()) {
		return
	}
	if _, err := s.Navigate(ctx, origin); err != nil && !errors.Is(err, context.Canceled) {
		e.deps.Logger.Warn("could not return to %s: %v", origin, err)
	}
}
