package grocerycrawler

import (
	"context"
	"math/rand"
	"time"
)

type DelayKind string

const (
	BetweenRequests        DelayKind = "between_requests"
	BetweenCategories      DelayKind = "between_categories"
	BetweenSubcategories   DelayKind = "between_subcategories"
	BetweenPages           DelayKind = "between_pages"
	BetweenProducts        DelayKind = "between_products"
	AfterProductExtraction DelayKind = "after_product_extraction"
	AfterPopupHandling     DelayKind = "after_popup_handling"
	AfterError             DelayKind = "after_error"
	AfterRateLimitDetected DelayKind = "after_rate_limit_detected"
	QueuePoll              DelayKind = "queue_poll"
)

// DelayProfile is the fixed wait table. All durations are seconds.
type DelayProfile struct {
	Base           map[DelayKind]float64 `yaml:"base"`
	JitterMin      float64               `yaml:"jitter_min"`
	JitterMax      float64               `yaml:"jitter_max"`
	GrowthFactor   float64               `yaml:"growth_factor"`
	MaxMultiplier  float64               `yaml:"max_multiplier"`
	MaxDelay       float64               `yaml:"max_delay"`
	SuccessWindow  float64               `yaml:"success_window"`
	MinSuccessRate float64               `yaml:"min_success_rate"`
}

// WithBase returns a copy with the given kinds overridden.
func (p DelayProfile) WithBase(secs float64, kinds ...DelayKind) DelayProfile {
	base := make(map[DelayKind]float64, len(p.Base))
	for k, v := range p.Base {
		base[k] = v
	}
	for _, k := range kinds {
		base[k] = secs
	}
	p.Base = base
	return p
}

type requestOutcome struct {
	at      time.Time
	success bool
}

// DelayManager owns the backoff state of one browser context.
// It is not safe for concurrent use; give each goroutine its own.
type DelayManager struct {
	profile    DelayProfile
	phrases    []string
	multiplier float64
	lastPhrase string
	history    []requestOutcome
	rng        *rand.Rand
	sleep      sleeper
	now        func() time.Time
	logger     Logger
	metrics    *Metrics
}

type DelayOption func(*DelayManager)

func WithDelaySleeper(s func(ctx context.Context, d time.Duration) error) DelayOption {
	return func(d *DelayManager) { d.sleep = s }
}

func WithDelayLogger(l Logger) DelayOption {
	return func(d *DelayManager) { d.logger = l }
}

func WithDelayMetrics(m *Metrics) DelayOption {
	return func(d *DelayManager) { d.metrics = m }
}

func WithDelaySeed(seed int64) DelayOption {
	return func(d *DelayManager) { d.rng = rand.New(rand.NewSource(seed)) }
}

func WithDelayClock(now func() time.Time) DelayOption {
	return func(d *DelayManager) { d.now = now }
}

func NewDelayManager(profile DelayProfile, rateLimitPhrases []string, opts ...DelayOption) *DelayManager {
	if profile.GrowthFactor <= 1 {
		profile.GrowthFactor = 1.5
	}
	if profile.MaxMultiplier < 1 {
		profile.MaxMultiplier = 10
	}
	if profile.JitterMax < profile.JitterMin {
		profile.JitterMax = profile.JitterMin
	}
	d := &DelayManager{
		profile:    profile,
		phrases:    rateLimitPhrases,
		multiplier: 1.0,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepContext,
		now:        time.Now,
		logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DelayManager) Multiplier() float64 {
	return d.multiplier
}

func (d *DelayManager) base(kind DelayKind) float64 {
	if v, ok := d.profile.Base[kind]; ok {
		return v
	}
	return d.profile.Base[BetweenRequests]
}

// Bounds reports the inclusive range Duration(kind) can return.
func (d *DelayManager) Bounds(kind DelayKind) (time.Duration, time.Duration) {
	base := d.base(kind)
	return seconds(base), seconds(max(d.profile.MaxDelay, base))
}

// Duration computes one wait: base times multiplier plus jitter, capped.
func (d *DelayManager) Duration(kind DelayKind) time.Duration {
	base := d.base(kind)
	ceiling := max(d.profile.MaxDelay, base)
	jitter := d.profile.JitterMin
	if span := d.profile.JitterMax - d.profile.JitterMin; span > 0 {
		jitter += d.rng.Float64() * span
	}
	total := base*d.multiplier + jitter
	if total > ceiling {
		total = ceiling
	}
	if total < base {
		total = base
	}
	return seconds(total)
}

// Wait blocks the calling goroutine for Duration(kind).
func (d *DelayManager) Wait(ctx context.Context, kind DelayKind) (time.Duration, error) {
	dur := d.Duration(kind)
	d.metrics.ObserveDelay(kind, dur)
	if dur >= time.Second {
		d.logger.Debug("⏳ waiting %v (%s, x%.2f)", dur.Round(time.Millisecond), kind, d.multiplier)
	}
	return dur, d.sleep(ctx, dur)
}

// IncreaseDelay grows the multiplier by the growth factor up to the cap.
func (d *DelayManager) IncreaseDelay() {
	next := d.multiplier * d.profile.GrowthFactor
	if next > d.profile.MaxMultiplier {
		next = d.profile.MaxMultiplier
	}
	if next != d.multiplier {
		d.logger.Info("🐢 delay multiplier %.2f -> %.2f", d.multiplier, next)
	}
	d.multiplier = next
}

// ResetDelay restores the multiplier after a clean success.
func (d *DelayManager) ResetDelay() {
	if d.multiplier != 1.0 {
		d.logger.Debug("delay multiplier reset from %.2f", d.multiplier)
	}
	d.multiplier = 1.0
}

// LooksRateLimited scans text for throttling phrases. On a match it performs the
// after_rate_limit_detected wait before returning true.
func (d *DelayManager) LooksRateLimited(ctx context.Context, pageText string) bool {
	phrase, ok := containsAny(pageText, d.phrases)
	if !ok {
		return false
	}
	d.lastPhrase = phrase
	d.logger.Warn("🚦 rate limit signal %q, backing off", phrase)
	if _, err := d.Wait(ctx, AfterRateLimitDetected); err != nil {
		d.logger.Debug("rate limit wait interrupted: %v", err)
	}
	return true
}

// LastRateLimitPhrase is the phrase behind the most recent positive LooksRateLimited.
func (d *DelayManager) LastRateLimitPhrase() string {
	return d.lastPhrase
}

// RecordRequest tracks outcomes over a sliding window and escalates when the
// success rate drops below the configured floor.
func (d *DelayManager) RecordRequest(success bool) {
	now := d.now()
	d.history = append(d.history, requestOutcome{at: now, success: success})
	window := seconds(d.profile.SuccessWindow)
	if window <= 0 {
		window = 5 * time.Minute
	}
	cut := 0
	for cut < len(d.history) && now.Sub(d.history[cut].at) > window {
		cut++
	}
	d.history = d.history[cut:]
	if len(d.history) < 5 || d.profile.MinSuccessRate <= 0 {
		return
	}
	ok := 0
	for _, h := range d.history {
		if h.success {
			ok++
		}
	}
	if rate := float64(ok) / float64(len(d.history)); rate < d.profile.MinSuccessRate {
		d.logger.Warn("📉 success rate %.0f%% over last %d requests", rate*100, len(d.history))
		d.IncreaseDelay()
	}
}
