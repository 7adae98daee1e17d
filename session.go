package grocerycrawler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type CrawlType string

const (
	CrawlList   CrawlType = "LIST"
	CrawlDetail CrawlType = "DETAIL"
	CrawlBoth   CrawlType = "BOTH"
)

func ParseCrawlType(s string) (CrawlType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(CrawlList):
		return CrawlList, nil
	case string(CrawlDetail):
		return CrawlDetail, nil
	case string(CrawlBoth):
		return CrawlBoth, nil
	default:
		return "", fmt.Errorf("unknown crawl type %q", s)
	}
}

type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusRunning   SessionStatus = "RUNNING"
	StatusPaused    SessionStatus = "PAUSED"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusFailed    SessionStatus = "FAILED"
	StatusCancelled SessionStatus = "CANCELLED"
)

func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type SessionCounters struct {
	CategoriesProcessed int `json:"categories_processed" bson:"categories_processed" datastore:"categories_processed"`
	ProductsFound       int `json:"products_found" bson:"products_found" datastore:"products_found"`
	ProductsUpdated     int `json:"products_updated" bson:"products_updated" datastore:"products_updated"`
	NutritionFound      int `json:"nutrition_found" bson:"nutrition_found" datastore:"nutrition_found"`
	NutritionMissing    int `json:"nutrition_missing" bson:"nutrition_missing" datastore:"nutrition_missing"`
	Errors              int `json:"errors" bson:"errors" datastore:"errors"`
}

func (c SessionCounters) Add(o SessionCounters) SessionCounters {
	return SessionCounters{
		CategoriesProcessed: c.CategoriesProcessed + o.CategoriesProcessed,
		ProductsFound:       c.ProductsFound + o.ProductsFound,
		ProductsUpdated:     c.ProductsUpdated + o.ProductsUpdated,
		NutritionFound:      c.NutritionFound + o.NutritionFound,
		NutritionMissing:    c.NutritionMissing + o.NutritionMissing,
		Errors:              c.Errors + o.Errors,
	}
}

func (c SessionCounters) negative() bool {
	return c.CategoriesProcessed < 0 || c.ProductsFound < 0 || c.ProductsUpdated < 0 ||
		c.NutritionFound < 0 || c.NutritionMissing < 0 || c.Errors < 0
}

// SessionRecord is the persisted form of a crawl session.
type SessionRecord struct {
	ID           string                 `json:"id" bson:"_id" datastore:"-"`
	CrawlType    CrawlType              `json:"crawl_type" bson:"crawl_type" datastore:"crawl_type"`
	Status       SessionStatus          `json:"status" bson:"status" datastore:"status"`
	StartedAt    time.Time              `json:"started_at" bson:"started_at" datastore:"started_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty" bson:"ended_at,omitempty" datastore:"ended_at"`
	Counters     SessionCounters        `json:"counters" bson:"counters" datastore:"counters,flatten"`
	Settings     map[string]interface{} `json:"settings" bson:"settings" datastore:"-"`
	SettingsJSON string                 `json:"-" bson:"-" datastore:"settings,noindex"`
	ErrorLog     string                 `json:"error_log" bson:"error_log" datastore:"error_log,noindex"`
}

// CrawlSession is the state machine of one crawl run. It belongs to the
// orchestrator that created it and is not safe for concurrent use; the dual
// coordinator folds per-context counters in once through Apply.
type CrawlSession struct {
	rec     SessionRecord
	ended   bool
	tracker SessionTracker
	now     func() time.Time
	logger  Logger
}

func newCrawlSession(id string, crawlType CrawlType, settings map[string]interface{}, tracker SessionTracker, now func() time.Time) *CrawlSession {
	if now == nil {
		now = time.Now
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return &CrawlSession{
		rec: SessionRecord{
			ID:        id,
			CrawlType: crawlType,
			Status:    StatusPending,
			StartedAt: now(),
			Settings:  settings,
		},
		tracker: tracker,
		now:     now,
		logger:  discardLogger(),
	}
}

func (s *CrawlSession) SetLogger(l Logger) {
	s.logger = l
}

func (s *CrawlSession) ID() string                { return s.rec.ID }
func (s *CrawlSession) Type() CrawlType           { return s.rec.CrawlType }
func (s *CrawlSession) Status() SessionStatus     { return s.rec.Status }
func (s *CrawlSession) Counters() SessionCounters { return s.rec.Counters }
func (s *CrawlSession) ErrorLog() string          { return s.rec.ErrorLog }
func (s *CrawlSession) StartedAt() time.Time      { return s.rec.StartedAt }

// EndedAt is nil until a terminal transition.
func (s *CrawlSession) EndedAt() *time.Time {
	if !s.ended {
		return nil
	}
	t := s.rec.EndedAt
	return &t
}

// Snapshot returns a copy safe to hand to a tracker.
func (s *CrawlSession) Snapshot() SessionRecord {
	rec := s.rec
	rec.Settings = make(map[string]interface{}, len(s.rec.Settings))
	for k, v := range s.rec.Settings {
		rec.Settings[k] = v
	}
	return rec
}

func (s *CrawlSession) persist(ctx context.Context) error {
	if s.tracker == nil {
		return nil
	}
	if err := s.tracker.Save(ctx, s.Snapshot()); err != nil {
		s.logger.Warn("saving session %s: %v", s.rec.ID, err)
		return err
	}
	return nil
}

func (s *CrawlSession) transition(ctx context.Context, op string, to SessionStatus, from ...SessionStatus) error {
	allowed := false
	for _, f := range from {
		if s.rec.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return &SessionStateError{Op: op, From: s.rec.Status}
	}
	prev := s.rec.Status
	s.rec.Status = to
	if to.Terminal() && !s.ended {
		s.ended = true
		s.rec.EndedAt = s.now()
	}
	s.logger.Info("📋 session %s: %s -> %s", s.rec.ID, prev, to)
	return s.persist(ctx)
}

func (s *CrawlSession) Start(ctx context.Context) error {
	return s.transition(ctx, "start", StatusRunning, StatusPending)
}

func (s *CrawlSession) Pause(ctx context.Context) error {
	return s.transition(ctx, "pause", StatusPaused, StatusRunning)
}

func (s *CrawlSession) Resume(ctx context.Context) error {
	return s.transition(ctx, "resume", StatusRunning, StatusPaused)
}

func (s *CrawlSession) MarkCompleted(ctx context.Context) error {
	return s.transition(ctx, "complete", StatusCompleted, StatusRunning)
}

// MarkFailed records reason in the error log before failing the session.
func (s *CrawlSession) MarkFailed(ctx context.Context, reason string) error {
	if s.rec.Status != StatusRunning && s.rec.Status != StatusPending {
		return &SessionStateError{Op: "fail", From: s.rec.Status}
	}
	s.appendLog("FAILED: " + reason)
	return s.transition(ctx, "fail", StatusFailed, StatusRunning, StatusPending)
}

func (s *CrawlSession) MarkCancelled(ctx context.Context) error {
	return s.transition(ctx, "cancel", StatusCancelled, StatusPending, StatusRunning, StatusPaused)
}

func (s *CrawlSession) mutable(op string) error {
	if s.rec.Status != StatusRunning && s.rec.Status != StatusPaused {
		return &SessionStateError{Op: op, From: s.rec.Status}
	}
	return nil
}

// Apply adds a whole counter set in one step.
func (s *CrawlSession) Apply(ctx context.Context, delta SessionCounters) error {
	if err := s.mutable("update counters"); err != nil {
		return err
	}
	if delta.negative() {
		return fmt.Errorf("crawl session: counters only grow, got %+v", delta)
	}
	if delta == (SessionCounters{}) {
		return nil
	}
	s.rec.Counters = s.rec.Counters.Add(delta)
	return s.persist(ctx)
}

// RecordError counts err and appends it to the error log with where it happened.
func (s *CrawlSession) RecordError(ctx context.Context, where string, err error) error {
	if mErr := s.mutable("record error"); mErr != nil {
		return mErr
	}
	s.rec.Counters.Errors++
	s.appendLog(fmt.Sprintf("[%s] %s: %v", ErrorKind(err), where, err))
	return s.persist(ctx)
}

func (s *CrawlSession) appendLog(line string) {
	stamp := s.now().UTC().Format(time.RFC3339)
	if s.rec.ErrorLog != "" {
		s.rec.ErrorLog += "\n"
	}
	s.rec.ErrorLog += stamp + " " + line
}
