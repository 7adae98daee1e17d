package grocerycrawler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const sessionKind = "CrawlSession"

// DatastoreTracker keeps session records as Datastore entities keyed by id.
type DatastoreTracker struct {
	client *datastore.Client
	kind   string
	now    func() time.Time
}

func NewDatastoreTracker(ctx context.Context, projectID string, opts ...option.ClientOption) (*DatastoreTracker, error) {
	projectID, err := resolveProjectID(projectID)
	if err != nil {
		return nil, err
	}
	client, err := datastore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore client: %w", err)
	}
	return &DatastoreTracker{client: client, kind: sessionKind, now: time.Now}, nil
}

func (t *DatastoreTracker) Create(ctx context.Context, crawlType CrawlType, settings map[string]interface{}) (*CrawlSession, error) {
	s := newCrawlSession(uuid.NewString(), crawlType, settings, t, t.now)
	if err := t.Save(ctx, s.Snapshot()); err != nil {
		return nil, err
	}
	return s, nil
}

// Save stores settings as JSON since entities cannot hold arbitrary maps.
func (t *DatastoreTracker) Save(ctx context.Context, rec SessionRecord) error {
	raw, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("encoding session settings: %w", err)
	}
	rec.SettingsJSON = string(raw)
	key := datastore.NameKey(t.kind, rec.ID, nil)
	if _, err := t.client.Put(ctx, key, &rec); err != nil {
		return fmt.Errorf("could not save session %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a session record back, settings included.
func (t *DatastoreTracker) Get(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	if err := t.client.Get(ctx, datastore.NameKey(t.kind, id, nil), &rec); err != nil {
		return rec, fmt.Errorf("could not retrieve session %s: %w", id, err)
	}
	rec.ID = id
	if rec.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(rec.SettingsJSON), &rec.Settings); err != nil {
			return rec, fmt.Errorf("decoding session settings: %w", err)
		}
	}
	return rec, nil
}

func (t *DatastoreTracker) Close() error {
	return t.client.Close()
}
