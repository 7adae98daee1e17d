package grocerycrawler

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/compute/metadata"
	"google.golang.org/api/option"
)

// PageArchive is one captured page kept for later diagnosis.
type PageArchive struct {
	URL        string
	HTML       string
	Reason     string
	CapturedAt time.Time
}

// Archiver stores snapshots of pages the extractors could not make sense of.
type Archiver interface {
	Archive(ctx context.Context, page PageArchive) error
	Close() error
}

type bigQueryRow struct {
	URL       string    `bigquery:"url"`
	HTMLData  string    `bigquery:"html_data"`
	Reason    string    `bigquery:"reason"`
	CreatedAt time.Time `bigquery:"created_at"`
}

type BigQueryArchiver struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
	target   string
}

// resolveProjectID falls back to the GCE metadata server when no project is configured.
func resolveProjectID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if !metadata.OnGCE() {
		return "", fmt.Errorf("GCP_PROJECT_ID is not set and not running on GCE")
	}
	projectID, err := metadata.ProjectID()
	if err != nil {
		return "", fmt.Errorf("failed to get project ID: %w", err)
	}
	return projectID, nil
}

func NewBigQueryArchiver(ctx context.Context, projectID, dataset, table string, opts ...option.ClientOption) (*BigQueryArchiver, error) {
	projectID, err := resolveProjectID(projectID)
	if err != nil {
		return nil, err
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	return &BigQueryArchiver{
		client:   client,
		inserter: client.Dataset(dataset).Table(table).Inserter(),
		target:   fmt.Sprintf("%s.%s.%s", projectID, dataset, table),
	}, nil
}

func (a *BigQueryArchiver) Archive(ctx context.Context, page PageArchive) error {
	if page.CapturedAt.IsZero() {
		page.CapturedAt = time.Now()
	}
	rows := []*bigQueryRow{{
		URL:       page.URL,
		HTMLData:  page.HTML,
		Reason:    page.Reason,
		CreatedAt: page.CapturedAt,
	}}
	if err := a.inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("failed to insert page into %s: %w", a.target, err)
	}
	return nil
}

func (a *BigQueryArchiver) Close() error {
	return a.client.Close()
}
