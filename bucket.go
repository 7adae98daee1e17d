package grocerycrawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/api/option"
)

// BucketArchiver writes page snapshots as objects under pages/<site>/.
type BucketArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewBucketArchiver(ctx context.Context, bucket, site string, opts ...option.ClientOption) (*BucketArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_BUCKET is not set")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &BucketArchiver{client: client, bucket: bucket, prefix: objectPrefix(site)}, nil
}

func objectPrefix(site string) string {
	return fmt.Sprintf("pages/%s/", strings.Trim(site, "/"))
}

func (a *BucketArchiver) Archive(ctx context.Context, page PageArchive) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	name := a.prefix + generateFilename(page.URL)
	writer := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = detectContentType([]byte(page.HTML))
	writer.Metadata = map[string]string{"source_url": page.URL, "reason": page.Reason}

	if _, err := writer.Write([]byte(page.HTML)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write %s to bucket %s: %w", name, a.bucket, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer for %s: %w", name, err)
	}
	return nil
}

func (a *BucketArchiver) Close() error {
	return a.client.Close()
}

func detectContentType(data []byte) string {
	if len(data) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(data).String()
}
