package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"
)

type SupabaseOptions struct {
	// URL is the project URL, e.g. https://abc.supabase.co.
	URL        string
	ServiceKey string
	Bucket     string
	Expiry     time.Duration
}

// SupabasePublisher publishes to a Supabase Storage bucket.
type SupabasePublisher struct {
	client *storage_go.Client
	bucket string
	expiry time.Duration
}

func NewSupabasePublisher(opts SupabaseOptions) *SupabasePublisher {
	endpoint := strings.TrimRight(opts.URL, "/") + "/storage/v1"
	client := storage_go.NewClient(endpoint, opts.ServiceKey, map[string]string{
		"apikey": opts.ServiceKey,
	})
	return &SupabasePublisher{client: client, bucket: opts.Bucket, expiry: opts.Expiry}
}

// Publish uploads with upsert semantics. The storage client has no context
// support, so ctx is only checked between calls.
func (p *SupabasePublisher) Publish(ctx context.Context, localPath, objectName string) (string, error) {
	if _, err := statArtifact(localPath); err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrArtifactNotFound, localPath, err)
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return "", storageErr("upload "+objectName, err)
	}
	contentType := ContentType
	upsert := true
	if _, err := p.client.UploadFile(p.bucket, objectName, f, storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	}); err != nil {
		return "", storageErr("upload "+objectName, err)
	}

	if err := ctx.Err(); err != nil {
		return "", storageErr("sign "+objectName, err)
	}
	signed, err := p.client.CreateSignedUrl(p.bucket, objectName, int(p.expiry.Seconds()))
	if err != nil {
		return "", storageErr("sign "+objectName, err)
	}
	if !strings.Contains(signed.SignedURL, "token=") {
		return "", storageErr("sign "+objectName, fmt.Errorf("signed url carries no token: %q", signed.SignedURL))
	}
	return signed.SignedURL, nil
}
