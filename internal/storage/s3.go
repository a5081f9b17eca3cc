package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// R2Endpoint is the S3 API host of a Cloudflare R2 account.
func R2Endpoint(accountID string) string {
	return accountID + ".r2.cloudflarestorage.com"
}

type S3Options struct {
	// Endpoint is host[:port] without scheme.
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	// Region defaults to "auto"; a fixed region avoids bucket location lookups.
	Region string
	Expiry time.Duration
	// MaxRetries of 0 keeps the client default.
	MaxRetries int
}

// S3Publisher publishes to any S3-compatible store.
type S3Publisher struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func NewS3Publisher(opts S3Options) (*S3Publisher, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		MaxRetries:   opts.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Publisher{client: client, bucket: opts.Bucket, expiry: opts.Expiry}, nil
}

func (p *S3Publisher) Publish(ctx context.Context, localPath, objectName string) (string, error) {
	if _, err := statArtifact(localPath); err != nil {
		return "", err
	}

	if _, err := p.client.FPutObject(ctx, p.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentType,
	}); err != nil {
		return "", storageErr("upload "+objectName, err)
	}

	u, err := p.client.PresignedGetObject(ctx, p.bucket, objectName, p.expiry, url.Values{})
	if err != nil {
		return "", storageErr("presign "+objectName, err)
	}
	return u.String(), nil
}
