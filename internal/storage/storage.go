// Package storage publishes finished assets to object storage and hands out
// time-limited download links.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/af-corp/meshforge/internal/config"
)

// ContentType is the MIME type of binary glTF assets.
const ContentType = "model/gltf-binary"

var (
	// ErrArtifactNotFound means the local file to publish is missing or empty.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrStorage wraps every failure of the remote store.
	ErrStorage = errors.New("storage error")
)

// Publisher uploads a local file and returns a presigned GET URL for it.
type Publisher interface {
	Publish(ctx context.Context, localPath, objectName string) (string, error)
}

// ObjectName returns the remote key for a request's asset.
func ObjectName(prefix, uid string) string {
	if prefix == "" {
		return uid + ".glb"
	}
	return prefix + "-" + uid + ".glb"
}

// statArtifact fails with ErrArtifactNotFound before any network call.
func statArtifact(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrArtifactNotFound, path, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrArtifactNotFound, path)
	}
	return info, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// New builds the publisher selected by cfg.Backend.
func New(cfg config.StorageConfig, creds *config.Credentials) (Publisher, error) {
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	switch config.NormalizeStorageBackend(cfg.Backend) {
	case config.StorageS3:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = R2Endpoint(creds.R2AccountID)
		}
		return NewS3Publisher(S3Options{
			Endpoint:  endpoint,
			AccessKey: creds.R2AccessKey,
			SecretKey: creds.R2SecretKey,
			Bucket:    creds.R2Bucket,
			Secure:    cfg.Secure,
			Expiry:    expiry,
		})
	case config.StorageSupabase:
		return NewSupabasePublisher(SupabaseOptions{
			URL:        creds.SupabaseURL,
			ServiceKey: creds.SupabaseServiceKey,
			Bucket:     creds.SupabaseBucket,
			Expiry:     expiry,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
