package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Credentials are object storage secrets read from the environment.
type Credentials struct {
	R2AccountID string `env:"CF_R2_ACCOUNT_ID"`
	R2AccessKey string `env:"CF_R2_ACCESS_KEY"`
	R2SecretKey string `env:"CF_R2_SECRET_KEY"`
	R2Bucket    string `env:"CF_R2_BUCKET, default=hunyuan3d"`

	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	SupabaseBucket     string `env:"SUPABASE_BUCKET, default=hunyuan3d"`
}

// LoadDotEnv loads path into the process environment when the file exists.
// Variables already set take precedence.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadCredentials reads Credentials from the environment and checks the ones
// the chosen storage backend needs.
func LoadCredentials(ctx context.Context, backend string) (*Credentials, error) {
	return loadCredentials(ctx, backend, envconfig.OsLookuper())
}

func loadCredentials(ctx context.Context, backend string, lookuper envconfig.Lookuper) (*Credentials, error) {
	var creds Credentials
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &creds,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("process credentials: %w", err)
	}
	if err := creds.Validate(backend); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Validate reports the missing variables for backend. An empty backend is
// validated as s3.
func (c *Credentials) Validate(backend string) error {
	var required map[string]string
	switch NormalizeStorageBackend(backend) {
	case StorageS3:
		required = map[string]string{
			"CF_R2_ACCOUNT_ID": c.R2AccountID,
			"CF_R2_ACCESS_KEY": c.R2AccessKey,
			"CF_R2_SECRET_KEY": c.R2SecretKey,
			"CF_R2_BUCKET":     c.R2Bucket,
		}
	case StorageSupabase:
		required = map[string]string{
			"SUPABASE_URL":         c.SupabaseURL,
			"SUPABASE_SERVICE_KEY": c.SupabaseServiceKey,
		}
	default:
		return fmt.Errorf("unknown storage backend %q", backend)
	}
	var missing []string
	for name, v := range required {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing environment variables: %v", missing)
	}
	return nil
}
