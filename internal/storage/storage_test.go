package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/meshforge/internal/config"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abc_textured.glb")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func countingServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "hunyuan3d-21-abc.glb", ObjectName("hunyuan3d-21", "abc"))
	assert.Equal(t, "abc.glb", ObjectName("", "abc"))
}

func TestR2Endpoint(t *testing.T) {
	assert.Equal(t, "acct.r2.cloudflarestorage.com", R2Endpoint("acct"))
}

func TestPublish_MissingArtifactMakesNoNetworkCall(t *testing.T) {
	srv, hits := countingServer(t)
	host := strings.TrimPrefix(srv.URL, "http://")

	s3, err := NewS3Publisher(S3Options{Endpoint: host, AccessKey: "ak", SecretKey: "sk", Bucket: "hunyuan3d", Expiry: time.Hour})
	require.NoError(t, err)
	supa := NewSupabasePublisher(SupabaseOptions{URL: srv.URL, ServiceKey: "key", Bucket: "hunyuan3d", Expiry: time.Hour})

	missing := filepath.Join(t.TempDir(), "nope.glb")
	empty := writeArtifact(t, "")

	for name, p := range map[string]Publisher{"s3": s3, "supabase": supa} {
		for _, path := range []string{missing, empty} {
			_, err := p.Publish(context.Background(), path, "obj.glb")
			assert.ErrorIs(t, err, ErrArtifactNotFound, name)
			assert.NotErrorIs(t, err, ErrStorage, name)
		}
	}
	assert.Zero(t, hits.Load())
}

func TestS3Publisher_Publish(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody = body
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewS3Publisher(S3Options{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "ak",
		SecretKey: "sk",
		Bucket:    "hunyuan3d",
		Expiry:    time.Hour,
	})
	require.NoError(t, err)

	path := writeArtifact(t, "glTF-binary-payload")
	signed, err := p.Publish(context.Background(), path, "hunyuan3d-21-abc.glb")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "/hunyuan3d/hunyuan3d-21-abc.glb", gotPath)
	assert.Equal(t, ContentType, gotContentType)
	assert.Contains(t, string(gotBody), "glTF-binary-payload")
	mu.Unlock()

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/hunyuan3d/hunyuan3d-21-abc.glb", u.Path)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestS3Publisher_UploadFailureIsStorageError(t *testing.T) {
	srv, hits := countingServer(t)
	p, err := NewS3Publisher(S3Options{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:  "ak",
		SecretKey:  "sk",
		Bucket:     "hunyuan3d",
		Expiry:     time.Hour,
		MaxRetries: 1,
	})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), writeArtifact(t, "x"), "obj.glb")
	require.ErrorIs(t, err, ErrStorage)
	assert.NotContains(t, err.Error(), "Bucket name")
	// the failure came from the store, not from client-side validation
	assert.Positive(t, hits.Load())
}

func supabaseServer(t *testing.T, signStatus int) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/"):
			var body struct {
				ExpiresIn int `json:"expiresIn"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(signStatus)
			if signStatus == http.StatusOK {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"signedURL": "/object/sign/hunyuan3d/obj.glb?token=tok&expires=" + strconv.Itoa(body.ExpiresIn),
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "boom", "message": "boom"})
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/"):
			_ = json.NewEncoder(w).Encode(map[string]any{"Key": "hunyuan3d/obj.glb"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}


func TestSupabasePublisher_Publish(t *testing.T) {
	srv, calls := supabaseServer(t, http.StatusOK)
	p := NewSupabasePublisher(SupabaseOptions{URL: srv.URL + "/", ServiceKey: "key", Bucket: "hunyuan3d", Expiry: time.Hour})

	signed, err := p.Publish(context.Background(), writeArtifact(t, "payload"), "obj.glb")
	require.NoError(t, err)
	assert.Contains(t, signed, "token=tok")
	assert.Contains(t, signed, "expires=3600")
	assert.Equal(t, []string{
		"POST /storage/v1/object/hunyuan3d/obj.glb",
		"POST /storage/v1/object/sign/hunyuan3d/obj.glb",
	}, *calls)
}

func TestSupabasePublisher_SignFailure(t *testing.T) {
	srv, _ := supabaseServer(t, http.StatusInternalServerError)
	p := NewSupabasePublisher(SupabaseOptions{URL: srv.URL, ServiceKey: "key", Bucket: "hunyuan3d", Expiry: time.Hour})

	_, err := p.Publish(context.Background(), writeArtifact(t, "payload"), "obj.glb")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestNew(t *testing.T) {
	creds := &config.Credentials{
		R2AccountID: "acct", R2AccessKey: "ak", R2SecretKey: "sk", R2Bucket: "b",
		SupabaseURL: "https://x.supabase.co", SupabaseServiceKey: "k", SupabaseBucket: "b",
	}

	p, err := New(config.StorageConfig{Backend: "s3", Secure: true}, creds)
	require.NoError(t, err)
	s3, ok := p.(*S3Publisher)
	require.True(t, ok)
	assert.Equal(t, time.Hour, s3.expiry)

	p, err = New(config.StorageConfig{Backend: "supabase", PresignExpiry: time.Minute}, creds)
	require.NoError(t, err)
	supa, ok := p.(*SupabasePublisher)
	require.True(t, ok)
	assert.Equal(t, time.Minute, supa.expiry)

	p, err = New(config.StorageConfig{}, creds)
	require.NoError(t, err)
	_, ok = p.(*S3Publisher)
	assert.True(t, ok, "empty backend builds the s3 publisher")
	require.NoError(t, creds.Validate(""))

	_, err = New(config.StorageConfig{Backend: "gcs"}, creds)
	assert.Error(t, err)
}
