package models

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/af-corp/meshforge/internal/config"
)

const defaultTimeout = 10 * time.Minute

// BackendError is a non-2xx answer from a model backend.
type BackendError struct {
	Backend string
	Op      string
	Status  int
	Body    string
}

func (e *BackendError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Backend, e.Op, e.Status, body)
}

// Client is the HTTP transport shared by all backend roles.
type Client struct {
	name string
	http *resty.Client
}

// NewClient builds a client for one configured backend.
func NewClient(name string, cfg config.BackendConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("Accept-Encoding", "zstd, identity")
	if len(cfg.Headers) > 0 {
		cli.SetHeaders(cfg.Headers)
	}
	if cfg.APIKey != "" {
		cli.SetAuthToken(cfg.APIKey)
	}
	return &Client{name: name, http: cli}
}

// Name is the backend's configured name.
func (c *Client) Name() string { return c.name }

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

// body returns the decoded body of a successful response.
func (c *Client) body(op string, resp *resty.Response) ([]byte, error) {
	if resp.IsError() {
		return nil, &BackendError{Backend: c.name, Op: op, Status: resp.StatusCode(), Body: resp.String()}
	}
	data := resp.Body()
	if strings.Contains(strings.ToLower(resp.Header().Get("Content-Encoding")), "zstd") {
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s %s: zstd reader: %w", c.name, op, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%s %s: zstd decompress: %w", c.name, op, err)
		}
		data = out
	}
	return data, nil
}

// ReleaseCache asks the backend to free accelerator caches.
func (c *Client) ReleaseCache(ctx context.Context) error {
	resp, err := c.request(ctx).Post("/release")
	if err != nil {
		return fmt.Errorf("%s release: %w", c.name, err)
	}
	_, err = c.body("release", resp)
	return err
}
