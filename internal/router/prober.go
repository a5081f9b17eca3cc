package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/config"
)

const defaultHealthPath = "/health"

// Prober polls every backend's health endpoint and feeds the result into the
// circuit breakers, so a tripped backend recovers without user traffic.
type Prober struct {
	client   *retryablehttp.Client
	health   *HealthTracker
	interval time.Duration
	logger   *zap.Logger
	targets  func() map[string]config.BackendConfig
}

func NewProber(health *HealthTracker, interval time.Duration, targets func() map[string]config.BackendConfig, logger *zap.Logger) *Prober {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Prober{
		client:   client,
		health:   health,
		interval: interval,
		logger:   logger,
		targets:  targets,
	}
}

// Run probes on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.ProbeAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProbeAll checks each backend once.
func (p *Prober) ProbeAll(ctx context.Context) {
	targets := p.targets()
	names := make([]string, 0, len(targets))
	for n := range targets {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := p.probe(ctx, targets[name]); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("backend health probe failed", zap.String("backend", name), zap.Error(err))
			p.health.RecordFailure(name)
			continue
		}
		p.health.RecordSuccess(name)
	}
}

func (p *Prober) probe(ctx context.Context, bc config.BackendConfig) error {
	path := bc.HealthPath
	if path == "" {
		path = defaultHealthPath
	}
	url := strings.TrimRight(bc.BaseURL, "/") + path

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	for k, v := range bc.Headers {
		req.Header.Set(k, v)
	}
	if bc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+bc.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
