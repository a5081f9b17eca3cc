package config

import (
	"fmt"
	"time"
)

// Backend roles served by model backends.
const (
	RoleBackgroundRemoval = "background_removal"
	RoleShape             = "shape"
	RoleTexture           = "texture"
)

type BackendsConfig struct {
	Backends map[string]BackendConfig `yaml:"backends"`
	Roles    map[string]RoleRoute     `yaml:"roles"`
}

type BackendConfig struct {
	// Type selects the client; only "http" is built in.
	Type       string            `yaml:"type"`
	BaseURL    string            `yaml:"base_url"`
	APIKey     string            `yaml:"api_key"`
	Timeout    time.Duration     `yaml:"timeout"`
	HealthPath string            `yaml:"health_path,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// RoleRoute names the backend serving a role and the ordered fallbacks.
type RoleRoute struct {
	Primary  string   `yaml:"primary"`
	Fallback []string `yaml:"fallback"`
}

// Candidates returns primary followed by fallbacks.
func (r RoleRoute) Candidates() []string {
	out := make([]string, 0, 1+len(r.Fallback))
	if r.Primary != "" {
		out = append(out, r.Primary)
	}
	return append(out, r.Fallback...)
}

// Validate checks that shape generation is routed and every route names a
// declared backend.
func (b *BackendsConfig) Validate() error {
	if len(b.Roles[RoleShape].Candidates()) == 0 {
		return fmt.Errorf("role %q has no backend", RoleShape)
	}
	for role, route := range b.Roles {
		switch role {
		case RoleBackgroundRemoval, RoleShape, RoleTexture:
		default:
			return fmt.Errorf("unknown role %q", role)
		}
		for _, name := range route.Candidates() {
			if _, ok := b.Backends[name]; !ok {
				return fmt.Errorf("role %q references unknown backend %q", role, name)
			}
		}
	}
	return nil
}
