// Package config resolves where the whiteboard relay lives.
package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"

	// DevelopmentURL is the relay started by cmd/relay with its defaults.
	DevelopmentURL = "http://localhost:3001"
	ProductionURL  = "https://whiteboard-backend-rkls.onrender.com"
)

// Config selects the relay a session connects to.
type Config struct {
	BackendURL string `env:"WHITEBOARD_BACKEND_URL"`
	Mode       string `env:"WHITEBOARD_MODE,default=production"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return Config{}, err
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return Config{}, fmt.Errorf("WHITEBOARD_MODE: unknown mode %q", cfg.Mode)
	}

	if cfg.BackendURL != "" {
		u, err := url.Parse(cfg.BackendURL)
		if err != nil || u.Host == "" {
			return Config{}, fmt.Errorf("WHITEBOARD_BACKEND_URL: invalid url %q", cfg.BackendURL)
		}
	}
	return cfg, nil
}

// Development reports whether the session targets a local relay.
func (c Config) Development() bool {
	return c.Mode == ModeDevelopment
}

// ResolveBackendURL picks the explicit override, then the development
// default, then the production relay.
func (c Config) ResolveBackendURL() string {
	if c.BackendURL != "" {
		return strings.TrimRight(c.BackendURL, "/")
	}
	if c.Development() {
		return DevelopmentURL
	}
	return ProductionURL
}

// ProbeFirst reports whether the relay may be asleep and should be woken
// before the transport is opened.
func (c Config) ProbeFirst() bool {
	return !c.Development()
}
