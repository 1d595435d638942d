// Package config loads process-wide and per-service scheduler
// configuration from the environment.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// ServicePolicyConfig is one entry of the per-service configuration
// surface of §6: service name, per-SKU candidate cap, and concurrency
// ceiling. The handler itself is wired in main, not loaded from env.
type ServicePolicyConfig struct {
	ServiceName    string
	PerSKULimit    int
	MaxConcurrency int
}

// Config is the process-wide configuration surface.
type Config struct {
	AppEnv       string        `env:"APP_ENV" envDefault:"dev"`
	APIAddr      string        `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN  string        `env:"POSTGRES_DSN,notEmpty"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"5s"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`

	// ServicePoliciesRaw is "name:per_sku_limit:max_concurrency"
	// entries separated by ";", e.g. "iam:2:3;iot:1:4".
	ServicePoliciesRaw string `env:"SERVICE_POLICIES" envDefault:"iam:2:3;iot:1:4"`

	Services []ServicePolicyConfig `env:"-"`
}

// Load parses the environment into a Config, returning an error
// instead of calling log.Fatal so callers (and tests) control the
// failure path.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}

	services, err := parseServicePolicies(c.ServicePoliciesRaw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse SERVICE_POLICIES")
	}
	c.Services = services
	return c, nil
}

func parseServicePolicies(raw string) ([]ServicePolicyConfig, error) {
	var out []ServicePolicyConfig
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, errors.Errorf("malformed service policy %q, want name:per_sku_limit:max_concurrency", entry)
		}
		perSKULimit, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "per_sku_limit in %q", entry)
		}
		maxConcurrency, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, errors.Wrapf(err, "max_concurrency in %q", entry)
		}
		out = append(out, ServicePolicyConfig{
			ServiceName:    parts[0],
			PerSKULimit:    perSKULimit,
			MaxConcurrency: maxConcurrency,
		})
	}
	return out, nil
}
