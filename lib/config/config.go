// Package config is the relay's YAML configuration file: nonce lifetimes,
// telemetry bounds and the nonce store backend.
package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skysprint/scorerelay"
	"github.com/skysprint/scorerelay/lib/telemetry"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrNonceTTLNotPositive      = errors.New("config.Nonce: ttl_seconds must be positive")
	ErrExpiredRetentionNegative = errors.New("config.Nonce: expired_retention_seconds must not be negative")
)

type Nonce struct {
	TTLSeconds              int `json:"ttl_seconds"`
	ExpiredRetentionSeconds int `json:"expired_retention_seconds"`
}

func (n Nonce) TTL() time.Duration {
	return time.Duration(n.TTLSeconds) * time.Second
}

func (n Nonce) ExpiredRetention() time.Duration {
	return time.Duration(n.ExpiredRetentionSeconds) * time.Second
}

func (n Nonce) Valid() error {
	var errs []error

	if n.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrNonceTTLNotPositive, n.TTLSeconds))
	}

	if n.ExpiredRetentionSeconds < 0 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrExpiredRetentionNegative, n.ExpiredRetentionSeconds))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

type Config struct {
	Nonce     Nonce            `json:"nonce"`
	Telemetry telemetry.Bounds `json:"telemetry"`
	Store     Store            `json:"store"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Nonce: Nonce{
			TTLSeconds:              int(scorerelay.DefaultNonceTTL / time.Second),
			ExpiredRetentionSeconds: int(scorerelay.DefaultExpiredRetention / time.Second),
		},
		Telemetry: telemetry.DefaultBounds(),
		Store: Store{
			Backend: "memory",
		},
	}
}

func (c *Config) Valid() error {
	var errs []error

	if err := c.Nonce.Valid(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Telemetry.Valid(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Store.Valid(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load parses a YAML (or JSON) config. Keys missing from the file keep their
// Default values.
func Load(fin io.Reader, fname string) (*Config, error) {
	c := Default()

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(c); err != nil {
		return nil, fmt.Errorf("can't parse relay config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("errors validating relay config %s: %w", fname, err)
	}

	return c, nil
}
