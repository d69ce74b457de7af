// config.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/shaper"
)

//go:embed example-config.yaml
var ExampleConfig string

var (
	ErrInvalidDistribution = errors.New("unknown pacing distribution")
	ErrInvalidEntropy      = errors.New("unknown entropy level")
	ErrInvalidSeverity     = errors.New("unknown warning severity")
	ErrInvalidDelayRange   = errors.New("pacing min_delay is above max_delay")
	ErrMissingSendURL      = errors.New("send_url must be set")
)

type Config struct {
	UserID         string        `yaml:"user_id"`
	SelfListen     bool          `yaml:"self_listen"`
	UpdatePresence bool          `yaml:"update_presence"`
	Database       string        `yaml:"database"`
	AppState       string        `yaml:"appstate"`
	Proxy          string        `yaml:"proxy"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	SendURL        string        `yaml:"send_url"`
	GraphQLURL     string        `yaml:"graphql_url"`

	Realtime realtime.Config   `yaml:"realtime"`
	Shaper   shaper.Config     `yaml:"shaper"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates the enum fields and copies the account level flags
// into the realtime section.
func (c *Config) PostProcess() error {
	switch c.Shaper.Pacing.Distribution {
	case shaper.DistributionUniform, shaper.DistributionNormal, shaper.DistributionExponential:
	default:
		return fmt.Errorf("%w %q", ErrInvalidDistribution, c.Shaper.Pacing.Distribution)
	}
	if c.Shaper.Obfuscation.EntropyLevel.MarkerProbability() == 0 {
		return fmt.Errorf("%w %q", ErrInvalidEntropy, c.Shaper.Obfuscation.EntropyLevel)
	}
	for pct, severity := range c.Shaper.Limits.WarningThresholds {
		switch severity {
		case shaper.SeverityInfo, shaper.SeverityWarning, shaper.SeverityError, shaper.SeverityCritical:
		default:
			return fmt.Errorf("%w %q at %d%%", ErrInvalidSeverity, severity, pct)
		}
	}
	if c.Shaper.Pacing.MinDelay > c.Shaper.Pacing.MaxDelay {
		return ErrInvalidDelayRange
	}
	if c.SendURL == "" {
		return ErrMissingSendURL
	}
	c.Realtime.SelfListen = c.SelfListen
	c.Realtime.UpdatePresence = c.UpdatePresence
	c.Realtime.SetDefaults()
	return nil
}

// LoadConfig decodes data on top of the embedded example config, so any
// key left out keeps its default.
func LoadConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfig(data)
}
