// shaper.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

// Package shaper paces and varies outbound requests so that they resemble
// browser traffic, and keeps the send rate within configured quotas.
package shaper

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

type Config struct {
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Obfuscation ObfuscationConfig `yaml:"obfuscation"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Limits      LimitsConfig      `yaml:"limits"`
}

type Shaper struct {
	Identity    *IdentityRotator
	Obfuscation *Obfuscator
	Pacing      *PacingEngine
	Limiter     *AdaptiveLimiter

	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Shaper {
	return &Shaper{
		Identity:    NewIdentityRotator(cfg.Fingerprint, log),
		Obfuscation: NewObfuscator(cfg.Obfuscation),
		Pacing:      NewPacingEngine(cfg.Pacing, log),
		Limiter:     NewAdaptiveLimiter(cfg.Limits, log),
		cfg:         cfg,
		log:         log,
	}
}

// Start begins fingerprint rotation if enabled.
func (s *Shaper) Start(ctx context.Context) {
	if s.cfg.Fingerprint.Enabled {
		s.Identity.Start(ctx)
	}
}

func (s *Shaper) Close() {
	s.Identity.Stop()
}

func (s *Shaper) UserAgent() string {
	return s.Identity.UserAgent()
}

func (s *Shaper) pace(ctx context.Context) error {
	if !s.cfg.Pacing.Enabled {
		return nil
	}
	if _, err := s.Pacing.Delay(ctx); err != nil {
		return err
	}
	_, err := s.Pacing.CheckBurst(ctx)
	return err
}

// BeforeSend runs the pacing delay, the burst check and the rate limiter in
// that order. A false result means the send must not happen now.
func (s *Shaper) BeforeSend(ctx context.Context, isGroup bool) (bool, error) {
	if err := s.pace(ctx); err != nil {
		return false, err
	}
	allowed, err := s.Limiter.CheckLimit(ctx, isGroup)
	if err != nil {
		return false, err
	} else if !allowed {
		s.log.Warn().Bool("group", isGroup).Msg("Send rejected by rate limiter")
	}
	return allowed, nil
}

// BeforeReconnect paces a reconnect attempt. Reconnects do not count
// against the send quotas.
func (s *Shaper) BeforeReconnect(ctx context.Context) error {
	return s.pace(ctx)
}

// PrepareRequest applies parameter obfuscation and returns the extra headers
// for one request, including the current user agent.
func (s *Shaper) PrepareRequest(params []Param) ([]Param, http.Header) {
	headers := s.Obfuscation.Headers()
	headers.Set("User-Agent", s.UserAgent())
	return s.Obfuscation.Params(params), headers
}

func (s *Shaper) TagPayload(payload []byte) ([]byte, error) {
	return s.Obfuscation.TagPayload(payload)
}
