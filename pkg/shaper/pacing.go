// pacing.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package shaper

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	mrand "math/rand/v2"

	"github.com/rs/zerolog"
)

type Distribution string

const (
	DistributionUniform     Distribution = "uniform"
	DistributionNormal      Distribution = "normal"
	DistributionExponential Distribution = "exponential"
)

const MinTypingDelay = 500 * time.Millisecond

type PacingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Distribution    Distribution  `yaml:"distribution"`
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	MaxBurst        int           `yaml:"max_burst"`
	BurstCooldown   time.Duration `yaml:"burst_cooldown"`
	IdleProbability float64       `yaml:"idle_probability"`
	IdleMin         time.Duration `yaml:"idle_min"`
	IdleMax         time.Duration `yaml:"idle_max"`
	TypingWPM       int           `yaml:"typing_wpm"`
	TypingVariance  float64       `yaml:"typing_variance"`
}

type burstTracker struct {
	count       int
	windowStart time.Time
}

type PacingEngine struct {
	cfg PacingConfig
	log zerolog.Logger

	lock  sync.Mutex
	burst burstTracker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	float func() float64
}

func NewPacingEngine(cfg PacingConfig, log zerolog.Logger) *PacingEngine {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &PacingEngine{
		cfg:   cfg,
		log:   log.With().Str("component", "pacing").Logger(),
		now:   time.Now,
		sleep: sleepCtx,
		float: mrand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// NextDelay draws one delay from the configured distribution over
// [MinDelay, MaxDelay].
func (p *PacingEngine) NextDelay() time.Duration {
	lo := float64(p.cfg.MinDelay)
	hi := float64(p.cfg.MaxDelay)
	span := hi - lo
	switch p.cfg.Distribution {
	case DistributionNormal:
		// Box-Muller; u1 must be nonzero for the log.
		u1 := 1 - p.float()
		u2 := p.float()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
		return time.Duration(clamp(lo+span/2+z*span*0.15, lo, hi))
	case DistributionExponential:
		return time.Duration(clamp(lo+math.Log(1-p.float())*-span/3, lo, hi))
	default:
		return time.Duration(lo + p.float()*span)
	}
}

// Delay sleeps for one sampled delay.
func (p *PacingEngine) Delay(ctx context.Context) (time.Duration, error) {
	d := p.NextDelay()
	return d, p.sleep(ctx, d)
}

// CheckBurst counts a call in the current cooldown window. When the window
// reaches MaxBurst calls it sleeps for the whole cooldown, resets the window
// and reports true.
func (p *PacingEngine) CheckBurst(ctx context.Context) (bool, error) {
	if p.cfg.MaxBurst <= 0 {
		return false, nil
	}
	p.lock.Lock()
	now := p.now()
	if now.Sub(p.burst.windowStart) > p.cfg.BurstCooldown {
		p.burst = burstTracker{windowStart: now}
	}
	p.burst.count++
	hit := p.burst.count >= p.cfg.MaxBurst
	count := p.burst.count
	p.lock.Unlock()
	if !hit {
		return false, nil
	}
	p.log.Debug().Int("burst_count", count).Dur("cooldown", p.cfg.BurstCooldown).Msg("Burst limit reached, cooling down")
	if err := p.sleep(ctx, p.cfg.BurstCooldown); err != nil {
		return true, err
	}
	p.lock.Lock()
	p.burst = burstTracker{windowStart: p.now()}
	p.lock.Unlock()
	return true, nil
}

// SimulateIdle sleeps for a random idle period with the configured
// probability and reports whether it did.
func (p *PacingEngine) SimulateIdle(ctx context.Context) (bool, error) {
	if p.cfg.IdleProbability <= 0 || p.float() >= p.cfg.IdleProbability {
		return false, nil
	}
	span := p.cfg.IdleMax - p.cfg.IdleMin
	d := p.cfg.IdleMin
	if span > 0 {
		d += time.Duration(p.float() * float64(span))
	}
	p.log.Debug().Dur("idle", d).Msg("Simulating idle period")
	return true, p.sleep(ctx, d)
}

// TypingDelay estimates how long a person would take to type text.
func (p *PacingEngine) TypingDelay(text string) time.Duration {
	wpm := p.cfg.TypingWPM
	if wpm <= 0 {
		wpm = 40
	}
	words := len(strings.Fields(text))
	base := float64(words) * float64(time.Minute) / float64(wpm)
	factor := 1 + (p.float()*2-1)*p.cfg.TypingVariance
	d := time.Duration(base * factor)
	if d < MinTypingDelay {
		return MinTypingDelay
	}
	return d
}
