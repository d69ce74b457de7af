// limiter.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package shaper

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) level() zerolog.Level {
	switch s {
	case SeverityWarning:
		return zerolog.WarnLevel
	case SeverityError, SeverityCritical:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type LimitsConfig struct {
	MessagesPerMinute       int              `yaml:"messages_per_minute"`
	MessagesPerHour         int              `yaml:"messages_per_hour"`
	MessagesPerDay          int              `yaml:"messages_per_day"`
	GroupMessagesMultiplier float64          `yaml:"group_messages_multiplier"`
	WarningThresholds       map[int]Severity `yaml:"warning_thresholds"`
}

// RateWindow is a fixed window counter that resets lazily.
type RateWindow struct {
	Count     int
	ResetTime int64
	length    time.Duration
}

func (w *RateWindow) refresh(now time.Time) {
	if now.UnixMilli() >= w.ResetTime {
		w.Count = 0
		w.ResetTime = now.Add(w.length).UnixMilli()
	}
}

type Usage struct {
	Minute RateWindow
	Hour   RateWindow
	Day    RateWindow
}

type AdaptiveLimiter struct {
	cfg        LimitsConfig
	thresholds []int
	log        zerolog.Logger

	lock   sync.Mutex
	minute RateWindow
	hour   RateWindow
	day    RateWindow

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAdaptiveLimiter(cfg LimitsConfig, log zerolog.Logger) *AdaptiveLimiter {
	thresholds := maps.Keys(cfg.WarningThresholds)
	slices.Sort(thresholds)
	return &AdaptiveLimiter{
		cfg:        cfg,
		thresholds: thresholds,
		log:        log.With().Str("component", "rate_limiter").Logger(),
		minute:     RateWindow{length: time.Minute},
		hour:       RateWindow{length: time.Hour},
		day:        RateWindow{length: 24 * time.Hour},
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// EffectiveLimits returns the minute, hour and day limits for an action.
func (l *AdaptiveLimiter) EffectiveLimits(isGroup bool) (int, int, int) {
	minute, hour, day := l.cfg.MessagesPerMinute, l.cfg.MessagesPerHour, l.cfg.MessagesPerDay
	if isGroup && l.cfg.GroupMessagesMultiplier > 0 {
		scale := func(v int) int {
			if v <= 0 {
				return v
			}
			return int(math.Floor(float64(v) * l.cfg.GroupMessagesMultiplier))
		}
		minute, hour, day = scale(minute), scale(hour), scale(day)
	}
	return minute, hour, day
}

func percent(count, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(count) / float64(limit) * 100
}

// CheckLimit reports whether an action may be sent now. A crossed critical
// threshold rejects the action. A full minute window blocks until it resets.
func (l *AdaptiveLimiter) CheckLimit(ctx context.Context, isGroup bool) (bool, error) {
	minuteLimit, hourLimit, dayLimit := l.EffectiveLimits(isGroup)

	l.lock.Lock()
	now := l.now()
	l.minute.refresh(now)
	l.hour.refresh(now)
	l.day.refresh(now)
	usage := max(
		percent(l.minute.Count, minuteLimit),
		percent(l.hour.Count, hourLimit),
		percent(l.day.Count, dayLimit),
	)
	for _, threshold := range l.thresholds {
		if usage < float64(threshold) {
			break
		}
		severity := l.cfg.WarningThresholds[threshold]
		l.log.WithLevel(severity.level()).
			Int("threshold", threshold).
			Float64("usage_percent", usage).
			Bool("group", isGroup).
			Msg("Rate limit threshold crossed")
		if severity == SeverityCritical {
			l.lock.Unlock()
			return false, nil
		}
	}
	if minuteLimit > 0 && l.minute.Count >= minuteLimit {
		wait := time.UnixMilli(l.minute.ResetTime).Sub(now)
		l.lock.Unlock()
		l.log.Warn().Dur("wait", wait).Msg("Minute window full, waiting for reset")
		if err := l.sleep(ctx, wait); err != nil {
			return false, err
		}
		l.lock.Lock()
		now = l.now()
		l.minute.refresh(now)
		if l.minute.Count >= minuteLimit {
			// The clock has not reached the reset time yet.
			l.minute.Count = 0
			l.minute.ResetTime = now.Add(l.minute.length).UnixMilli()
		}
	}
	l.minute.Count++
	l.hour.Count++
	l.day.Count++
	l.lock.Unlock()
	return true, nil
}

func (l *AdaptiveLimiter) Usage() Usage {
	l.lock.Lock()
	defer l.lock.Unlock()
	return Usage{Minute: l.minute, Hour: l.hour, Day: l.day}
}
