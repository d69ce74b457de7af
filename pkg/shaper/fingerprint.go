// fingerprint.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package shaper

import (
	"context"
	"strings"
	"sync"
	"time"

	mrand "math/rand/v2"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

const DefaultRotationInterval = 6 * time.Hour

// Fingerprint is one internally consistent synthetic browser identity.
type Fingerprint struct {
	UserAgent        string   `json:"user_agent"`
	Language         string   `json:"language"`
	Platform         string   `json:"platform"`
	ScreenResolution string   `json:"screen_resolution"`
	Timezone         string   `json:"timezone"`
	Plugins          []string `json:"plugins"`
	CanvasHash       string   `json:"canvas_hash"`
	WebGLHash        string   `json:"webgl_hash"`
}

type browserProfile struct {
	userAgent string
	platform  string
	plugins   []string
}

var chromePlugins = []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer", "Microsoft Edge PDF Viewer", "WebKit built-in PDF"}

var browserProfiles = []browserProfile{
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "Win32", chromePlugins},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0", "Win32", chromePlugins},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "MacIntel", chromePlugins},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15", "MacIntel", nil},
	{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", "Linux x86_64", chromePlugins},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0", "Win32", []string{"PDF Viewer"}},
	{"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:132.0) Gecko/20100101 Firefox/132.0", "Linux x86_64", []string{"PDF Viewer"}},
}

var (
	languages   = []string{"en-US", "en-GB", "de-DE", "fr-FR", "es-ES", "sv-SE", "nl-NL", "pt-BR"}
	resolutions = []string{"1920x1080", "2560x1440", "1366x768", "1536x864", "1440x900", "1680x1050", "3840x2160"}
	timezones   = []string{"America/New_York", "America/Chicago", "America/Los_Angeles", "Europe/London", "Europe/Berlin", "Europe/Stockholm", "Asia/Singapore"}
)

func pick[T any](items []T) T {
	return items[mrand.IntN(len(items))]
}

func hashString() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func GenerateFingerprint() Fingerprint {
	profile := pick(browserProfiles)
	return Fingerprint{
		UserAgent:        profile.userAgent,
		Language:         pick(languages),
		Platform:         profile.platform,
		ScreenResolution: pick(resolutions),
		Timezone:         pick(timezones),
		Plugins:          append([]string(nil), profile.plugins...),
		CanvasHash:       hashString(),
		WebGLHash:        hashString(),
	}
}

type FingerprintConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

// IdentityRotator holds the current fingerprint and replaces it on a timer.
type IdentityRotator struct {
	lock     sync.RWMutex
	current  Fingerprint
	interval time.Duration
	log      zerolog.Logger

	runLock sync.Mutex
	cancel  context.CancelFunc
	stopped *exsync.Event
}

func NewIdentityRotator(cfg FingerprintConfig, log zerolog.Logger) *IdentityRotator {
	interval := cfg.RotationInterval
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &IdentityRotator{
		current:  GenerateFingerprint(),
		interval: interval,
		log:      log.With().Str("component", "identity_rotator").Logger(),
	}
}

func (r *IdentityRotator) Current() Fingerprint {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.current
}

func (r *IdentityRotator) UserAgent() string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.current.UserAgent
}

// Rotate replaces the current fingerprint and returns the new one.
func (r *IdentityRotator) Rotate() Fingerprint {
	fp := GenerateFingerprint()
	r.lock.Lock()
	r.current = fp
	r.lock.Unlock()
	r.log.Debug().Str("user_agent", fp.UserAgent).Str("platform", fp.Platform).Msg("Rotated fingerprint")
	return fp
}

// Start runs the rotation timer until ctx is done or Stop is called.
func (r *IdentityRotator) Start(ctx context.Context) {
	r.runLock.Lock()
	defer r.runLock.Unlock()
	r.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	stopped := exsync.NewEvent()
	r.cancel = cancel
	r.stopped = stopped
	go func() {
		defer stopped.Set()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Rotate()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *IdentityRotator) Stop() {
	r.runLock.Lock()
	defer r.runLock.Unlock()
	r.stopLocked()
}

func (r *IdentityRotator) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.stopped.GetChan()
	r.cancel = nil
	r.stopped = nil
}
