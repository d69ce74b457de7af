// config.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package realtime

import (
	"math"
	"time"
)

var DefaultEndpoints = []string{
	"wss://edge-chat.messenger.com/chat",
	"wss://edge-chat.facebook.com/chat",
	"wss://gateway.messenger.com/chat",
	"wss://edge-chat-latest.messenger.com/chat",
	"wss://edge-chat-latest.facebook.com/chat",
	"wss://gateway.facebook.com/chat",
	"wss://edge-chat.messenger.com/chat?a=1",
}

type Config struct {
	Endpoints []string `yaml:"endpoints"`
	Region    string   `yaml:"region"`
	Origin    string   `yaml:"origin"`

	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	ResyncInterval    time.Duration `yaml:"resync_interval"`
	PresenceInterval  time.Duration `yaml:"presence_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	SyncErrorDelay    time.Duration `yaml:"sync_error_delay"`

	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	BackoffFactor        float64       `yaml:"backoff_factor"`
	BackoffJitter        time.Duration `yaml:"backoff_jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	UpdatePresence bool `yaml:"-"`
	SelfListen     bool `yaml:"-"`
}

func orDefault[T comparable](val *T, def T) {
	var zero T
	if *val == zero {
		*val = def
	}
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints
	}
	orDefault(&c.Region, "PRN")
	orDefault(&c.KeepaliveInterval, 10*time.Second)
	orDefault(&c.WatchdogInterval, 30*time.Second)
	orDefault(&c.PingTimeout, 180*time.Second)
	orDefault(&c.ResyncInterval, 60*time.Second)
	orDefault(&c.PresenceInterval, 60*time.Second)
	orDefault(&c.HandshakeTimeout, 45*time.Second)
	orDefault(&c.SettleDelay, 500*time.Millisecond)
	orDefault(&c.SyncErrorDelay, time.Second)
	orDefault(&c.BackoffBase, time.Second)
	orDefault(&c.BackoffMax, 30*time.Second)
	orDefault(&c.BackoffFactor, 1.5)
	orDefault(&c.BackoffJitter, time.Second)
	orDefault(&c.MaxReconnectAttempts, 150)
}

// BackoffDelay is the reconnect delay before jitter after the given number
// of failed attempts.
func (c *Config) BackoffDelay(attempts int) time.Duration {
	delay := float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(attempts))
	if delay > float64(c.BackoffMax) || math.IsInf(delay, 1) {
		return c.BackoffMax
	}
	return time.Duration(delay)
}
