// connector.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

// Package connector wires the credential store, the traffic shaper and the
// realtime client into one account session.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/store"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/web"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/shaper"
)

var (
	ErrNoSession   = errors.New("no stored session, set appstate to import one")
	ErrRateLimited = errors.New("send rejected by rate limiter")
)

type Connector struct {
	Config *Config
	Store  *store.Container
	Shaper *shaper.Shaper
	Client *realtime.Client
	HTTP   *http.Client
	Creds  *store.Credentials

	log zerolog.Logger

	handlerLock sync.RWMutex
	handlers    []realtime.EventHandler
}

// New opens the store, resolves the session and builds the client. It does
// not connect.
func New(ctx context.Context, cfg *Config, log zerolog.Logger) (*Connector, error) {
	container, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c, err := newWithStore(ctx, cfg, container, log)
	if err != nil {
		_ = container.Close()
		return nil, err
	}
	return c, nil
}

func newWithStore(ctx context.Context, cfg *Config, container *store.Container, log zerolog.Logger) (*Connector, error) {
	creds, err := loadCredentials(ctx, cfg, container)
	if err != nil {
		return nil, err
	}
	httpClient, err := web.NewHTTPClient(cfg.Proxy, cfg.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		Config: cfg,
		Store:  container,
		Shaper: shaper.New(cfg.Shaper, log),
		HTTP:   httpClient,
		Creds:  creds,
		log:    log.With().Str("user_id", creds.UserID).Logger(),
	}
	c.Client, err = realtime.NewClient(cfg.Realtime, creds, httpClient, c.Shaper, c.handleEvent, c.log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func loadCredentials(ctx context.Context, cfg *Config, container *store.Container) (*store.Credentials, error) {
	if cfg.AppState != "" {
		data, err := os.ReadFile(cfg.AppState)
		if err != nil {
			return nil, fmt.Errorf("failed to read appstate: %w", err)
		}
		creds, err := store.ParseAppState(data)
		if err != nil {
			return nil, err
		}
		if cfg.UserID != "" && cfg.UserID != creds.UserID {
			return nil, fmt.Errorf("appstate is for %s, not %s", creds.UserID, cfg.UserID)
		}
		if existing, err := container.GetCredentials(ctx, creds.UserID); err != nil {
			return nil, err
		} else if existing != nil {
			creds.Region = existing.Region
		}
		if err = container.PutCredentials(ctx, creds); err != nil {
			return nil, fmt.Errorf("failed to save imported session: %w", err)
		}
		return creds, nil
	}
	var creds *store.Credentials
	var err error
	if cfg.UserID != "" {
		creds, err = container.GetCredentials(ctx, cfg.UserID)
	} else {
		creds, err = container.LatestCredentials(ctx)
	}
	if err != nil {
		return nil, err
	} else if creds == nil {
		return nil, ErrNoSession
	}
	return creds, nil
}

func (c *Connector) AddEventHandler(handler realtime.EventHandler) {
	c.handlerLock.Lock()
	c.handlers = append(c.handlers, handler)
	c.handlerLock.Unlock()
}

func (c *Connector) handleEvent(evt events.Event) {
	if hint, ok := evt.(*events.RegionHint); ok {
		if err := c.Store.SetRegion(context.Background(), c.Creds.UserID, hint.Region); err != nil {
			c.log.Err(err).Msg("Failed to save region hint")
		}
	}
	c.handlerLock.RLock()
	defer c.handlerLock.RUnlock()
	for _, handler := range c.handlers {
		handler(evt)
	}
}

// Start begins fingerprint rotation and connects. ctx only bounds the
// initial connect.
func (c *Connector) Start(ctx context.Context) error {
	c.Shaper.Start(context.WithoutCancel(ctx))
	if err := c.Client.Connect(ctx); err != nil {
		c.Shaper.Close()
		return err
	}
	return nil
}

func (c *Connector) Stop() {
	c.Client.Disconnect()
	c.Shaper.Close()
	if err := c.Store.Close(); err != nil {
		c.log.Err(err).Msg("Failed to close store")
	}
}
