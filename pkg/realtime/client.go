// client.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

// Package realtime keeps one MQTT-over-websocket session to the chat edge
// alive and turns its frames into events.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mrand "math/rand/v2"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/delta"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/store"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/web"
)

var (
	ErrForcedReconnect    = errors.New("forced reconnect")
	ErrPingTimeout        = errors.New("no packets received within ping timeout")
	ErrEndpointsExhausted = errors.New("all endpoints failed")
	ErrAlreadyConnected   = errors.New("client is already connected")
	ErrLoggedOut          = errors.New("session rejected by server")
	ErrNoCredentials      = errors.New("credentials with a user id are required")
)

// EventHandler receives every event of the client. It is called from the
// read loop and the connect loop, so it must not block for long.
type EventHandler func(evt events.Event)

// Gate is consulted before every reconnect and supplies the user agent for
// the websocket upgrade.
type Gate interface {
	UserAgent() string
	BeforeReconnect(ctx context.Context) error
}

type Client struct {
	Decoder *delta.Decoder

	cfg        Config
	creds      *store.Credentials
	httpClient *http.Client
	gate       Gate
	handler    EventHandler
	log        zerolog.Logger

	clientIDPrefix string
	jitter         func(max time.Duration) time.Duration

	stateLock     sync.Mutex
	state         events.ConnectionState
	attempts      int
	endpointIndex int
	region        string
	identity      SessionIdentity

	conn       atomic.Pointer[web.Conn]
	lastPacket atomic.Int64
	cancel     atomic.Pointer[context.CancelFunc]
	cancelConn atomic.Pointer[context.CancelCauseFunc]
	running    atomic.Bool
	loopDone   atomic.Pointer[exsync.Event]
}

func NewClient(cfg Config, creds *store.Credentials, httpClient *http.Client, gate Gate, handler EventHandler, log zerolog.Logger) (*Client, error) {
	if creds == nil || creds.UserID == "" {
		return nil, ErrNoCredentials
	}
	cfg.SetDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if handler == nil {
		handler = func(events.Event) {}
	}
	region := cfg.Region
	if creds.Region != "" {
		region = creds.Region
	}
	return &Client{
		Decoder:        delta.NewDecoder(log, creds.UserID, cfg.SelfListen),
		cfg:            cfg,
		creds:          creds,
		httpClient:     httpClient,
		gate:           gate,
		handler:        handler,
		log:            log.With().Str("component", "realtime").Logger(),
		clientIDPrefix: fmt.Sprintf("%x", time.Now().UnixMilli()),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return mrand.N(max)
		},
		region: region,
	}, nil
}

func (c *Client) IsConnected() bool {
	return c.State() == events.StateConnected
}

func (c *Client) State() events.ConnectionState {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Client) ReconnectAttempts() int {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.attempts
}

// Identity returns the identity of the current or most recent session.
func (c *Client) Identity() SessionIdentity {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.identity
}

func (c *Client) Region() string {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.region
}

func (c *Client) LastMessageTimestamp() int64 {
	return c.Decoder.LastMessageTimestamp()
}

func (c *Client) TrackedMessageCount() int {
	return c.Decoder.Dedup.Len()
}

func (c *Client) setState(state events.ConnectionState, err error) {
	for _, evt := range c.swapState(state, err) {
		c.handler(evt)
	}
}

// swapState records the new state and returns the change event without
// emitting it.
func (c *Client) swapState(state events.ConnectionState, err error) []events.Event {
	c.stateLock.Lock()
	prev := c.state
	c.state = state
	if state == events.StateConnected {
		c.attempts = 0
	}
	attempts := c.attempts
	c.stateLock.Unlock()
	if prev == state && err == nil {
		return nil
	}
	return []events.Event{&events.ConnectionStateChanged{
		Previous: prev,
		Current:  state,
		Attempts: attempts,
		Err:      err,
	}}
}

// nextReconnect returns the delay before the next attempt and counts it, or
// false when the attempt budget is spent.
func (c *Client) nextReconnect() (time.Duration, bool) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		return 0, false
	}
	delay := c.cfg.BackoffDelay(c.attempts) + c.jitter(c.cfg.BackoffJitter)
	c.attempts++
	return delay, true
}

func (c *Client) nextIdentity() SessionIdentity {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	idx := c.endpointIndex % len(c.cfg.Endpoints)
	c.identity = newIdentity(c.clientIDPrefix, c.region, idx, c.cfg.Endpoints[idx])
	return c.identity
}

func (c *Client) advanceEndpoint() {
	c.stateLock.Lock()
	c.endpointIndex = (c.endpointIndex + 1) % len(c.cfg.Endpoints)
	c.stateLock.Unlock()
}

func (c *Client) setRegion(region string) {
	c.stateLock.Lock()
	c.region = region
	c.stateLock.Unlock()
}

// Connect starts the connect loop and blocks until the first session is
// established. It fails when every endpoint has been tried once without a
// completed handshake, or when ctx is done first. Cancelling ctx after
// Connect returns does not stop the client; use Disconnect for that.
func (c *Client) Connect(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	c.stateLock.Lock()
	c.attempts = 0
	c.stateLock.Unlock()

	loopCtx, cancel := context.WithCancel(c.log.WithContext(context.WithoutCancel(ctx)))
	c.cancel.Store(&cancel)
	done := exsync.NewEvent()
	c.loopDone.Store(done)
	firstResult := make(chan error, 1)
	go c.connectLoop(loopCtx, done, firstResult)

	select {
	case err := <-firstResult:
		if err != nil {
			c.Disconnect()
		}
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Disconnect stops the connect loop and closes the session. It is safe to
// call more than once, and from the handler of the event that ends the loop
// (ReconnectExhausted, or the final Disconnected state change).
func (c *Client) Disconnect() {
	if cancel := c.cancel.Swap(nil); cancel != nil {
		(*cancel)()
	}
	if done := c.loopDone.Load(); done != nil {
		<-done.GetChan()
	}
	if c.State() != events.StateExhausted {
		c.setState(events.StateDisconnected, nil)
	}
}

// ForceReconnect drops the current session and lets the connect loop
// establish a new one.
func (c *Client) ForceReconnect() {
	if cancelFn := c.cancelConn.Load(); cancelFn != nil {
		(*cancelFn)(ErrForcedReconnect)
	}
}
