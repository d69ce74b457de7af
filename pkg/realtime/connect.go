// connect.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/delta"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/web"
)

// Disconnect notice reasons after which the server expects a new session.
var reconnectReasons = map[string]struct{}{
	"reconnect":         {},
	"server_restart":    {},
	"server_shutdown":   {},
	"keepalive_timeout": {},
}

func (c *Client) connectLoop(ctx context.Context, done *exsync.Event, firstResult chan<- error) {
	log := zerolog.Ctx(ctx).With().
		Str("loop", "mqtt_connect_loop").
		Logger()
	// Events of the final transition are emitted after the loop is marked
	// done, so their handlers may call Disconnect.
	var final []events.Event
	defer func() {
		c.running.Store(false)
		done.Set()
		for _, evt := range final {
			c.handler(evt)
		}
	}()

	initial := true
	initialFailures := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			log.Debug().Msg("ctx done, stopping connection loop")
			return
		}
		identity := c.nextIdentity()
		if initial {
			c.setState(events.StateConnecting, nil)
		}
		connected, err := c.runSession(ctx, identity, func() {
			if initial {
				initial = false
				firstResult <- nil
			}
		})
		if ctx.Err() != nil {
			log.Debug().Msg("ctx done, stopping connection loop")
			return
		}
		lastErr = err
		if errors.Is(err, ErrLoggedOut) {
			log.Err(err).Msg("Server rejected session, not reconnecting")
			final = c.swapState(events.StateDisconnected, err)
			if initial {
				firstResult <- err
			}
			return
		}
		if !connected {
			log.Warn().Err(err).
				Str("endpoint", identity.Endpoint).
				Int("endpoint_index", identity.EndpointIndex).
				Msg("Failed to connect to endpoint")
			c.advanceEndpoint()
			if initial {
				initialFailures++
				if initialFailures >= len(c.cfg.Endpoints) {
					final = c.swapState(events.StateDisconnected, err)
					firstResult <- fmt.Errorf("%w: %w", ErrEndpointsExhausted, err)
					return
				}
				continue
			}
		} else {
			log.Info().Err(err).Msg("Session ended")
		}

		delay, ok := c.nextReconnect()
		if !ok {
			attempts := c.ReconnectAttempts()
			log.Error().Int("attempts", attempts).Msg("Giving up reconnecting")
			final = append(c.swapState(events.StateExhausted, lastErr),
				&events.ReconnectExhausted{Attempts: attempts, LastErr: lastErr})
			return
		}
		c.setState(events.StateReconnecting, err)
		log.Debug().Dur("backoff", delay).Int("attempts", c.ReconnectAttempts()).Msg("Waiting to reconnect")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if c.gate != nil {
			if err := c.gate.BeforeReconnect(ctx); err != nil {
				return
			}
		}
	}
}

func (c *Client) header() http.Header {
	header := http.Header{}
	origin := c.cfg.Origin
	if origin == "" {
		origin = web.DefaultOrigin
	}
	header.Set("Origin", origin)
	header.Set("Cookie", c.creds.CookieHeader())
	if c.gate != nil {
		header.Set("User-Agent", c.gate.UserAgent())
	} else {
		header.Set("User-Agent", web.DefaultUserAgent)
	}
	return header
}

// runSession dials one endpoint, completes the handshake and serves the
// session until it ends. connected reports whether the handshake finished.
func (c *Client) runSession(ctx context.Context, identity SessionIdentity, onConnected func()) (connected bool, err error) {
	log := zerolog.Ctx(ctx).With().
		Str("endpoint", identity.Endpoint).
		Uint32("session_id", identity.SessionID).
		Logger()
	wsURL, err := identity.URL()
	if err != nil {
		return false, err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	ws, resp, err := web.OpenWebsocket(dialCtx, wsURL, web.DialOpts{HTTPClient: c.httpClient, Header: c.header()})
	cancelDial()
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return false, fmt.Errorf("%w: %s", ErrLoggedOut, resp.Status)
	} else if err != nil {
		return false, fmt.Errorf("failed to open websocket: %w", err)
	}

	connCtx, cancelConn := context.WithCancelCause(ctx)
	defer cancelConn(nil)
	// The session closes the conn itself so a DISCONNECT can still be sent
	// on shutdown.
	conn := web.NewConn(context.WithoutCancel(connCtx), ws)
	defer ws.CloseNow()

	stopClose := context.AfterFunc(ctx, func() { _ = ws.CloseNow() })
	err = conn.Handshake(identity.ClientID, c.authPayload(identity), c.cfg.KeepaliveInterval, c.cfg.HandshakeTimeout)
	stopClose()
	if err != nil {
		return false, err
	}
	if _, err = conn.Subscribe(SubscribeTopics); err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err = c.publishQueue(conn); err != nil {
		return false, fmt.Errorf("failed to open sync queue: %w", err)
	}

	c.lastPacket.Store(time.Now().UnixMilli())
	c.conn.Store(conn)
	c.cancelConn.Store(&cancelConn)
	c.setState(events.StateConnected, nil)
	log.Info().Msg("Connected")
	onConnected()

	var wg sync.WaitGroup
	every := func(interval time.Duration, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					fn()
				case <-connCtx.Done():
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.readLoop(connCtx, conn, &wg)
		cancelConn(fmt.Errorf("error in readLoop: %w", err))
	}()
	every(c.cfg.KeepaliveInterval, func() {
		if err := conn.Ping(); err != nil {
			cancelConn(fmt.Errorf("failed to send ping: %w", err))
		}
	})
	every(c.cfg.WatchdogInterval, func() {
		silence := time.Since(time.UnixMilli(c.lastPacket.Load()))
		if silence > c.cfg.PingTimeout {
			log.Warn().Dur("silence", silence).Msg("Ping timeout, forcing reconnect")
			cancelConn(ErrPingTimeout)
		}
	})
	every(c.cfg.ResyncInterval, func() {
		c.publishGetDiffs(conn)
	})
	if c.cfg.UpdatePresence {
		every(c.cfg.PresenceInterval, func() {
			c.publishPresence(conn, true)
		})
	}
	c.after(connCtx, &wg, c.cfg.SettleDelay, func() {
		c.publishPresence(conn, true)
		c.publishGetDiffs(conn)
	})

	<-connCtx.Done()
	err = context.Cause(connCtx)
	log.Debug().AnErr("ctx_cause_err", err).Msg("Session loop exited")
	c.cancelConn.Store(nil)
	c.conn.Store(nil)
	if ctx.Err() != nil {
		_ = conn.Disconnect()
	}
	_ = ws.CloseNow()
	wg.Wait()
	return true, err
}

// after runs fn once after d unless the session ends first.
func (c *Client) after(ctx context.Context, wg *sync.WaitGroup, d time.Duration, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			fn()
		case <-ctx.Done():
		}
	}()
}

func (c *Client) readLoop(ctx context.Context, conn *web.Conn, wg *sync.WaitGroup) error {
	log := zerolog.Ctx(ctx)
	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			return err
		}
		c.lastPacket.Store(time.Now().UnixMilli())
		switch p := pkt.(type) {
		case *packets.PublishPacket:
			if p.Qos == 1 {
				if err := conn.Puback(p.MessageID); err != nil {
					return fmt.Errorf("failed to send puback: %w", err)
				}
			}
			c.dispatch(ctx, conn, wg, c.Decoder.Decode(p.TopicName, p.Payload))
		case *packets.SubackPacket:
			for i, code := range p.ReturnCodes {
				if code == 0x80 && i < len(SubscribeTopics) {
					log.Warn().Str("topic", SubscribeTopics[i]).Msg("Subscription rejected")
				}
			}
		case *packets.PingrespPacket:
			log.Trace().Msg("Received pingresp")
		case *packets.DisconnectPacket:
			return errors.New("server sent disconnect")
		default:
			log.Debug().Str("packet", pkt.String()).Msg("Ignoring packet")
		}
	}
}

// dispatch reacts to the control events of one frame and hands everything
// to the event handler.
func (c *Client) dispatch(ctx context.Context, conn *web.Conn, wg *sync.WaitGroup, evts []events.Event) {
	for _, evt := range evts {
		switch e := evt.(type) {
		case *events.SyncError:
			if _, ok := delta.ResyncErrorCodes[e.Code]; ok {
				zerolog.Ctx(ctx).Warn().Str("error_code", e.Code).Msg("Sync queue error, recreating queue")
				c.Decoder.Cursor.DropSyncToken()
				c.after(ctx, wg, c.cfg.SyncErrorDelay, func() {
					if err := c.publishCreateQueue(conn); err != nil {
						zerolog.Ctx(ctx).Err(err).Msg("Failed to recreate sync queue")
					}
				})
			}
		case *events.ForcedFetch:
			c.publishGetDiffs(conn)
		case *events.RegionHint:
			c.setRegion(e.Region)
		case *events.DisconnectNotice:
			if _, ok := reconnectReasons[e.Reason]; ok {
				c.ForceReconnect()
			}
		}
		c.handler(evt)
	}
}
