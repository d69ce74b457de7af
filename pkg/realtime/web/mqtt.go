// mqtt.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const (
	MQTTSubprotocol     = "mqtt"
	MQTTProtocolName    = "MQIsdp"
	MQTTProtocolVersion = 3
)

var ErrConnectionRefused = errors.New("connection refused by broker")

type DialOpts struct {
	HTTPClient *http.Client
	Header     http.Header
}

// OpenWebsocket dials url with the mqtt subprotocol.
func OpenWebsocket(ctx context.Context, url string, opts DialOpts) (*websocket.Conn, *http.Response, error) {
	dialOpts := &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   opts.Header,
		Subprotocols: []string{MQTTSubprotocol},
	}
	ws, resp, err := websocket.Dial(ctx, url, dialOpts)
	if ws != nil {
		ws.SetReadLimit(4 << 20)
	}
	return ws, resp, err
}

// Conn is an MQTT session carried in binary websocket messages. Reads must
// come from a single goroutine; writes may come from any.
type Conn struct {
	ws        *websocket.Conn
	nc        net.Conn
	writeLock sync.Mutex
	msgID     atomic.Uint32
}

// NewConn wraps ws. The connection is closed when ctx is cancelled.
func NewConn(ctx context.Context, ws *websocket.Conn) *Conn {
	return &Conn{
		ws: ws,
		nc: websocket.NetConn(ctx, ws, websocket.MessageBinary),
	}
}

func (c *Conn) NextMessageID() uint16 {
	for {
		id := uint16(c.msgID.Add(1))
		if id != 0 {
			return id
		}
	}
}

func (c *Conn) WritePacket(pkt packets.ControlPacket) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return pkt.Write(c.nc)
}

func (c *Conn) ReadPacket() (packets.ControlPacket, error) {
	return packets.ReadPacket(c.nc)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Handshake sends CONNECT and waits for the CONNACK within timeout.
func (c *Conn) Handshake(clientID, username string, keepalive time.Duration, timeout time.Duration) error {
	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = MQTTProtocolName
	connect.ProtocolVersion = MQTTProtocolVersion
	connect.CleanSession = true
	connect.UsernameFlag = true
	connect.Username = username
	connect.Keepalive = uint16(keepalive / time.Second)
	connect.ClientIdentifier = clientID
	if err := c.WritePacket(connect); err != nil {
		return fmt.Errorf("failed to send connect: %w", err)
	}
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.SetReadDeadline(time.Time{})
	pkt, err := c.ReadPacket()
	if err != nil {
		return fmt.Errorf("failed to read connack: %w", err)
	}
	connack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		return fmt.Errorf("expected connack, got %s", pkt.String())
	}
	if connack.ReturnCode != packets.Accepted {
		return fmt.Errorf("%w: %s", ErrConnectionRefused, packets.ConnackReturnCodes[connack.ReturnCode])
	}
	return nil
}

// Subscribe sends one SUBSCRIBE for all topics at qos 0 and returns its
// message id. The SUBACK arrives on the read loop.
func (c *Conn) Subscribe(topics []string) (uint16, error) {
	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = c.NextMessageID()
	sub.Topics = topics
	sub.Qoss = make([]byte, len(topics))
	return sub.MessageID, c.WritePacket(sub)
}

func (c *Conn) Publish(topic string, payload []byte, qos byte) error {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = payload
	pub.Qos = qos
	if qos > 0 {
		pub.MessageID = c.NextMessageID()
	}
	return c.WritePacket(pub)
}

func (c *Conn) Puback(messageID uint16) error {
	ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	ack.MessageID = messageID
	return c.WritePacket(ack)
}

func (c *Conn) Ping() error {
	return c.WritePacket(packets.NewControlPacket(packets.Pingreq))
}

func (c *Conn) Disconnect() error {
	return c.WritePacket(packets.NewControlPacket(packets.Disconnect))
}
