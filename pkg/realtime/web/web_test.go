// web_test.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_ProxySchemes(t *testing.T) {
	for _, addr := range []string{"", "http://127.0.0.1:8080", "socks5://127.0.0.1:1080"} {
		client, err := NewHTTPClient(addr, time.Second)
		require.NoError(t, err, addr)
		assert.NotNil(t, client.Transport)
	}
	_, err := NewHTTPClient("ftp://example.com", time.Second)
	assert.ErrorIs(t, err, ErrUnsupportedProxy)
}

func TestSendHTTPRequest_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctx := zerolog.Nop().WithContext(context.Background())
	resp, err := SendHTTPRequest(ctx, srv.Client(), http.MethodPost, srv.URL, &HTTPReqOpt{
		Body:        []byte("a=b"),
		ContentType: ContentTypeForm,
		Headers:     http.Header{"X-Extra": {"1"}},
		Cookie:      "c_user=1",
		UserAgent:   "test-agent",
	})
	require.NoError(t, err)
	body, err := ReadHTTPResponseBody(ctx, resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "test-agent", got.Get("User-Agent"))
	assert.Equal(t, "c_user=1", got.Get("Cookie"))
	assert.Equal(t, "1", got.Get("X-Extra"))
	assert.Equal(t, string(ContentTypeForm), got.Get("Content-Type"))
	assert.Equal(t, DefaultOrigin, got.Get("Origin"))
}

func TestReadHTTPResponseBody_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	ctx := context.Background()
	resp, err := SendHTTPRequest(ctx, srv.Client(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = ReadHTTPResponseBody(ctx, resp)
	assert.ErrorContains(t, err, "429")
}

func TestConn_HandshakeAndPublish(t *testing.T) {
	published := make(chan *packets.PublishPacket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{MQTTSubprotocol}})
		if err != nil {
			return
		}
		conn := NewConn(r.Context(), ws)
		defer conn.Close()
		pkt, err := conn.ReadPacket()
		if err != nil {
			return
		}
		connect := pkt.(*packets.ConnectPacket)
		connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		if connect.ClientIdentifier != "client" {
			connack.ReturnCode = packets.ErrRefusedIDRejected
		}
		_ = conn.WritePacket(connack)
		pkt, err = conn.ReadPacket()
		if err != nil {
			return
		}
		published <- pkt.(*packets.PublishPacket)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := OpenWebsocket(ctx, url, DialOpts{})
	require.NoError(t, err)
	assert.Equal(t, MQTTSubprotocol, ws.Subprotocol())
	conn := NewConn(ctx, ws)
	defer conn.Close()
	require.NoError(t, conn.Handshake("client", `{"u":"1"}`, 10*time.Second, time.Second))
	require.NoError(t, conn.Publish("/t_ms", []byte(`{}`), 1))

	select {
	case pub := <-published:
		assert.Equal(t, "/t_ms", pub.TopicName)
		assert.Equal(t, byte(1), pub.Qos)
		assert.NotZero(t, pub.MessageID)
	case <-ctx.Done():
		t.Fatal("publish not received")
	}
}

func TestConn_HandshakeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{MQTTSubprotocol}})
		if err != nil {
			return
		}
		conn := NewConn(r.Context(), ws)
		defer conn.Close()
		if _, err = conn.ReadPacket(); err != nil {
			return
		}
		connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		connack.ReturnCode = packets.ErrRefusedNotAuthorised
		_ = conn.WritePacket(connack)
		_, _ = conn.ReadPacket()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := OpenWebsocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), DialOpts{})
	require.NoError(t, err)
	conn := NewConn(ctx, ws)
	defer conn.Close()
	err = conn.Handshake("client", "{}", 10*time.Second, time.Second)
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestConn_NextMessageIDSkipsZero(t *testing.T) {
	conn := &Conn{}
	conn.msgID.Store(0xFFFF)
	assert.Equal(t, uint16(1), conn.NextMessageID())
}
