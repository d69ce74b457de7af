// client_test.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/store"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/web"
)

const waitTimeout = 5 * time.Second

type fakeBroker struct {
	srv *httptest.Server

	connects    atomic.Int32
	refuse      atomic.Bool
	silent      atomic.Bool
	lastConnect atomic.Pointer[packets.ConnectPacket]

	push    chan packets.ControlPacket
	kick    chan struct{}
	pubacks chan uint16

	topicLock sync.Mutex
	topics    map[string]chan []byte
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{
		push:    make(chan packets.ControlPacket, 16),
		kick:    make(chan struct{}, 1),
		pubacks: make(chan uint16, 16),
		topics:  make(map[string]chan []byte),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/chat"
}

func (b *fakeBroker) topic(name string) chan []byte {
	b.topicLock.Lock()
	defer b.topicLock.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan []byte, 64)
		b.topics[name] = ch
	}
	return ch
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{web.MQTTSubprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nc := websocket.NetConn(ctx, ws, websocket.MessageBinary)
	var writeLock sync.Mutex
	write := func(pkt packets.ControlPacket) {
		writeLock.Lock()
		defer writeLock.Unlock()
		_ = pkt.Write(nc)
	}
	go func() {
		for {
			select {
			case pkt := <-b.push:
				write(pkt)
			case <-b.kick:
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		pkt, err := packets.ReadPacket(nc)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			b.connects.Add(1)
			b.lastConnect.Store(p)
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			if b.refuse.Load() {
				ack.ReturnCode = packets.ErrRefusedNotAuthorised
			}
			write(ack)
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = p.Qoss
			write(ack)
		case *packets.PublishPacket:
			select {
			case b.topic(p.TopicName) <- p.Payload:
			default:
			}
		case *packets.PubackPacket:
			b.pubacks <- p.MessageID
		case *packets.PingreqPacket:
			if !b.silent.Load() {
				write(packets.NewControlPacket(packets.Pingresp))
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *fakeBroker) publish(topic, payload string, qos byte, messageID uint16) {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = []byte(payload)
	pub.Qos = qos
	pub.MessageID = messageID
	b.push <- pub
}

func (b *fakeBroker) waitPublish(t *testing.T, topic string) gjson.Result {
	t.Helper()
	select {
	case payload := <-b.topic(topic):
		return gjson.ParseBytes(payload)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for publish on %s", topic)
		return gjson.Result{}
	}
}

type countingGate struct {
	reconnects atomic.Int32
}

func (g *countingGate) UserAgent() string { return "test-agent" }

func (g *countingGate) BeforeReconnect(ctx context.Context) error {
	g.reconnects.Add(1)
	return nil
}

func testCredentials() *store.Credentials {
	return &store.Credentials{
		UserID:  "1000",
		Cookies: []store.Cookie{{Name: "c_user", Value: "1000"}, {Name: "xs", Value: "secret"}},
	}
}

func newTestClient(t *testing.T, endpoints []string, mutate func(*Config)) (*Client, <-chan events.Event) {
	t.Helper()
	evts := make(chan events.Event, 1024)
	cfg := Config{
		Endpoints:     endpoints,
		SettleDelay:   10 * time.Millisecond,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
		BackoffJitter: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, testCredentials(), nil, nil, func(evt events.Event) { evts <- evt }, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)
	return client, evts
}

func connect(t *testing.T, client *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
}

func waitEvent[T events.Event](t *testing.T, evts <-chan events.Event, match func(T) bool) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case evt := <-evts:
			if typed, ok := evt.(T); ok && (match == nil || match(typed)) {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func stateIs(state events.ConnectionState) func(*events.ConnectionStateChanged) bool {
	return func(evt *events.ConnectionStateChanged) bool {
		return evt.Current == state
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{5, 7593750 * time.Microsecond},
		{8, 25628906250 * time.Nanosecond},
		{9, 30 * time.Second},
		{149, 30 * time.Second},
		{5000, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.BackoffDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestNextReconnect_CountsAndExhausts(t *testing.T) {
	client, err := NewClient(Config{MaxReconnectAttempts: 3}, testCredentials(), nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	client.jitter = func(max time.Duration) time.Duration {
		assert.Equal(t, time.Second, max)
		return 0
	}
	for i, want := range []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond} {
		delay, ok := client.nextReconnect()
		require.True(t, ok)
		assert.Equal(t, want, delay)
		assert.Equal(t, i+1, client.ReconnectAttempts())
	}
	_, ok := client.nextReconnect()
	assert.False(t, ok)
	assert.Equal(t, 3, client.ReconnectAttempts())
}

func TestNewClient_RequiresUserID(t *testing.T) {
	_, err := NewClient(Config{}, &store.Credentials{}, nil, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSessionIdentity_URL(t *testing.T) {
	identity := newIdentity("abc", "ATN", 0, "wss://edge-chat.messenger.com/chat")
	wsURL, err := identity.URL()
	require.NoError(t, err)
	assert.Contains(t, wsURL, "region=ATN")
	assert.Contains(t, wsURL, "sid=")
	assert.True(t, strings.HasPrefix(identity.ClientID, "abc"))
	assert.Len(t, identity.DeviceID, 22)
}

func TestConnect_HandshakeAndEvents(t *testing.T) {
	broker := newFakeBroker(t)
	client, evts := newTestClient(t, []string{broker.url()}, nil)
	assert.False(t, client.SendTyping("2000", true))

	connect(t, client)
	assert.True(t, client.IsConnected())
	assert.Equal(t, events.StateConnected, client.State())

	connectPkt := broker.lastConnect.Load()
	require.NotNil(t, connectPkt)
	assert.Equal(t, web.MQTTProtocolName, connectPkt.ProtocolName)
	assert.Equal(t, "1000", gjson.Get(connectPkt.Username, "u").String())
	assert.Equal(t, client.Identity().ClientID, connectPkt.ClientIdentifier)
	assert.Equal(t, client.Identity().DeviceID, gjson.Get(connectPkt.Username, "d").String())

	queue := broker.waitPublish(t, TopicCreateQueue)
	assert.Equal(t, "1000", queue.Get("entity_fbid").String())
	assert.Equal(t, "JSON", queue.Get("encoding").String())
	assert.True(t, broker.waitPublish(t, TopicClientSettings).Get("make_user_available_when_in_foreground").Bool())
	broker.waitPublish(t, TopicGetDiffs)

	broker.publish("/t_ms", `{"deltas":[{"class":"NewMessage","messageMetadata":{"messageId":"mid.1","actorFbId":"2000","threadKey":{"otherUserFbId":"2000"},"timestamp":"1700000000000"},"body":"hello"}]}`, 1, 42)
	msg := waitEvent[*events.Message](t, evts, nil)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "2000", msg.ThreadID)
	select {
	case id := <-broker.pubacks:
		assert.Equal(t, uint16(42), id)
	case <-time.After(waitTimeout):
		t.Fatal("no puback")
	}
	assert.Equal(t, 1, client.TrackedMessageCount())
	assert.Equal(t, int64(1700000000000), client.LastMessageTimestamp())

	assert.True(t, client.SendTyping("2000", true))
	typing := broker.waitPublish(t, TopicTyping)
	assert.Equal(t, "2000", typing.Get("to").String())
	assert.Equal(t, int64(1), typing.Get("state").Int())
	assert.True(t, client.MarkRead("2000"))
	assert.Equal(t, "2000", broker.waitPublish(t, TopicMarkThreadRead).Get("thread_id").String())
	assert.True(t, client.MarkDelivered("30000000000000001", "m1", "m2"))
	receipt := broker.waitPublish(t, TopicDeliveryReceipt)
	assert.Len(t, receipt.Get("message_ids").Array(), 2)
	assert.True(t, client.SendTyping("30000000000000001", false))
	groupTyping := broker.waitPublish(t, TopicTyping)
	assert.Equal(t, "30000000000000001", groupTyping.Get("thread").String())
	assert.Equal(t, int64(0), groupTyping.Get("state").Int())

	client.Disconnect()
	assert.Equal(t, events.StateDisconnected, client.State())
	assert.False(t, client.SendPresence(true))
	client.Disconnect()
}

func TestConnect_EndpointFallback(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	defer dead.Close()
	broker := newFakeBroker(t)
	client, _ := newTestClient(t, []string{"ws" + strings.TrimPrefix(dead.URL, "http"), broker.url()}, nil)

	connect(t, client)
	assert.Equal(t, 1, client.Identity().EndpointIndex)
	assert.Equal(t, int32(1), broker.connects.Load())
}

func TestConnect_AllEndpointsFail(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	defer dead.Close()
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	client, evts := newTestClient(t, []string{deadURL, deadURL}, nil)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrEndpointsExhausted)
	assert.Equal(t, events.StateDisconnected, client.State())
	waitEvent(t, evts, stateIs(events.StateConnecting))
}

func TestConnect_LoggedOut(t *testing.T) {
	forbidden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer forbidden.Close()
	client, _ := newTestClient(t, []string{"ws" + strings.TrimPrefix(forbidden.URL, "http")}, nil)

	assert.ErrorIs(t, client.Connect(context.Background()), ErrLoggedOut)
}

func TestConnect_HandshakeRefused(t *testing.T) {
	broker := newFakeBroker(t)
	broker.refuse.Store(true)
	client, _ := newTestClient(t, []string{broker.url()}, nil)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrEndpointsExhausted)
	assert.ErrorIs(t, err, web.ErrConnectionRefused)
}

func TestConnect_Twice(t *testing.T) {
	broker := newFakeBroker(t)
	client, _ := newTestClient(t, []string{broker.url()}, nil)
	connect(t, client)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrAlreadyConnected)
}

func TestReconnect_AfterDrop(t *testing.T) {
	broker := newFakeBroker(t)
	client, evts := newTestClient(t, []string{broker.url()}, nil)
	gate := &countingGate{}
	client.gate = gate
	connect(t, client)

	broker.kick <- struct{}{}
	reconnecting := waitEvent(t, evts, stateIs(events.StateReconnecting))
	assert.Equal(t, 1, reconnecting.Attempts)
	assert.Error(t, reconnecting.Err)
	waitEvent(t, evts, stateIs(events.StateConnected))

	assert.Equal(t, int32(2), broker.connects.Load())
	assert.Equal(t, 0, client.ReconnectAttempts())
	assert.Equal(t, int32(1), gate.reconnects.Load())
	assert.Equal(t, "test-agent", gjson.Get(broker.lastConnect.Load().Username, "a").String())
}

func TestReconnect_Exhausted(t *testing.T) {
	broker := newFakeBroker(t)
	client, evts := newTestClient(t, []string{broker.url()}, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
		cfg.BackoffBase = 5 * time.Millisecond
	})
	connect(t, client)

	broker.srv.Close()
	broker.kick <- struct{}{}
	exhausted := waitEvent[*events.ReconnectExhausted](t, evts, nil)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Error(t, exhausted.LastErr)
	assert.Equal(t, events.StateExhausted, client.State())
	client.Disconnect()
	assert.Equal(t, events.StateExhausted, client.State())
}

func TestReconnect_ExhaustedHandlerDisconnects(t *testing.T) {
	broker := newFakeBroker(t)
	client, _ := newTestClient(t, []string{broker.url()}, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 1
	})
	disconnected := make(chan struct{})
	client.handler = func(evt events.Event) {
		if _, ok := evt.(*events.ReconnectExhausted); ok {
			client.Disconnect()
			close(disconnected)
		}
	}
	connect(t, client)

	broker.srv.Close()
	broker.kick <- struct{}{}
	select {
	case <-disconnected:
	case <-time.After(waitTimeout):
		t.Fatal("Disconnect from the exhaustion handler did not return")
	}
	assert.Equal(t, events.StateExhausted, client.State())
	assert.False(t, client.IsConnected())
}

func TestWatchdog_ForcesReconnect(t *testing.T) {
	broker := newFakeBroker(t)
	broker.silent.Store(true)
	client, evts := newTestClient(t, []string{broker.url()}, func(cfg *Config) {
		cfg.KeepaliveInterval = time.Hour
		cfg.WatchdogInterval = 20 * time.Millisecond
		cfg.PingTimeout = 100 * time.Millisecond
	})
	connect(t, client)

	waitEvent(t, evts, func(evt *events.ConnectionStateChanged) bool {
		return evt.Current == events.StateReconnecting && errors.Is(evt.Err, ErrPingTimeout)
	})
}

func TestSyncError_RecreatesQueue(t *testing.T) {
	broker := newFakeBroker(t)
	client, evts := newTestClient(t, []string{broker.url()}, func(cfg *Config) {
		cfg.SyncErrorDelay = 10 * time.Millisecond
	})
	connect(t, client)
	broker.waitPublish(t, TopicCreateQueue)

	broker.publish("/t_ms", `{"errorCode":"ERROR_QUEUE_NOT_FOUND"}`, 0, 0)
	syncErr := waitEvent[*events.SyncError](t, evts, nil)
	assert.Equal(t, "ERROR_QUEUE_NOT_FOUND", syncErr.Code)
	broker.waitPublish(t, TopicCreateQueue)
}

func TestSyncError_DropsStaleSyncToken(t *testing.T) {
	broker := newFakeBroker(t)
	client, evts := newTestClient(t, []string{broker.url()}, func(cfg *Config) {
		cfg.SyncErrorDelay = 10 * time.Millisecond
		cfg.SettleDelay = time.Hour
	})
	connect(t, client)
	broker.waitPublish(t, TopicCreateQueue)

	broker.publish("/t_ms", `{"syncToken":"stale","lastIssuedSeqId":5}`, 0, 0)
	assert.Eventually(t, func() bool {
		return client.Decoder.Cursor.Get().SyncToken == "stale"
	}, waitTimeout, 5*time.Millisecond)

	broker.publish("/t_ms", `{"errorCode":"ERROR_QUEUE_NOT_FOUND"}`, 0, 0)
	waitEvent[*events.SyncError](t, evts, nil)
	queue := broker.waitPublish(t, TopicCreateQueue)
	assert.Equal(t, "5", queue.Get("initial_titan_sequence_id").String())
	assert.False(t, queue.Get("sync_token").Exists())
	assert.Empty(t, client.Decoder.Cursor.Get().SyncToken)
	assert.Empty(t, broker.topic(TopicGetDiffs))
}

func TestSyncToken_ResumesWithDiffs(t *testing.T) {
	broker := newFakeBroker(t)
	client, _ := newTestClient(t, []string{broker.url()}, func(cfg *Config) {
		cfg.SettleDelay = time.Hour
	})
	client.Decoder.Cursor.Update(gjson.Parse(`{"syncToken":"tok","lastIssuedSeqId":77}`))
	connect(t, client)

	diffs := broker.waitPublish(t, TopicGetDiffs)
	assert.Equal(t, "tok", diffs.Get("sync_token").String())
	assert.Equal(t, "77", diffs.Get("last_seq_id").String())
}

func TestControlTopics(t *testing.T) {
	broker := newFakeBroker(t)
	client, evts := newTestClient(t, []string{broker.url()}, nil)
	connect(t, client)

	broker.publish("/t_region_hint", `{"regionCode":"ATN"}`, 0, 0)
	waitEvent[*events.RegionHint](t, evts, nil)
	assert.Equal(t, "ATN", client.Region())

	broker.publish("/notify_disconnect", `{"reason":"reconnect"}`, 0, 0)
	waitEvent[*events.DisconnectNotice](t, evts, nil)
	reconnecting := waitEvent(t, evts, stateIs(events.StateReconnecting))
	assert.ErrorIs(t, reconnecting.Err, ErrForcedReconnect)
	waitEvent(t, evts, stateIs(events.StateConnected))
	assert.Equal(t, "ATN", client.Identity().Region)
}
