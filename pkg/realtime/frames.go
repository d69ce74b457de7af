// frames.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package realtime

import (
	"time"

	"github.com/tidwall/sjson"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/delta"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/web"
)

const (
	TopicCreateQueue     = "/messenger_sync_create_queue"
	TopicGetDiffs        = "/messenger_sync_get_diffs"
	TopicClientSettings  = "/set_client_settings"
	TopicTyping          = "/typing"
	TopicDeliveryReceipt = "/delivery_receipt"
	TopicMarkThreadRead  = "/mark_thread_read"

	AppID          = "219994525426954"
	SyncAPIVersion = 10
	MaxDeltas      = 1000
	DeltaBatchSize = 500
)

var SubscribeTopics = []string{
	delta.TopicLegacyWeb,
	"/webrtc",
	"/rtc_multi",
	"/onevc",
	"/br_sr",
	"/sr_res",
	delta.TopicSync,
	delta.TopicThreadTyping,
	delta.TopicOrcaTyping,
	delta.TopicNotifications,
	delta.TopicPresence,
	"/orca_presence_sync",
	delta.TopicInbox,
	delta.TopicMercury,
	delta.TopicMessagingEvent,
	delta.TopicOrcaMessage,
	"/pp",
	"/webrtc_response",
	delta.TopicDisconnect,
	delta.TopicRegionHint,
	delta.TopicSyncGD,
	"/ls_resp",
	"/ls_foreground_state",
	"/friend_requests_seen",
	"/friending_state_change",
}

type frame []byte

func (f frame) set(path string, value any) frame {
	out, err := sjson.SetBytes(f, path, value)
	if err != nil {
		return f
	}
	return out
}

// authPayload is the CONNECT username the edge expects.
func (c *Client) authPayload(identity SessionIdentity) string {
	userAgent := web.DefaultUserAgent
	if c.gate != nil {
		userAgent = c.gate.UserAgent()
	}
	f := frame(`{}`).
		set("u", c.creds.UserID).
		set("s", identity.SessionID).
		set("chat_on", c.cfg.UpdatePresence).
		set("fg", false).
		set("d", identity.DeviceID).
		set("ct", "websocket").
		set("aid", AppID).
		set("mqtt_sid", "").
		set("cp", 3).
		set("ecp", 10).
		set("st", SubscribeTopics).
		set("pm", []string{}).
		set("dc", "").
		set("no_auto_fg", true).
		set("a", userAgent)
	return string(f)
}

func (c *Client) syncFrame() frame {
	return frame(`{}`).
		set("sync_api_version", SyncAPIVersion).
		set("max_deltas_able_to_process", MaxDeltas).
		set("delta_batch_size", DeltaBatchSize).
		set("encoding", "JSON").
		set("entity_fbid", c.creds.UserID)
}

// publishQueue opens the delta queue, or resumes it when a sync token is
// known.
func (c *Client) publishQueue(conn *web.Conn) error {
	if c.Decoder.Cursor.Get().SyncToken != "" {
		return conn.Publish(TopicGetDiffs, c.getDiffsFrame(), 1)
	}
	return c.publishCreateQueue(conn)
}

// publishCreateQueue asks for a new delta queue starting after the last
// known sequence id.
func (c *Client) publishCreateQueue(conn *web.Conn) error {
	cursor := c.Decoder.Cursor.Get()
	f := c.syncFrame().set("device_params", nil)
	if cursor.LastSeqID != "" {
		f = f.set("initial_titan_sequence_id", cursor.LastSeqID)
	}
	return conn.Publish(TopicCreateQueue, f, 1)
}

func (c *Client) getDiffsFrame() frame {
	cursor := c.Decoder.Cursor.Get()
	f := c.syncFrame().
		set("last_seq_id", cursor.LastSeqID).
		set("sync_token", cursor.SyncToken)
	if cursor.IrisSeqID != "" {
		f = f.set("iris_seq_id", cursor.IrisSeqID)
	}
	if cursor.IrisSnapshotTimestampMS != "" {
		f = f.set("iris_snapshot_timestamp_ms", cursor.IrisSnapshotTimestampMS)
	}
	return f
}

func (c *Client) publishGetDiffs(conn *web.Conn) {
	if err := conn.Publish(TopicGetDiffs, c.getDiffsFrame(), 1); err != nil {
		c.log.Debug().Err(err).Msg("Failed to request diffs")
	}
}

func (c *Client) publishPresence(conn *web.Conn, online bool) {
	f := frame(`{}`).set("make_user_available_when_in_foreground", online)
	if err := conn.Publish(TopicClientSettings, f, 0); err != nil {
		c.log.Debug().Err(err).Msg("Failed to publish presence")
	}
}

// publish writes a control frame on the live session. It returns false
// when there is no session or the write fails.
func (c *Client) publish(topic string, payload frame) bool {
	conn := c.conn.Load()
	if conn == nil {
		return false
	}
	if err := conn.Publish(topic, payload, 0); err != nil {
		c.log.Debug().Err(err).Str("topic", topic).Msg("Failed to publish control frame")
		return false
	}
	return true
}

func (c *Client) SendPresence(online bool) bool {
	return c.publish(TopicClientSettings, frame(`{}`).set("make_user_available_when_in_foreground", online))
}

func (c *Client) SendTyping(threadID string, typing bool) bool {
	state := 0
	if typing {
		state = 1
	}
	key := "to"
	if len(threadID) > events.GroupThreadIDLength {
		key = "thread"
	}
	return c.publish(TopicTyping, frame(`{}`).set(key, threadID).set("state", state))
}

func (c *Client) MarkDelivered(threadID string, messageIDs ...string) bool {
	return c.publish(TopicDeliveryReceipt, frame(`{}`).
		set("thread_id", threadID).
		set("message_ids", messageIDs))
}

func (c *Client) MarkRead(threadID string) bool {
	return c.publish(TopicMarkThreadRead, frame(`{}`).
		set("thread_id", threadID).
		set("watermark_timestamp", time.Now().UnixMilli()))
}
