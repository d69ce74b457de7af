// decoder.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package delta

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
)

const (
	TopicSync           = "/t_ms"
	TopicSyncGD         = "/t_ms_gd"
	TopicThreadTyping   = "/thread_typing"
	TopicOrcaTyping     = "/orca_typing_notifications"
	TopicPresence       = "/orca_presence"
	TopicLegacyWeb      = "/legacy_web"
	TopicInbox          = "/inbox"
	TopicMercury        = "/mercury"
	TopicMessagingEvent = "/messaging_events"
	TopicOrcaMessage    = "/orca_message_notifications"
	TopicNotifications  = "/notifications_sync"
	TopicDisconnect     = "/notify_disconnect"
	TopicRegionHint     = "/t_region_hint"
)

// Sync error codes that the server uses to ask for a fresh queue.
var ResyncErrorCodes = map[string]struct{}{
	"ERROR_QUEUE_NOT_FOUND": {},
	"ERROR_QUEUE_OVERFLOW":  {},
	"ERROR_QUEUE_UNDERFLOW": {},
}

var classFields = []string{"class", "type", "deltaType", "__typename"}

// Decoder turns raw topic payloads into canonical events. It owns the dedup
// cache and the sync cursor for one client.
type Decoder struct {
	SelfID     string
	DeliverOwn bool

	Dedup  *DedupCache
	Cursor *Cursor

	log zerolog.Logger
	now func() time.Time

	lastMessageTS atomic.Int64
	handlers      map[string]func(gjson.Result) []events.Event
	classes       map[string]func(gjson.Result) []events.Event
}

func NewDecoder(log zerolog.Logger, selfID string, deliverOwn bool) *Decoder {
	dec := &Decoder{
		SelfID:     selfID,
		DeliverOwn: deliverOwn,
		Dedup:      NewDedupCache(DefaultDedupSize, DefaultDedupEvict),
		Cursor:     &Cursor{},
		log:        log.With().Str("component", "delta_decoder").Logger(),
		now:        time.Now,
	}
	dec.handlers = map[string]func(gjson.Result) []events.Event{
		TopicSync:           dec.handleSync,
		TopicSyncGD:         dec.handleSync,
		TopicThreadTyping:   dec.handleTyping,
		TopicOrcaTyping:     dec.handleTyping,
		TopicPresence:       dec.handlePresence,
		TopicLegacyWeb:      dec.handleLegacy,
		TopicInbox:          dec.handleLegacy,
		TopicMercury:        dec.handleLegacy,
		TopicMessagingEvent: dec.handleLegacy,
		TopicOrcaMessage:    dec.handleLegacy,
		TopicNotifications:  dec.handleLegacy,
		TopicDisconnect:     dec.handleDisconnect,
		TopicRegionHint:     dec.handleRegionHint,
	}
	dec.classes = map[string]func(gjson.Result) []events.Event{
		"NewMessage":                     dec.single(dec.newMessage),
		"ReplyMessage":                   dec.single(dec.newMessage),
		"ReadReceipt":                    dec.readReceipt,
		"AdminTextMessage":               dec.adminMessage,
		"ForcedFetch":                    dec.forcedFetch,
		"DeliveryReceipt":                dec.deliveryReceipt,
		"MarkRead":                       dec.markRead,
		"ThreadName":                     dec.threadName,
		"ParticipantsAddedToGroupThread": dec.participantsAdded,
		"ParticipantLeftGroupThread":     dec.participantLeft,
		"ThreadMuteSettings":             dec.muteSettings,
		"ThreadAction":                   dec.threadAction,
		"MessageReaction":                dec.reaction,
		"reaction":                       dec.reaction,
		"MessageUnsend":                  dec.unsend,
		"unsend":                         dec.unsend,
	}
	return dec
}

// SetClock replaces the wall clock used for missing timestamps.
func (dec *Decoder) SetClock(now func() time.Time) {
	dec.now = now
}

// LastMessageTimestamp returns the timestamp of the newest emitted message.
func (dec *Decoder) LastMessageTimestamp() int64 {
	return dec.lastMessageTS.Load()
}

// Decode parses one frame and returns the events it carries. Malformed or
// unrecognized payloads yield no events.
func (dec *Decoder) Decode(topic string, raw []byte) (evts []events.Event) {
	defer func() {
		if err := recover(); err != nil {
			dec.log.Error().Any("panic", err).Str("topic", topic).Msg("Panic while decoding payload")
			evts = nil
		}
	}()
	payload, ok := ParsePayload(raw)
	if !ok {
		dec.log.Debug().Str("topic", topic).Int("length", len(raw)).Msg("Dropping unparseable payload")
		return nil
	}
	if handler, ok := dec.handlers[topic]; ok {
		return handler(payload)
	}
	return dec.handleGeneric(payload)
}

func (dec *Decoder) handleSync(payload gjson.Result) []events.Event {
	var out []events.Event
	if code := scalar(payload, "errorCode"); code != "" {
		dec.log.Warn().Str("error_code", code).Msg("Sync queue reported an error")
		out = append(out, &events.SyncError{Code: code})
	}
	if dec.Cursor.Update(payload) {
		dec.log.Trace().Any("cursor", dec.Cursor.Get()).Msg("Sync cursor updated")
	}
	for _, d := range payload.Get("deltas").Array() {
		out = append(out, dec.processDelta(d)...)
	}
	for _, batch := range payload.Get("batches").Array() {
		for _, d := range batch.Get("deltas").Array() {
			out = append(out, dec.processDelta(d)...)
		}
	}
	for _, thread := range payload.Get("threads").Array() {
		out = append(out, dec.processThread(thread)...)
	}
	for _, msg := range payload.Get("messages").Array() {
		out = dec.appendMessage(out, msg, "")
	}
	return out
}

func (dec *Decoder) processThread(thread gjson.Result) []events.Event {
	parentID := firstOf(thread, snapshotThreadIDExtractors...)
	var out []events.Event
	msgs := thread.Get("messages")
	if nodes := msgs.Get("nodes"); nodes.IsArray() {
		msgs = nodes
	}
	for _, msg := range msgs.Array() {
		out = dec.appendMessage(out, msg, parentID)
	}
	for _, key := range []string{"lastMessage", "last_message"} {
		last := thread.Get(key)
		if nodes := last.Get("nodes"); nodes.IsArray() {
			for _, msg := range nodes.Array() {
				out = dec.appendMessage(out, msg, parentID)
			}
		} else if last.IsObject() {
			out = dec.appendMessage(out, last, parentID)
		}
	}
	return out
}

func className(d gjson.Result) string {
	for _, field := range classFields {
		if val := d.Get(field); val.Type == gjson.String && val.Str != "" {
			return val.Str
		}
	}
	return ""
}

func (dec *Decoder) processDelta(d gjson.Result) []events.Event {
	if !d.IsObject() {
		return nil
	}
	class := className(d)
	if handler, ok := dec.classes[class]; ok {
		return handler(d)
	}
	if isMessageShaped(d) {
		return dec.single(dec.newMessage)(d)
	}
	dec.log.Trace().Str("class", class).Msg("Dropping unrecognized delta")
	return nil
}

func (dec *Decoder) single(fn func(gjson.Result) events.Event) func(gjson.Result) []events.Event {
	return func(d gjson.Result) []events.Event {
		if evt := fn(d); evt != nil {
			return []events.Event{evt}
		}
		return nil
	}
}

func (dec *Decoder) appendMessage(out []events.Event, d gjson.Result, inheritedThread string) []events.Event {
	if msg := dec.buildMessage(d, inheritedThread); msg != nil {
		out = append(out, msg)
	}
	return out
}

func (dec *Decoder) newMessage(d gjson.Result) events.Event {
	if msg := dec.buildMessage(d, ""); msg != nil {
		return msg
	}
	return nil
}

// buildMessage returns nil for unroutable, self-originated or already seen
// messages.
func (dec *Decoder) buildMessage(d gjson.Result, inheritedThread string) *events.Message {
	if !d.IsObject() {
		return nil
	}
	messageID := extractMessageID(d)
	threadID := extractThreadID(d)
	if threadID == "" {
		threadID = inheritedThread
	}
	senderID := extractSenderID(d)
	if threadID == "" || senderID == "" {
		dec.log.Trace().Str("message_id", messageID).Msg("Dropping message without thread or sender")
		return nil
	}
	if !dec.DeliverOwn && dec.SelfID != "" && senderID == dec.SelfID {
		return nil
	}
	if messageID != "" && !dec.Dedup.Add(messageID) {
		dec.log.Trace().Str("message_id", messageID).Msg("Dropping duplicate message")
		return nil
	}
	attachments := extractAttachments(d)
	msg := &events.Message{
		MessageID:   messageID,
		ThreadID:    threadID,
		SenderID:    senderID,
		Body:        extractBody(d),
		Timestamp:   extractTimestamp(d, dec.now().UnixMilli()),
		Type:        resolveMessageType(d, attachments),
		Attachments: attachments,
		Mentions:    extractMentions(d),
		IsGroup:     len(threadID) > events.GroupThreadIDLength,
		IsUnread:    extractUnread(d),
		ReplyTo:     extractReplyTo(d),
	}
	for {
		prev := dec.lastMessageTS.Load()
		if msg.Timestamp <= prev || dec.lastMessageTS.CompareAndSwap(prev, msg.Timestamp) {
			break
		}
	}
	return msg
}

func (dec *Decoder) timestamp(d gjson.Result, ps ...string) int64 {
	for _, p := range ps {
		if ts, ok := parseInt(d.Get(p)); ok {
			return ts
		}
	}
	return extractTimestamp(d, dec.now().UnixMilli())
}

func (dec *Decoder) readReceipt(d gjson.Result) []events.Event {
	return []events.Event{&events.ReadReceipt{
		ThreadID:  extractThreadID(d),
		ReaderID:  extractSenderID(d),
		Timestamp: dec.timestamp(d, "actionTimestampMs", "watermarkTimestampMs", "actionTimestamp"),
	}}
}

func (dec *Decoder) deliveryReceipt(d gjson.Result) []events.Event {
	var ids []string
	for _, id := range firstResult(d, "messageIds", "message_ids").Array() {
		ids = append(ids, id.String())
	}
	return []events.Event{&events.DeliveryReceipt{
		ThreadID:    extractThreadID(d),
		DeliveredTo: firstOf(d, append(paths("deliveredTo", "actorFbId"), extractSenderID)...),
		MessageIDs:  ids,
		Timestamp:   dec.timestamp(d, "deliveredWatermarkTimestampMs", "deliveredWatermarkTimestamp"),
	}}
}

func (dec *Decoder) markRead(d gjson.Result) []events.Event {
	var threads []string
	for _, key := range d.Get("threadKeys").Array() {
		if id := firstOf(key, paths("threadFbId", "otherUserFbId")...); id != "" {
			threads = append(threads, id)
		}
	}
	if len(threads) == 0 {
		if id := extractThreadID(d); id != "" {
			threads = append(threads, id)
		}
	}
	return []events.Event{&events.MarkRead{
		ThreadIDs: threads,
		Timestamp: dec.timestamp(d, "actionTimestamp", "watermarkTimestamp"),
	}}
}

func (dec *Decoder) adminMessage(d gjson.Result) []events.Event {
	adminType := firstOf(d, paths("adminType", "admin_type", "untypedData.type")...)
	if adminType == "" {
		if val := scalar(d, "type"); val != "" && val != "AdminTextMessage" {
			adminType = val
		}
	}
	return []events.Event{&events.AdminMessage{
		ThreadID:  extractThreadID(d),
		AuthorID:  extractSenderID(d),
		MessageID: extractMessageID(d),
		Body:      firstOf(d, append(paths("messageMetadata.adminText", "adminText"), extractBody)...),
		AdminType: adminType,
		Timestamp: extractTimestamp(d, dec.now().UnixMilli()),
	}}
}

func (dec *Decoder) forcedFetch(d gjson.Result) []events.Event {
	return []events.Event{&events.ForcedFetch{ThreadID: extractThreadID(d)}}
}

func (dec *Decoder) threadName(d gjson.Result) []events.Event {
	return []events.Event{&events.ThreadRename{
		ThreadID:  extractThreadID(d),
		AuthorID:  extractSenderID(d),
		Name:      firstOf(d, paths("name", "threadName", "thread_name")...),
		Timestamp: extractTimestamp(d, dec.now().UnixMilli()),
	}}
}

func (dec *Decoder) participantsAdded(d gjson.Result) []events.Event {
	var participants []string
	for _, p := range firstResult(d, "addedParticipants", "added_participants").Array() {
		if id := firstOf(p, paths("userFbId", "id", "fbid")...); id != "" {
			participants = append(participants, id)
		} else if p.Type == gjson.String || p.Type == gjson.Number {
			participants = append(participants, p.String())
		}
	}
	return []events.Event{&events.ParticipantsAdded{
		ThreadID:     extractThreadID(d),
		AuthorID:     extractSenderID(d),
		Participants: participants,
		Timestamp:    extractTimestamp(d, dec.now().UnixMilli()),
	}}
}

func (dec *Decoder) participantLeft(d gjson.Result) []events.Event {
	return []events.Event{&events.ParticipantLeft{
		ThreadID:      extractThreadID(d),
		AuthorID:      extractSenderID(d),
		ParticipantID: firstOf(d, paths("leftParticipantFbId", "left_participant_fbid")...),
		Timestamp:     extractTimestamp(d, dec.now().UnixMilli()),
	}}
}

func (dec *Decoder) muteSettings(d gjson.Result) []events.Event {
	until, _ := parseInt(firstResult(d, "expireTime", "expire_time", "mutedUntil"))
	return []events.Event{&events.MuteSettingsChanged{
		ThreadID:   extractThreadID(d),
		MutedUntil: until,
	}}
}

func (dec *Decoder) threadAction(d gjson.Result) []events.Event {
	return []events.Event{&events.ThreadAction{
		ThreadID:  extractThreadID(d),
		ActorID:   extractSenderID(d),
		Action:    firstOf(d, paths("action", "actionType", "action_type")...),
		Timestamp: extractTimestamp(d, dec.now().UnixMilli()),
	}}
}

func (dec *Decoder) reaction(d gjson.Result) []events.Event {
	// action 0 adds the reaction and 1 removes it
	removed := scalar(d, "action") == "1"
	reaction := firstOf(d, paths("reaction", "emoji")...)
	if reaction == "" {
		removed = true
	}
	return []events.Event{&events.Reaction{
		ThreadID:  extractThreadID(d),
		MessageID: extractMessageID(d),
		SenderID:  firstOf(d, append(paths("userId", "senderId"), extractSenderID)...),
		Reaction:  reaction,
		Removed:   removed,
	}}
}

func (dec *Decoder) unsend(d gjson.Result) []events.Event {
	return []events.Event{&events.Unsend{
		ThreadID:  extractThreadID(d),
		MessageID: extractMessageID(d),
		SenderID:  extractSenderID(d),
		Timestamp: dec.timestamp(d, "deletionTimestamp"),
	}}
}

func (dec *Decoder) handleTyping(payload gjson.Result) []events.Event {
	sender := firstOf(payload, paths("sender_fbid", "sender", "from", "senderId")...)
	if sender == "" {
		sender = extractSenderID(payload)
	}
	if sender == "" {
		return nil
	}
	thread := firstOf(payload, paths("thread", "thread_fbid", "threadFbId")...)
	if thread == "" {
		thread = extractThreadID(payload)
	}
	if thread == "" {
		thread = sender
	}
	var typing bool
	switch state := firstResult(payload, "state", "isTyping", "typing", "st"); state.Type {
	case gjson.True, gjson.False:
		typing = state.Bool()
	case gjson.Number:
		typing = state.Int() == 1
	case gjson.String:
		typing = state.Str == "1" || strings.EqualFold(state.Str, "true")
	}
	return []events.Event{&events.Typing{ThreadID: thread, SenderID: sender, IsTyping: typing}}
}

func (dec *Decoder) handlePresence(payload gjson.Result) []events.Event {
	var out []events.Event
	for _, entry := range payload.Get("list").Array() {
		user := scalar(entry, "u")
		if user == "" {
			continue
		}
		lastActive, _ := parseInt(entry.Get("l"))
		out = append(out, &events.Presence{
			UserID:     user,
			Online:     entry.Get("p").Int() == 2,
			LastActive: lastActive * 1000,
		})
	}
	return out
}

func (dec *Decoder) handleLegacy(payload gjson.Result) []events.Event {
	var out []events.Event
	for _, key := range []string{"deltas", "batches", "threads", "errorCode", "syncToken", "lastIssuedSeqId"} {
		if payload.Get(key).Exists() {
			return append(out, dec.handleSync(payload)...)
		}
	}
	if payload.Get("unseen").Exists() || payload.Get("unread").Exists() {
		out = append(out, &events.InboxUpdate{
			Unseen:       payload.Get("unseen").Int(),
			Unread:       payload.Get("unread").Int(),
			RecentUnread: payload.Get("recent_unread").Int(),
		})
	}
	if actions := payload.Get("actions"); actions.IsArray() {
		for _, action := range actions.Array() {
			if isMessageShaped(action) || extractMessageID(action) != "" {
				out = dec.appendMessage(out, action, "")
			}
		}
		return out
	}
	if nested := payload.Get("payload"); nested.IsObject() {
		return append(out, dec.handleLegacy(nested)...)
	}
	if isMessageShaped(payload) {
		out = dec.appendMessage(out, payload, "")
	}
	return out
}

func (dec *Decoder) handleDisconnect(payload gjson.Result) []events.Event {
	reason := firstOf(payload, paths("reason", "disconnect_reason", "type")...)
	return []events.Event{&events.DisconnectNotice{Reason: reason}}
}

func (dec *Decoder) handleRegionHint(payload gjson.Result) []events.Event {
	region := firstOf(payload, paths("regionCode", "region_hint", "region")...)
	if region == "" {
		return nil
	}
	return []events.Event{&events.RegionHint{Region: region}}
}

func (dec *Decoder) handleGeneric(payload gjson.Result) []events.Event {
	if !isMessageShaped(payload) {
		return nil
	}
	return dec.appendMessage(nil, payload, "")
}
