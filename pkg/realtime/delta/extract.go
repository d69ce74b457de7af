// extract.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package delta

import (
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
)

// extractor resolves one logical field from a delta, returning "" when the
// shape it knows about is absent.
type extractor func(d gjson.Result) string

func firstOf(d gjson.Result, extractors ...extractor) string {
	for _, fn := range extractors {
		if val := fn(d); val != "" {
			return val
		}
	}
	return ""
}

// scalar returns the value at path if it is a non-empty scalar.
func scalar(d gjson.Result, path string) string {
	val := d.Get(path)
	switch val.Type {
	case gjson.String, gjson.Number:
		return val.String()
	case gjson.True, gjson.False:
		return val.String()
	default:
		return ""
	}
}

func path(p string) extractor {
	return func(d gjson.Result) string {
		return scalar(d, p)
	}
}

func paths(ps ...string) []extractor {
	out := make([]extractor, len(ps))
	for i, p := range ps {
		out[i] = path(p)
	}
	return out
}

var messageIDExtractors = paths(
	"messageMetadata.messageId",
	"messageId",
	"mid",
	"message_id",
	"id",
	"messageID",
	"message.message_id",
	"message.id",
)

func extractMessageID(d gjson.Result) string {
	return firstOf(d, messageIDExtractors...)
}

var threadKeySubKeys = []string{"threadFbId", "otherUserFbId"}
var snakeThreadKeySubKeys = []string{"thread_fbid", "other_user_fbid", "other_user_id"}
var threadObjectSubKeys = []string{"threadFbId", "otherUserFbId", "thread_fbid", "other_user_fbid", "id"}

func threadKey(base string, subKeys []string) extractor {
	return func(d gjson.Result) string {
		obj := d.Get(base)
		if !obj.IsObject() {
			return ""
		}
		for _, key := range subKeys {
			if val := scalar(obj, key); val != "" {
				return val
			}
		}
		return ""
	}
}

func flatThreadField(field string) extractor {
	return func(d gjson.Result) string {
		val := d.Get(field)
		if val.IsObject() {
			for _, key := range threadObjectSubKeys {
				if sub := scalar(val, key); sub != "" {
					return sub
				}
			}
			return ""
		}
		return scalar(d, field)
	}
}

var threadIDExtractors = []extractor{
	threadKey("messageMetadata.threadKey", threadKeySubKeys),
	threadKey("threadKey", threadKeySubKeys),
	threadKey("thread.thread_key", append(threadKeySubKeys, snakeThreadKeySubKeys...)),
	flatThreadField("threadId"),
	flatThreadField("thread_id"),
	flatThreadField("threadID"),
	flatThreadField("thread_fbid"),
	flatThreadField("conversation_id"),
	flatThreadField("tid"),
	flatThreadField("thread"),
}

func extractThreadID(d gjson.Result) string {
	return firstOf(d, threadIDExtractors...)
}

// Thread snapshots may carry their key at the top level in either casing.
var snapshotThreadIDExtractors = append(slices.Clone(threadIDExtractors),
	threadKey("thread_key", append(slices.Clone(snakeThreadKeySubKeys), threadKeySubKeys...)),
	threadKey("threadKey", snakeThreadKeySubKeys),
	path("id"),
)

var senderFields = []string{
	"actorFbId", "senderId", "sender_id", "senderID", "author", "from",
	"user_id", "userId", "author_id", "message_sender",
}

func normalizeSender(val gjson.Result) string {
	if val.IsObject() {
		for _, key := range []string{"id", "fbid"} {
			if sub := scalar(val, key); sub != "" {
				return normalizeSenderString(sub)
			}
		}
		return ""
	}
	switch val.Type {
	case gjson.String, gjson.Number:
		return normalizeSenderString(val.String())
	}
	return ""
}

func normalizeSenderString(val string) string {
	if _, after, found := strings.Cut(val, ":"); found {
		return after
	}
	return val
}

func extractSenderID(d gjson.Result) string {
	if val := normalizeSender(d.Get("messageMetadata.actorFbId")); val != "" {
		return val
	}
	for _, field := range senderFields {
		val := d.Get(field)
		if !val.Exists() || val.Type == gjson.Null || (val.Type == gjson.String && val.Str == "") {
			continue
		}
		// The first present field decides, even if it resolves to nothing.
		return normalizeSender(val)
	}
	return ""
}

var timestampPaths = []string{
	"messageMetadata.timestamp",
	"timestamp",
	"timestamp_ms",
	"timestampMs",
	"timestamp_precise",
	"sentTimestamp",
	"time",
}

func parseInt(val gjson.Result) (int64, bool) {
	switch val.Type {
	case gjson.Number:
		return val.Int(), true
	case gjson.String:
		parsed, err := strconv.ParseInt(strings.TrimSpace(val.Str), 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

func extractTimestamp(d gjson.Result, now int64) int64 {
	for _, p := range timestampPaths {
		if ts, ok := parseInt(d.Get(p)); ok {
			return ts
		}
	}
	return now
}

var bodyExtractors = paths(
	"body",
	"text",
	"messageMetadata.body",
	"message.text",
	"message.body",
	"snippet",
)

func extractBody(d gjson.Result) string {
	return firstOf(d, bodyExtractors...)
}

var attachmentSources = []string{"attachments", "messageMetadata.attachments", "blob_attachments", "extensible_attachments"}

var attachmentTypeHints = []struct {
	substr string
	typ    events.MessageType
}{
	{"image", events.MessageTypePhoto},
	{"photo", events.MessageTypePhoto},
	{"video", events.MessageTypeVideo},
	{"audio", events.MessageTypeAudio},
	{"file", events.MessageTypeFile},
	{"sticker", events.MessageTypeSticker},
	{"gif", events.MessageTypeGIF},
}

// inferAttachmentType maps a free-form type name onto a canonical type,
// defaulting to file.
func inferAttachmentType(name string) events.MessageType {
	lower := strings.ToLower(name)
	for _, hint := range attachmentTypeHints {
		if strings.Contains(lower, hint.substr) {
			return hint.typ
		}
	}
	return events.MessageTypeFile
}

func extractAttachments(d gjson.Result) []events.Attachment {
	var raw []gjson.Result
	for _, src := range attachmentSources {
		val := d.Get(src)
		if val.IsArray() && len(val.Array()) > 0 {
			raw = val.Array()
			break
		}
	}
	if len(raw) == 0 {
		return nil
	}
	out := make([]events.Attachment, 0, len(raw))
	for _, att := range raw {
		typeName := firstOf(att, paths("type", "attach_type")...)
		var typ events.MessageType
		if typeName != "" {
			typ = events.MessageType(strings.ToLower(typeName))
		} else {
			typ = inferAttachmentType(firstOf(att, paths("__typename", "mimeType", "mime_type", "filename")...))
		}
		out = append(out, events.Attachment{
			Type:     typ,
			ID:       firstOf(att, paths("id", "fbid", "attachment_id", "legacy_attachment_id")...),
			URL:      firstOf(att, paths("url", "uri", "playable_url", "large_preview.uri", "preview.uri")...),
			Filename: firstOf(att, paths("filename", "name", "title")...),
			MimeType: firstOf(att, paths("mimeType", "mime_type", "contentType")...),
		})
	}
	return out
}

var mentionSources = []string{"mentions", "messageMetadata.mentions", "message_tags"}

func extractMentions(d gjson.Result) []events.Mention {
	for _, src := range mentionSources {
		val := d.Get(src)
		if !val.IsArray() || len(val.Array()) == 0 {
			continue
		}
		out := make([]events.Mention, 0, len(val.Array()))
		for _, m := range val.Array() {
			offset, _ := parseInt(firstResult(m, "offset", "o"))
			length, _ := parseInt(firstResult(m, "length", "l"))
			out = append(out, events.Mention{
				ID:     firstOf(m, paths("id", "i")...),
				Offset: int(offset),
				Length: int(length),
				Name:   firstOf(m, paths("name", "n")...),
			})
		}
		return out
	}
	return nil
}

func firstResult(d gjson.Result, ps ...string) gjson.Result {
	for _, p := range ps {
		if val := d.Get(p); val.Exists() {
			return val
		}
	}
	return gjson.Result{}
}

var replySources = []string{"repliedToMessage", "replied_to_message", "replyToMessage", "quotedMessage"}

func extractReplyTo(d gjson.Result) *events.ReplyTo {
	for _, src := range replySources {
		val := d.Get(src)
		if !val.IsObject() {
			continue
		}
		return &events.ReplyTo{
			MessageID: extractMessageID(val),
			SenderID:  extractSenderID(val),
			Body:      extractBody(val),
		}
	}
	return nil
}

var (
	stickerIDExtractors = paths("stickerId", "sticker_id", "messageMetadata.stickerId", "sticker.id")
	locationFields      = []string{"coordinates", "location", "messageMetadata.coordinates"}
	shareFields         = []string{"share", "url", "shareUrl", "share_url"}
)

func exists(d gjson.Result, fields []string) bool {
	for _, field := range fields {
		if val := d.Get(field); val.Exists() && val.Type != gjson.Null {
			return true
		}
	}
	return false
}

func resolveMessageType(d gjson.Result, attachments []events.Attachment) events.MessageType {
	switch {
	case firstOf(d, stickerIDExtractors...) != "":
		return events.MessageTypeSticker
	case len(attachments) > 0:
		return inferAttachmentType(string(attachments[0].Type))
	case exists(d, locationFields):
		return events.MessageTypeLocation
	case exists(d, shareFields):
		return events.MessageTypeShare
	default:
		return events.MessageTypeText
	}
}

func extractUnread(d gjson.Result) bool {
	val := firstResult(d, "isUnread", "is_unread", "unread")
	if val.Type == gjson.True || val.Type == gjson.False {
		return val.Bool()
	}
	return true
}

var messageShapedFields = []string{"messageMetadata", "body", "message", "text"}

func isMessageShaped(d gjson.Result) bool {
	return exists(d, messageShapedFields)
}
