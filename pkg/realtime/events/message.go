// message.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package events

type Event interface {
	isEvent()
}

func (*Message) isEvent()                {}
func (*ReadReceipt) isEvent()            {}
func (*DeliveryReceipt) isEvent()        {}
func (*MarkRead) isEvent()               {}
func (*AdminMessage) isEvent()           {}
func (*ForcedFetch) isEvent()            {}
func (*ThreadRename) isEvent()           {}
func (*ParticipantsAdded) isEvent()      {}
func (*ParticipantLeft) isEvent()        {}
func (*MuteSettingsChanged) isEvent()    {}
func (*ThreadAction) isEvent()           {}
func (*Reaction) isEvent()               {}
func (*Unsend) isEvent()                 {}
func (*Typing) isEvent()                 {}
func (*Presence) isEvent()               {}
func (*InboxUpdate) isEvent()            {}
func (*SyncError) isEvent()              {}
func (*DisconnectNotice) isEvent()       {}
func (*RegionHint) isEvent()             {}
func (*ConnectionStateChanged) isEvent() {}
func (*ReconnectExhausted) isEvent()     {}

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypePhoto    MessageType = "photo"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeFile     MessageType = "file"
	MessageTypeGIF      MessageType = "gif"
	MessageTypeLocation MessageType = "location"
	MessageTypeShare    MessageType = "share"
)

// GroupThreadIDLength is the thread id length above which a thread is a group.
const GroupThreadIDLength = 15

type Attachment struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`
	URL      string      `json:"url,omitempty"`
	Filename string      `json:"filename,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
}

type Mention struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Name   string `json:"name,omitempty"`
}

type ReplyTo struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
}

// Message is the canonical chat message produced from any of the wire shapes
// that carry one. It is built once and never modified afterwards.
type Message struct {
	MessageID   string       `json:"message_id"`
	ThreadID    string       `json:"thread_id"`
	SenderID    string       `json:"sender_id"`
	Body        string       `json:"body"`
	Timestamp   int64        `json:"timestamp"`
	Type        MessageType  `json:"type"`
	Attachments []Attachment `json:"attachments"`
	Mentions    []Mention    `json:"mentions"`
	IsGroup     bool         `json:"is_group"`
	IsUnread    bool         `json:"is_unread"`
	ReplyTo     *ReplyTo     `json:"reply_to,omitempty"`
}

type ReadReceipt struct {
	ThreadID  string
	ReaderID  string
	Timestamp int64
}

type DeliveryReceipt struct {
	ThreadID    string
	DeliveredTo string
	MessageIDs  []string
	Timestamp   int64
}

type MarkRead struct {
	ThreadIDs []string
	Timestamp int64
}

type AdminMessage struct {
	ThreadID  string
	AuthorID  string
	MessageID string
	Body      string
	AdminType string
	Timestamp int64
}

type ForcedFetch struct {
	ThreadID string
}

type ThreadRename struct {
	ThreadID  string
	AuthorID  string
	Name      string
	Timestamp int64
}

type ParticipantsAdded struct {
	ThreadID     string
	AuthorID     string
	Participants []string
	Timestamp    int64
}

type ParticipantLeft struct {
	ThreadID      string
	AuthorID      string
	ParticipantID string
	Timestamp     int64
}

type MuteSettingsChanged struct {
	ThreadID string
	// MutedUntil is a unix timestamp in seconds, -1 for muted forever and 0 for unmuted.
	MutedUntil int64
}

type ThreadAction struct {
	ThreadID  string
	ActorID   string
	Action    string
	Timestamp int64
}

type Reaction struct {
	ThreadID  string
	MessageID string
	SenderID  string
	Reaction  string
	Removed   bool
}

type Unsend struct {
	ThreadID  string
	MessageID string
	SenderID  string
	Timestamp int64
}

type Typing struct {
	ThreadID string
	SenderID string
	IsTyping bool
}

type Presence struct {
	UserID string
	Online bool
	// LastActive is in milliseconds.
	LastActive int64
}

type InboxUpdate struct {
	Unseen       int64
	Unread       int64
	RecentUnread int64
}

type SyncError struct {
	Code string
}

type DisconnectNotice struct {
	Reason string
}

type RegionHint struct {
	Region string
}
