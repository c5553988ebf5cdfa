// Package protocol defines the newline-delimited JSON wire format shared
// by the chat router, the file relay, and the signaling hub's missed-call
// emitter. Frames are schemaless on the wire; Message wraps the decoded
// object and provides typed accessors so handlers never re-assert fields.
package protocol

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimestampLayout is the format for server-minted timestamps.
// Historical records keep whatever format they were stored with.
const TimestampLayout = "2006-01-02 03:04 PM"

// Client -> server kinds.
const (
	KindChat                  = "chat"
	KindPrivate               = "private"
	KindPrivateFile           = "private_file"
	KindPrivateAudio          = "private_audio"
	KindGroupCreate           = "group_create"
	KindGroupMessage          = "group_message"
	KindGroupFile             = "group_file"
	KindGroupAudio            = "group_audio"
	KindGroupAddMember        = "group_add_member"
	KindGroupRemoveMember     = "group_remove_member"
	KindGroupUpdateName       = "group_update_name"
	KindGroupChangeAdmin      = "group_change_admin"
	KindGroupDelete           = "group_delete"
	KindRequestPrivateHistory = "request_private_history"
	KindRequestGroupHistory   = "request_group_history"
	KindRequestChatHistory    = "request_chat_history"
	KindFileShare             = "file_share"
	KindAudioShare            = "audio_share"
	KindAudioMessage          = "audio_message" // legacy alias of audio_share
	KindVideoInvite           = "video_invite"
	KindVideoInvitePrivate    = "video_invite_private"
	KindVideoInviteGroup      = "video_invite_group"
	KindAudioInvite           = "audio_invite"
	KindAudioInvitePrivate    = "audio_invite_private"
	KindAudioInviteGroup      = "audio_invite_group"
	KindGetUsers              = "get_users"
	KindRequestGroups         = "request_groups"
	KindDeleteMessage         = "delete_message"
	KindDeleteUserChat        = "delete_user_chat"
	KindPing                  = "ping"
	KindPong                  = "pong"
	KindSaveRecentChat        = "save_recent_chat"
	KindScreenShare           = "screen_share"
)

// Server -> client kinds.
const (
	KindSystem             = "system"
	KindChatHistory        = "chat_history"
	KindPrivateHistory     = "private_history"
	KindGroupHistory       = "group_history"
	KindUserList           = "user_list"
	KindGroupList          = "group_list"
	KindFileMetadata       = "file_metadata"
	KindFileNotification   = "file_notification"
	KindGroupCreated       = "group_created"
	KindGroupMemberAdded   = "group_member_added"
	KindGroupMemberRemoved = "group_member_removed"
	KindGroupNameChanged   = "group_name_changed"
	KindGroupAdminChanged  = "group_admin_changed"
	KindGroupDeleted       = "group_deleted"
	KindMessageDeleted     = "message_deleted"
	KindUserChatDeleted    = "user_chat_deleted"
	KindVideoMissed        = "video_missed"
	KindAudioMissed        = "audio_missed"
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

// Message is one decoded wire frame. The underlying map is retained so
// fields the server does not know about survive re-broadcast verbatim.
type Message map[string]any

// Decode parses one frame. The frame must be a JSON object.
func Decode(data []byte) (Message, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if m == nil {
		return nil, errors.New("decode frame: not an object")
	}
	return Message(m), nil
}

// Encode serializes the frame with the trailing newline delimiter.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// Str returns the named field when it is a string, else "".
func (m Message) Str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Kind returns the frame's type. The source treated untyped frames as
// plain chat; we keep that default.
func (m Message) Kind() string {
	if t := m.Str("type"); t != "" {
		return t
	}
	return KindChat
}

func (m Message) Sender() string    { return m.Str("sender") }
func (m Message) Receiver() string  { return m.Str("receiver") }
func (m Message) Content() string   { return m.Str("content") }
func (m Message) GroupID() string   { return m.Str("group_id") }
func (m Message) FileID() string    { return m.Str("file_id") }
func (m Message) MessageID() string { return m.Str("message_id") }
func (m Message) Timestamp() string { return m.Str("timestamp") }

// EnsureTimestamp assigns a server timestamp when the frame has none.
func (m Message) EnsureTimestamp(now time.Time) {
	if m.Timestamp() == "" {
		m["timestamp"] = now.Format(TimestampLayout)
	}
}

// Clone returns a shallow copy; list/map values stay shared.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsSystemName reports whether a display name marks a system identity:
// first and last characters are the underscore sentinel.
func IsSystemName(name string) bool {
	return len(name) >= 2 && name[0] == '_' && name[len(name)-1] == '_'
}

// System builds a system frame from the server identity.
func System(content string, now time.Time) Message {
	return Message{
		"type":      KindSystem,
		"sender":    "Server",
		"content":   content,
		"timestamp": now.Format(TimestampLayout),
	}
}

// Pong answers a client ping.
func Pong(now time.Time) Message {
	return Message{"type": KindPong, "timestamp": now.Format(TimestampLayout)}
}

// Ping is the heartbeat probe.
func Ping(now time.Time) Message {
	return Message{"type": KindPing, "timestamp": now.Format(TimestampLayout)}
}
