package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/protocol"
	"github.com/shadow-nexus/server/internal/v1/store"
)

// dispatch routes one frame to its handler. Untyped frames default to
// plain chat; unknown kinds are logged and dropped.
func (r *Router) dispatch(c *Conn, m protocol.Message) {
	kind := m.Kind()
	switch kind {
	case protocol.KindPing:
		_ = c.Send(protocol.Pong(r.now()))
	case protocol.KindPong:
		// Liveness already refreshed by the read loop.
	case protocol.KindChat:
		r.handleChat(c, m)
	case protocol.KindPrivate:
		r.handlePrivate(c, m)
	case protocol.KindPrivateFile:
		r.handlePrivateFile(c, m)
	case protocol.KindPrivateAudio:
		r.handlePrivateAudio(c, m)
	case protocol.KindGroupCreate:
		r.handleGroupCreate(c, m)
	case protocol.KindGroupMessage:
		r.handleGroupMessage(c, m)
	case protocol.KindGroupFile:
		r.handleGroupFile(c, m)
	case protocol.KindGroupAudio:
		r.handleGroupAudio(c, m)
	case protocol.KindGroupAddMember:
		r.handleGroupAddMember(c, m)
	case protocol.KindGroupRemoveMember:
		r.handleGroupRemoveMember(c, m)
	case protocol.KindGroupUpdateName:
		r.handleGroupUpdateName(c, m)
	case protocol.KindGroupChangeAdmin:
		r.handleGroupChangeAdmin(c, m)
	case protocol.KindGroupDelete:
		r.handleGroupDelete(c, m)
	case protocol.KindRequestPrivateHistory:
		r.handleRequestPrivateHistory(c, m)
	case protocol.KindRequestGroupHistory:
		r.handleRequestGroupHistory(c, m)
	case protocol.KindRequestChatHistory:
		_ = c.Send(r.chatHistoryMessage(300))
	case protocol.KindFileShare:
		r.handleFileShare(c, m)
	case protocol.KindAudioShare, protocol.KindAudioMessage:
		r.handleAudioShare(c, m)
	case protocol.KindVideoInvite:
		r.handleGlobalInvite(c, m, protocol.KindVideoInvite, "")
	case protocol.KindAudioInvite:
		r.handleGlobalInvite(c, m, protocol.KindAudioInvite,
			fmt.Sprintf("%s started an audio call", m.Sender()))
	case protocol.KindVideoInvitePrivate:
		r.handlePrivateInvite(c, m, protocol.KindVideoInvitePrivate, "")
	case protocol.KindAudioInvitePrivate:
		r.handlePrivateInvite(c, m, protocol.KindAudioInvitePrivate,
			fmt.Sprintf("%s started a private audio call", m.Sender()))
	case protocol.KindVideoInviteGroup:
		r.handleGroupInvite(c, m, protocol.KindVideoInviteGroup, "")
	case protocol.KindAudioInviteGroup:
		r.handleGroupInvite(c, m, protocol.KindAudioInviteGroup,
			fmt.Sprintf("%s started a group audio call", m.Sender()))
	case protocol.KindVideoMissed:
		r.handleMissedCall(c, m, protocol.KindVideoMissed, "video")
	case protocol.KindAudioMissed:
		r.handleMissedCall(c, m, protocol.KindAudioMissed, "audio")
	case protocol.KindGetUsers:
		_ = c.Send(r.userListMessage(c.name))
	case protocol.KindRequestGroups:
		_ = c.Send(r.groupListMessage())
	case protocol.KindDeleteMessage:
		r.handleDeleteMessage(c, m)
	case protocol.KindDeleteUserChat:
		r.handleDeleteUserChat(c, m)
	case protocol.KindSaveRecentChat:
		r.reg.TouchRecent(m.Sender(), m.Str("target"))
	case protocol.KindScreenShare:
		r.broadcastToUsers(m, c.name)
	default:
		metrics.FramesRouted.WithLabelValues(kind, "unknown").Inc()
		logging.Warn(context.Background(), "no handler for frame type",
			zap.String("type", kind), zap.String("username", c.name))
		return
	}
	metrics.FramesRouted.WithLabelValues(kind, "ok").Inc()
}

// sendError replies with a system frame; the connection stays up.
func (r *Router) sendError(c *Conn, text string) {
	_ = c.Send(protocol.System(text, r.now()))
}

// --- welcome payload builders ---

func (r *Router) chatHistoryMessage(n int) protocol.Message {
	return protocol.Message{
		"type":     protocol.KindChatHistory,
		"messages": r.store.GetGlobal(n),
	}
}

func (r *Router) fileMetadataMessage() protocol.Message {
	records := r.store.FileMetadata()
	files := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		files = append(files, map[string]any{
			"file_id":   rec.ID,
			"file_name": rec.Name,
			"name":      rec.Name,
			"size":      rec.Size,
			"file_size": rec.Size,
			"sender":    rec.Sender,
			"timestamp": rec.Timestamp,
		})
	}
	return protocol.Message{"type": protocol.KindFileMetadata, "files": files}
}

func (r *Router) groupListMessage() protocol.Message {
	defs := r.store.Groups()
	groups := make([]map[string]any, 0, len(defs))
	for _, g := range defs {
		groups = append(groups, map[string]any{
			"id":         g.ID,
			"name":       g.Name,
			"members":    g.Members,
			"created_by": g.CreatedBy,
			"admin":      g.Admin,
		})
	}
	return protocol.Message{"type": protocol.KindGroupList, "groups": groups}
}

func (r *Router) userListMessage(requester string) protocol.Message {
	return protocol.Message{
		"type":  protocol.KindUserList,
		"users": r.reg.NonSystemNames(requester),
	}
}

// --- global scope ---

// handleChat appends to the global log and broadcasts the frame
// unchanged to everyone, sender included. replyTo metadata and any other
// unknown fields ride along verbatim.
func (r *Router) handleChat(_ *Conn, m protocol.Message) {
	r.store.AppendGlobal(m)
	r.broadcastToUsers(m, "")
}

func (r *Router) handleFileShare(_ *Conn, m protocol.Message) {
	if m.FileID() == "" {
		return
	}
	size := m["file_size"]
	notification := protocol.Message{
		"type":      protocol.KindFileNotification,
		"sender":    m.Sender(),
		"file_id":   m.FileID(),
		"file_name": m.Str("file_name"),
		"size":      size,
		"file_size": size,
		"timestamp": m.Timestamp(),
	}
	r.store.AppendGlobal(notification)
	r.broadcastToUsers(notification, "")
}

// handleAudioShare carries either an inline base64 blob (legacy) or a
// file_id reference to a relay upload.
func (r *Router) handleAudioShare(_ *Conn, m protocol.Message) {
	audioData, hasBlob := m["audio_data"].(string)
	if (!hasBlob || audioData == "") && m.FileID() == "" {
		return
	}
	audio := protocol.Message{
		"type":      protocol.KindAudioMessage,
		"sender":    m.Sender(),
		"duration":  m["duration"],
		"has_audio": true,
		"timestamp": m.Timestamp(),
	}
	if hasBlob && audioData != "" {
		audio["audio_data"] = audioData
	}
	if m.FileID() != "" {
		audio["file_id"] = m.FileID()
	}
	r.store.AppendGlobal(audio)
	r.broadcastToUsers(audio, "")
}

// --- private scope ---

// deliverPrivate persists the frame under the canonical pair key,
// updates both recent-chat deques, delivers to the receiver when online,
// and always echoes to the sender.
func (r *Router) deliverPrivate(c *Conn, m protocol.Message, sender, receiver string) {
	r.store.AppendPrivate(sender, receiver, m)
	r.reg.TouchRecent(sender, receiver)
	r.reg.TouchRecent(receiver, sender)

	if peer, ok := r.reg.FindByName(receiver); ok {
		if err := peer.Send(m); err != nil {
			r.disconnect(peer, "send failure")
		}
	}
	_ = c.Send(m)
}

func (r *Router) handlePrivate(c *Conn, m protocol.Message) {
	if m.Receiver() == "" {
		return
	}
	r.deliverPrivate(c, m, m.Sender(), m.Receiver())
}

func (r *Router) handlePrivateFile(c *Conn, m protocol.Message) {
	if m.Receiver() == "" || m.FileID() == "" {
		return
	}
	size := m["file_size"]
	fileMsg := protocol.Message{
		"type":      protocol.KindPrivateFile,
		"sender":    m.Sender(),
		"receiver":  m.Receiver(),
		"file_id":   m.FileID(),
		"file_name": m.Str("file_name"),
		"size":      size,
		"file_size": size,
		"timestamp": m.Timestamp(),
	}
	r.deliverPrivate(c, fileMsg, m.Sender(), m.Receiver())
}

func (r *Router) handlePrivateAudio(c *Conn, m protocol.Message) {
	audioData, _ := m["audio_data"].(string)
	if m.Receiver() == "" || (audioData == "" && m.FileID() == "") {
		return
	}
	audio := protocol.Message{
		"type":      protocol.KindPrivateAudio,
		"sender":    m.Sender(),
		"receiver":  m.Receiver(),
		"duration":  m["duration"],
		"has_audio": true,
		"timestamp": m.Timestamp(),
	}
	if audioData != "" {
		audio["audio_data"] = audioData
	}
	if m.FileID() != "" {
		audio["file_id"] = m.FileID()
	}
	r.deliverPrivate(c, audio, m.Sender(), m.Receiver())
}

// --- group scope ---

// requireGroup loads the group and optionally enforces membership,
// replying with a system error on failure.
func (r *Router) requireGroup(c *Conn, gid, user string, requireMembership bool) (store.Group, bool) {
	g, err := r.store.Group(gid)
	if err != nil {
		r.sendError(c, "Group not found")
		return store.Group{}, false
	}
	if requireMembership && !g.IsMember(user) {
		r.sendError(c, "You are not a member of this group")
		return store.Group{}, false
	}
	return g, true
}

// notifyMembers fans a frame out to every online member, plus any extra
// names (e.g. a just-removed member who still needs the notification).
func (r *Router) notifyMembers(g store.Group, msg protocol.Message, extra ...string) {
	names := append(append([]string(nil), g.Members...), extra...)
	r.fanOut(msg, r.reg.SessionsNamed(names))
}

func (r *Router) broadcastGroupList() {
	r.broadcastToUsers(r.groupListMessage(), "")
}

func (r *Router) handleGroupCreate(c *Conn, m protocol.Message) {
	groupName := m.Str("group_name")
	if groupName == "" {
		return
	}
	creator := m.Sender()

	members := []string{creator}
	if raw, ok := m["members"].([]any); ok {
		for _, v := range raw {
			if name, ok := v.(string); ok && name != creator {
				members = append(members, name)
			}
		}
	}

	now := r.now()
	g := &store.Group{
		ID:        r.store.NewGroupID(now),
		Name:      groupName,
		Members:   members,
		CreatedBy: creator,
		Admin:     creator,
		CreatedAt: now.Format(protocol.TimestampLayout),
	}
	r.store.PutGroup(g)

	r.notifyMembers(*g, protocol.Message{
		"type":       protocol.KindGroupCreated,
		"group_id":   g.ID,
		"group_name": g.Name,
		"members":    g.Members,
		"created_by": creator,
		"admin":      creator,
		"timestamp":  g.CreatedAt,
	})
	r.broadcastGroupList()
}

// handleGroupPost covers message/file/audio posts: membership check,
// append, deliver to every online member including the sender so the
// sender's view reflects server ordering.
func (r *Router) handleGroupPost(c *Conn, m protocol.Message) {
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), true)
	if !ok {
		return
	}
	r.store.AppendGroup(g.ID, m)
	r.notifyMembers(g, m)
}

func (r *Router) handleGroupMessage(c *Conn, m protocol.Message) {
	r.handleGroupPost(c, m)
}

func (r *Router) handleGroupFile(c *Conn, m protocol.Message) {
	if m.FileID() == "" {
		return
	}
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), true)
	if !ok {
		return
	}
	size := m["file_size"]
	fileMsg := protocol.Message{
		"type":      protocol.KindGroupFile,
		"sender":    m.Sender(),
		"group_id":  g.ID,
		"file_id":   m.FileID(),
		"file_name": m.Str("file_name"),
		"size":      size,
		"file_size": size,
		"timestamp": m.Timestamp(),
	}
	r.store.AppendGroup(g.ID, fileMsg)
	r.notifyMembers(g, fileMsg)
}

func (r *Router) handleGroupAudio(c *Conn, m protocol.Message) {
	audioData, _ := m["audio_data"].(string)
	if audioData == "" && m.FileID() == "" {
		return
	}
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), true)
	if !ok {
		return
	}
	audio := protocol.Message{
		"type":      protocol.KindGroupAudio,
		"sender":    m.Sender(),
		"group_id":  g.ID,
		"duration":  m["duration"],
		"has_audio": true,
		"timestamp": m.Timestamp(),
	}
	if audioData != "" {
		audio["audio_data"] = audioData
	}
	if m.FileID() != "" {
		audio["file_id"] = m.FileID()
	}
	r.store.AppendGroup(g.ID, audio)
	r.notifyMembers(g, audio)
}

func (r *Router) handleGroupAddMember(c *Conn, m protocol.Message) {
	username := m.Str("username")
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), true)
	if !ok || username == "" {
		return
	}
	if g.IsMember(username) {
		return
	}
	g.Members = append(g.Members, username)
	r.store.PutGroup(&g)

	r.notifyMembers(g, protocol.Message{
		"type":       protocol.KindGroupMemberAdded,
		"group_id":   g.ID,
		"group_name": g.Name,
		"username":   username,
		"added_by":   m.Sender(),
		"timestamp":  r.now().Format(protocol.TimestampLayout),
	})
	r.broadcastGroupList()
}

func (r *Router) handleGroupRemoveMember(c *Conn, m protocol.Message) {
	username := m.Str("username")
	requester := m.Sender()
	g, ok := r.requireGroup(c, m.GroupID(), requester, false)
	if !ok {
		return
	}
	// The creator may remove anyone; anyone may remove themself.
	if requester != g.CreatedBy && requester != username {
		r.sendError(c, "Only the group creator can remove members")
		return
	}
	if !g.IsMember(username) {
		return
	}
	kept := g.Members[:0]
	for _, member := range g.Members {
		if member != username {
			kept = append(kept, member)
		}
	}
	g.Members = kept
	r.store.PutGroup(&g)

	// The removed user gets the notification once too.
	r.notifyMembers(g, protocol.Message{
		"type":       protocol.KindGroupMemberRemoved,
		"group_id":   g.ID,
		"group_name": g.Name,
		"username":   username,
		"removed_by": requester,
		"timestamp":  r.now().Format(protocol.TimestampLayout),
	}, username)
	r.broadcastGroupList()
}

// isAdmin reports whether the user may perform admin operations; the
// creator always counts.
func isAdmin(g store.Group, user string) bool {
	return user == g.Admin || user == g.CreatedBy
}

func (r *Router) handleGroupUpdateName(c *Conn, m protocol.Message) {
	newName := m.Str("new_name")
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), false)
	if !ok || newName == "" {
		return
	}
	if !isAdmin(g, m.Sender()) {
		r.sendError(c, "Only admin can change group name")
		return
	}
	g.Name = newName
	r.store.PutGroup(&g)

	r.notifyMembers(g, protocol.Message{
		"type":       protocol.KindGroupNameChanged,
		"group_id":   g.ID,
		"new_name":   newName,
		"changed_by": m.Sender(),
		"timestamp":  r.now().Format(protocol.TimestampLayout),
	})
	r.broadcastGroupList()
}

func (r *Router) handleGroupChangeAdmin(c *Conn, m protocol.Message) {
	newAdmin := m.Str("new_admin")
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), false)
	if !ok {
		return
	}
	if !isAdmin(g, m.Sender()) {
		r.sendError(c, "Only admin can transfer admin rights")
		return
	}
	if !g.IsMember(newAdmin) {
		r.sendError(c, "New admin must be a group member")
		return
	}
	oldAdmin := g.Admin
	g.Admin = newAdmin
	r.store.PutGroup(&g)

	r.notifyMembers(g, protocol.Message{
		"type":       protocol.KindGroupAdminChanged,
		"group_id":   g.ID,
		"old_admin":  oldAdmin,
		"new_admin":  newAdmin,
		"changed_by": m.Sender(),
		"timestamp":  r.now().Format(protocol.TimestampLayout),
	})
	r.broadcastGroupList()
}

func (r *Router) handleGroupDelete(c *Conn, m protocol.Message) {
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), false)
	if !ok {
		return
	}
	if !isAdmin(g, m.Sender()) {
		r.sendError(c, "Only admin can delete the group")
		return
	}
	r.store.RemoveGroup(g.ID)

	r.broadcastToUsers(protocol.Message{
		"type":       protocol.KindGroupDeleted,
		"group_id":   g.ID,
		"group_name": g.Name,
		"deleted_by": m.Sender(),
		"timestamp":  r.now().Format(protocol.TimestampLayout),
	}, "")
	r.broadcastGroupList()
}

// --- history ---

func (r *Router) handleRequestPrivateHistory(c *Conn, m protocol.Message) {
	peer := m.Receiver()
	if peer == "" {
		peer = m.Str("target_user")
	}
	if peer == "" {
		return
	}
	_ = c.Send(protocol.Message{
		"type":        protocol.KindPrivateHistory,
		"receiver":    peer,
		"target_user": peer,
		"messages":    r.store.GetPrivate(c.name, peer, 100),
	})
}

func (r *Router) handleRequestGroupHistory(c *Conn, m protocol.Message) {
	g, ok := r.requireGroup(c, m.GroupID(), c.name, true)
	if !ok {
		return
	}
	_ = c.Send(protocol.Message{
		"type":     protocol.KindGroupHistory,
		"group_id": g.ID,
		"messages": r.store.GetGroup(g.ID, 100),
	})
}

// --- call invites ---

// handleGlobalInvite persists the invite to the global log and
// broadcasts it to everyone, sender included, so the initiator also
// sees the join affordance.
func (r *Router) handleGlobalInvite(_ *Conn, m protocol.Message, kind, content string) {
	if m.Str("session_id") == "" || m.Str("link") == "" {
		return
	}
	invite := protocol.Message{
		"type":       kind,
		"sender":     m.Sender(),
		"session_id": m.Str("session_id"),
		"link":       m.Str("link"),
		"chat_type":  "global",
		"timestamp":  m.Timestamp(),
	}
	if content != "" {
		invite["content"] = content
	}
	r.store.AppendGlobal(invite)
	r.broadcastToUsers(invite, "")
}

func (r *Router) handlePrivateInvite(c *Conn, m protocol.Message, kind, content string) {
	if m.Receiver() == "" || m.Str("session_id") == "" || m.Str("link") == "" {
		return
	}
	invite := protocol.Message{
		"type":       kind,
		"sender":     m.Sender(),
		"receiver":   m.Receiver(),
		"session_id": m.Str("session_id"),
		"link":       m.Str("link"),
		"chat_type":  "private",
		"timestamp":  m.Timestamp(),
	}
	if content != "" {
		invite["content"] = content
	}
	r.deliverPrivate(c, invite, m.Sender(), m.Receiver())
}

func (r *Router) handleGroupInvite(c *Conn, m protocol.Message, kind, content string) {
	if m.Str("session_id") == "" || m.Str("link") == "" {
		r.sendError(c, "Error: Invalid call session data")
		return
	}
	g, ok := r.requireGroup(c, m.GroupID(), m.Sender(), true)
	if !ok {
		return
	}
	invite := protocol.Message{
		"type":       kind,
		"sender":     m.Sender(),
		"group_id":   g.ID,
		"session_id": m.Str("session_id"),
		"link":       m.Str("link"),
		"chat_type":  "group",
		"timestamp":  m.Timestamp(),
	}
	if content != "" {
		invite["content"] = content
	}
	r.store.AppendGroup(g.ID, invite)
	r.notifyMembers(g, invite)
}

// handleMissedCall routes a missed-call notice to the scope's recipient
// set without persisting it; clients flip the existing invite to
// "missed". The private scope prefers the explicit peers list and falls
// back to {sender, chat_id} for older emitters.
func (r *Router) handleMissedCall(_ *Conn, m protocol.Message, kind, media string) {
	sessionType := m.Str("session_type")
	if sessionType == "" {
		sessionType = "global"
	}
	chatID := m.Str("chat_id")
	missed := protocol.Message{
		"type":         kind,
		"sender":       m.Sender(),
		"session_id":   m.Str("session_id"),
		"session_type": sessionType,
		"chat_id":      chatID,
		"content": fmt.Sprintf("Missed %s call (session %s) at %s",
			media, m.Str("session_id"), m.Timestamp()),
		"timestamp": m.Timestamp(),
	}
	metrics.MissedCalls.WithLabelValues(media).Inc()

	switch sessionType {
	case "private":
		peers := []string{m.Sender(), chatID}
		if raw, ok := m["peers"].([]any); ok && len(raw) > 0 {
			peers = peers[:0]
			for _, v := range raw {
				if name, ok := v.(string); ok {
					peers = append(peers, name)
				}
			}
		}
		r.fanOut(missed, r.reg.SessionsNamed(peers))
	case "group":
		g, err := r.store.Group(chatID)
		if err != nil {
			return
		}
		r.fanOut(missed, r.reg.SessionsNamed(g.Members))
	default:
		r.broadcastToUsers(missed, "")
	}
}

// --- deletion ---

func (r *Router) handleDeleteMessage(c *Conn, m protocol.Message) {
	messageID := m.MessageID()
	chatType := m.Str("chat_type")
	chatTarget := m.Str("chat_target")
	sender := m.Sender()

	var deleted bool
	switch chatType {
	case "global":
		deleted = r.store.DeleteGlobalMessage(messageID, m.Str("message_timestamp"))
	case "private":
		if chatTarget != "" {
			deleted = r.store.DeletePrivateMessage(sender, chatTarget, messageID, m.Str("message_timestamp"))
		}
	case "group":
		if chatTarget != "" {
			deleted = r.store.DeleteGroupMessage(chatTarget, messageID, m.Str("message_timestamp"))
		}
	}
	if !deleted {
		logging.Warn(context.Background(), "delete message failed",
			zap.String("message_id", messageID),
			zap.String("chat_type", chatType),
			zap.String("username", sender))
		return
	}

	notification := protocol.Message{
		"type":        protocol.KindMessageDeleted,
		"message_id":  messageID,
		"chat_type":   chatType,
		"chat_target": chatTarget,
		"timestamp":   r.now().Format(protocol.TimestampLayout),
	}
	switch chatType {
	case "global":
		r.broadcastToUsers(notification, "")
	case "private":
		if peer, ok := r.reg.FindByName(chatTarget); ok {
			if err := peer.Send(notification); err != nil {
				r.disconnect(peer, "send failure")
			}
		}
		_ = c.Send(notification)
	case "group":
		if g, err := r.store.Group(chatTarget); err == nil {
			r.notifyMembers(g, notification)
		}
	}
}

func (r *Router) handleDeleteUserChat(c *Conn, m protocol.Message) {
	target := m.Str("target_user")
	if target == "" {
		return
	}
	success := r.store.DeletePrivateConversation(c.name, target)
	_ = c.Send(protocol.Message{
		"type":        protocol.KindUserChatDeleted,
		"target_user": target,
		"success":     success,
		"timestamp":   r.now().Format(protocol.TimestampLayout),
	})
}
