package chat

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/protocol"
	"github.com/shadow-nexus/server/internal/v1/registry"
	"github.com/shadow-nexus/server/internal/v1/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestRouter starts a router on an ephemeral port with a fresh store.
func newTestRouter(t *testing.T, tweak func(*Router)) (*Router, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.LoadAll())

	r := NewRouter(st, registry.New())
	if tweak != nil {
		tweak(r)
	}
	require.NoError(t, r.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		r.Stop()
		st.Close()
	})
	return r, st
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dial connects and performs the handshake. Cleanup closes the socket
// before the router is stopped.
func dial(t *testing.T, r *Router, username string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	tc := &testClient{t: t, conn: conn, r: bufio.NewReaderSize(conn, 1<<20)}
	tc.send(protocol.Message{"username": username})
	return tc
}

func (tc *testClient) send(m protocol.Message) {
	tc.t.Helper()
	data, err := m.Encode()
	require.NoError(tc.t, err)
	_, err = tc.conn.Write(data)
	require.NoError(tc.t, err)
}

func (tc *testClient) read() protocol.Message {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := tc.r.ReadString('\n')
	require.NoError(tc.t, err, "expected a frame")
	m, err := protocol.Decode([]byte(line))
	require.NoError(tc.t, err)
	return m
}

// readUntil skips frames until one of the wanted kind arrives.
func (tc *testClient) readUntil(kind string) protocol.Message {
	tc.t.Helper()
	for i := 0; i < 50; i++ {
		if m := tc.read(); m.Kind() == kind {
			return m
		}
	}
	tc.t.Fatalf("no %s frame received", kind)
	return nil
}

// drainWelcome consumes the handshake replay up to the self-welcome.
func (tc *testClient) drainWelcome() {
	tc.t.Helper()
	for i := 0; i < 50; i++ {
		m := tc.read()
		if m.Kind() == protocol.KindSystem && strings.Contains(m.Content(), "Welcome") {
			// Trailing tailored user_list follows the welcome.
			tc.readUntil(protocol.KindUserList)
			return
		}
	}
	tc.t.Fatal("welcome frame never arrived")
}

func TestHandshakeWelcomeSequence(t *testing.T) {
	r, st := newTestRouter(t, nil)
	st.AppendGlobal(protocol.Message{"type": "chat", "sender": "old", "content": "earlier", "timestamp": "2025-01-01 09:00 AM"})

	tc := dial(t, r, "alice")

	history := tc.read()
	assert.Equal(t, protocol.KindChatHistory, history.Kind())
	msgs, ok := history["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)

	assert.Equal(t, protocol.KindFileMetadata, tc.read().Kind())
	assert.Equal(t, protocol.KindGroupList, tc.read().Kind())

	userList := tc.read()
	assert.Equal(t, protocol.KindUserList, userList.Kind())
	assert.Empty(t, userList["users"], "own name must not be listed")

	welcome := tc.readUntil(protocol.KindSystem)
	assert.Contains(t, welcome.Content(), "Welcome to Nexus, alice")
}

func TestWelcomeBackForKnownUser(t *testing.T) {
	r, st := newTestRouter(t, nil)
	st.UpdateUser("alice", "10.0.0.5", time.Now())

	tc := dial(t, r, "alice")
	welcome := tc.readUntil(protocol.KindSystem)
	assert.Contains(t, welcome.Content(), "Welcome back, alice!")
}

func TestPingPong(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	tc := dial(t, r, "alice")
	tc.drainWelcome()

	tc.send(protocol.Message{"type": "ping"})
	pong := tc.readUntil(protocol.KindPong)
	assert.NotEmpty(t, pong.Timestamp())
}

func TestUnknownKindKeepsConnectionAlive(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	tc := dial(t, r, "alice")
	tc.drainWelcome()

	tc.send(protocol.Message{"type": "no_such_kind"})
	tc.send(protocol.Message{"type": "ping"})
	assert.Equal(t, protocol.KindPong, tc.readUntil(protocol.KindPong).Kind())
}

func TestPrivateDeliveryWithOfflinePeer(t *testing.T) {
	r, st := newTestRouter(t, nil)
	tc := dial(t, r, "alice")
	tc.drainWelcome()

	tc.send(protocol.Message{
		"type": "private", "sender": "alice", "receiver": "bob",
		"content": "hi", "timestamp": "t1",
	})

	echo := tc.readUntil(protocol.KindPrivate)
	assert.Equal(t, "hi", echo.Content())
	assert.Equal(t, "bob", echo.Receiver())

	require.Eventually(t, func() bool {
		return len(st.GetPrivate("alice", "bob", 0)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPrivateDeliveryBothOnline(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()
	// Alice sees bob join.
	alice.readUntil(protocol.KindUserList)

	alice.send(protocol.Message{
		"type": "private", "sender": "alice", "receiver": "bob", "content": "hello bob",
	})

	got := bob.readUntil(protocol.KindPrivate)
	assert.Equal(t, "hello bob", got.Content())
	echo := alice.readUntil(protocol.KindPrivate)
	assert.Equal(t, "hello bob", echo.Content())
}

// createGroup drives group_create and returns the new group id.
func createGroup(t *testing.T, creator *testClient, name string, members ...string) string {
	t.Helper()
	creator.send(protocol.Message{
		"type": "group_create", "sender": "alice",
		"group_name": name, "members": members,
	})
	created := creator.readUntil(protocol.KindGroupCreated)
	gid := created.GroupID()
	require.NotEmpty(t, gid)
	return gid
}

func TestGroupFanoutIncludesSender(t *testing.T) {
	r, st := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()
	carol := dial(t, r, "carol")
	carol.drainWelcome()

	gid := createGroup(t, alice, "team", "bob", "carol")
	bob.readUntil(protocol.KindGroupCreated)
	carol.readUntil(protocol.KindGroupCreated)

	alice.send(protocol.Message{
		"type": "group_message", "sender": "alice", "group_id": gid, "content": "standup",
	})

	for _, tc := range []*testClient{alice, bob, carol} {
		got := tc.readUntil(protocol.KindGroupMessage)
		assert.Equal(t, "standup", got.Content())
		assert.Equal(t, gid, got.GroupID())
	}
	require.Eventually(t, func() bool {
		return len(st.GetGroup(gid, 0)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestGroupMessageFromNonMemberRejected(t *testing.T) {
	r, st := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	mallory := dial(t, r, "mallory")
	mallory.drainWelcome()

	gid := createGroup(t, alice, "core")

	mallory.send(protocol.Message{
		"type": "group_message", "sender": "mallory", "group_id": gid, "content": "let me in",
	})
	errFrame := mallory.readUntil(protocol.KindSystem)
	assert.Contains(t, errFrame.Content(), "not a member")
	assert.Empty(t, st.GetGroup(gid, 0))
}

func TestAdminTransferForbidden(t *testing.T) {
	r, st := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()

	gid := createGroup(t, alice, "team", "bob", "carol")
	bob.readUntil(protocol.KindGroupCreated)

	bob.send(protocol.Message{
		"type": "group_change_admin", "sender": "bob",
		"group_id": gid, "new_admin": "carol",
	})
	errFrame := bob.readUntil(protocol.KindSystem)
	assert.Contains(t, errFrame.Content(), "Only admin can transfer admin rights")

	g, err := st.Group(gid)
	require.NoError(t, err)
	assert.Equal(t, "alice", g.Admin)
}

func TestGroupRemoveMemberNotifiesRemovedUser(t *testing.T) {
	r, st := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()

	gid := createGroup(t, alice, "team", "bob")
	bob.readUntil(protocol.KindGroupCreated)

	alice.send(protocol.Message{
		"type": "group_remove_member", "sender": "alice",
		"group_id": gid, "username": "bob",
	})

	removed := bob.readUntil(protocol.KindGroupMemberRemoved)
	assert.Equal(t, "bob", removed.Str("username"))

	g, err := st.Group(gid)
	require.NoError(t, err)
	assert.False(t, g.IsMember("bob"))
}

func TestSoftDeletePropagates(t *testing.T) {
	r, st := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()

	alice.send(protocol.Message{
		"type": "chat", "sender": "alice", "content": "oops", "message_id": "m-7",
	})
	alice.readUntil(protocol.KindChat)
	bob.readUntil(protocol.KindChat)

	alice.send(protocol.Message{
		"type": "delete_message", "sender": "alice",
		"chat_type": "global", "message_id": "m-7",
	})

	for _, tc := range []*testClient{alice, bob} {
		note := tc.readUntil(protocol.KindMessageDeleted)
		assert.Equal(t, "m-7", note.MessageID())
		assert.Equal(t, "global", note.Str("chat_type"))
	}

	got := st.GetGlobal(0)
	var found bool
	for _, m := range got {
		if m.MessageID() == "m-7" {
			found = true
			assert.Equal(t, protocol.DeletedPlaceholder, m.Content())
			assert.Equal(t, true, m["deleted"])
		}
	}
	assert.True(t, found)
}

func TestDeleteUserChat(t *testing.T) {
	r, st := newTestRouter(t, nil)
	st.AppendPrivate("alice", "bob", protocol.Message{"type": "private", "sender": "bob", "content": "x", "timestamp": "t"})

	alice := dial(t, r, "alice")
	alice.drainWelcome()

	alice.send(protocol.Message{"type": "delete_user_chat", "sender": "alice", "target_user": "bob"})
	reply := alice.readUntil(protocol.KindUserChatDeleted)
	assert.Equal(t, true, reply["success"])
	assert.Empty(t, st.GetPrivate("alice", "bob", 0))
}

func TestPrivateHistoryReplyCarriesBothPeerFields(t *testing.T) {
	r, st := newTestRouter(t, nil)
	st.AppendPrivate("alice", "bob", protocol.Message{"type": "private", "sender": "bob", "content": "hey", "timestamp": "t"})

	alice := dial(t, r, "alice")
	alice.drainWelcome()

	alice.send(protocol.Message{"type": "request_private_history", "sender": "alice", "receiver": "bob"})
	reply := alice.readUntil(protocol.KindPrivateHistory)
	assert.Equal(t, "bob", reply.Receiver())
	assert.Equal(t, "bob", reply.Str("target_user"))
	msgs, ok := reply["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestSystemIdentityInvisible(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()

	sys := dial(t, r, "_VideoServer_System_")
	// No welcome payload for system identities; the frame below proves
	// the connection is routed while alice saw no join announcement.
	sys.send(protocol.Message{
		"type": "video_missed", "sender": "_VideoServer_System_",
		"session_id": "ab12cd34", "session_type": "global",
	})

	missed := alice.readUntil(protocol.KindVideoMissed)
	assert.Equal(t, "ab12cd34", missed.Str("session_id"))

	alice.send(protocol.Message{"type": "get_users", "sender": "alice"})
	userList := alice.readUntil(protocol.KindUserList)
	assert.Empty(t, userList["users"], "system identity must never be listed")
}

func TestPrivateMissedCallReachesBothPeers(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()

	sys := dial(t, r, "_AudioServer_System_")
	sys.send(protocol.Message{
		"type": "audio_missed", "sender": "_AudioServer_System_",
		"session_id": "ff00aa11", "session_type": "private",
		"chat_id": "bob", "peers": []string{"alice", "bob"},
	})

	for _, tc := range []*testClient{alice, bob} {
		missed := tc.readUntil(protocol.KindAudioMissed)
		assert.Equal(t, "ff00aa11", missed.Str("session_id"))
	}
}

func TestGlobalInvitePersistsAndIncludesSender(t *testing.T) {
	r, st := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()

	alice.send(protocol.Message{
		"type": "video_invite", "sender": "alice",
		"session_id": "ab12cd34", "link": "https://localhost:5000/video/ab12cd34",
	})
	invite := alice.readUntil(protocol.KindVideoInvite)
	assert.Equal(t, "global", invite.Str("chat_type"))

	require.Eventually(t, func() bool {
		msgs := st.GetGlobal(0)
		return len(msgs) == 1 && msgs[0].Kind() == protocol.KindVideoInvite
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatDisconnectsIdleClient(t *testing.T) {
	r, _ := newTestRouter(t, func(r *Router) {
		r.heartbeatInterval = 50 * time.Millisecond
		r.idleTimeout = 150 * time.Millisecond
	})

	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()
	alice.readUntil(protocol.KindUserList)

	// Bob answers pings; alice goes silent.
	deadline := time.Now().Add(3 * time.Second)
	var sawLeave bool
	for time.Now().Before(deadline) && !sawLeave {
		m := bob.read()
		switch m.Kind() {
		case protocol.KindPing:
			bob.send(protocol.Message{"type": "pong"})
		case protocol.KindSystem:
			if strings.Contains(m.Content(), "alice left the chat") {
				sawLeave = true
			}
		}
	}
	assert.True(t, sawLeave, "idle client must be reaped and announced")

	// The refreshed user list no longer carries alice.
	bob.send(protocol.Message{"type": "get_users", "sender": "bob"})
	users := bob.readUntil(protocol.KindUserList)
	assert.Empty(t, users["users"])
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	alice := dial(t, r, "alice")
	alice.drainWelcome()
	bob := dial(t, r, "bob")
	bob.drainWelcome()
	alice.readUntil(protocol.KindUserList)

	_ = bob.conn.Close()

	leave := alice.readUntil(protocol.KindSystem)
	assert.Contains(t, leave.Content(), "bob left the chat")
	users := alice.readUntil(protocol.KindUserList)
	assert.Empty(t, users["users"])
}

func TestReconnectKeepsConnectionGaugeBalanced(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	base := testutil.ToFloat64(metrics.ActiveChatConnections)

	first := dial(t, r, "alice")
	first.drainWelcome()
	require.Equal(t, base+1, testutil.ToFloat64(metrics.ActiveChatConnections))

	// A same-name reconnect replaces the first session; both connections
	// were counted in, so the replacement must count one out.
	second := dial(t, r, "alice")
	second.drainWelcome()
	require.Equal(t, base+1, testutil.ToFloat64(metrics.ActiveChatConnections))

	require.NoError(t, second.conn.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ActiveChatConnections) == base
	}, 2*time.Second, 10*time.Millisecond)
}
