package signaling

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/protocol"
)

const (
	videoSystemIdentity = "_VideoServer_System_"
	audioSystemIdentity = "_AudioServer_System_"

	notifyTimeout = 5 * time.Second
)

// ChatNotifier delivers missed-call events to the chat router over a
// short-lived client connection that handshakes as a system identity.
type ChatNotifier struct {
	chatAddr string
	timeout  time.Duration
	now      func() time.Time
}

func NewChatNotifier(chatAddr string) *ChatNotifier {
	return &ChatNotifier{chatAddr: chatAddr, timeout: notifyTimeout, now: time.Now}
}

// RoomEmptied sends exactly one video_missed/audio_missed frame for
// the destroyed room. Failures are logged; a missed notification is
// not worth crashing the hub over.
func (n *ChatNotifier) RoomEmptied(room *Room) {
	identity := videoSystemIdentity
	kind := protocol.KindVideoMissed
	if room.Kind == KindAudio {
		identity = audioSystemIdentity
		kind = protocol.KindAudioMissed
	}

	conn, err := net.DialTimeout("tcp", n.chatAddr, n.timeout)
	if err != nil {
		logging.Error(context.Background(), "missed-call dial failed",
			zap.String("session_id", room.ID),
			zap.String("chat_addr", n.chatAddr),
			zap.Error(err))
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.timeout))

	frames := []protocol.Message{
		{"username": identity},
		{
			"type":         kind,
			"sender":       identity,
			"session_id":   room.ID,
			"session_type": room.SessionType,
			"chat_id":      room.ChatID,
			"peers":        room.Peers,
			"timestamp":    n.now().Format(protocol.TimestampLayout),
		},
	}
	for _, frame := range frames {
		data, err := frame.Encode()
		if err != nil {
			logging.Error(context.Background(), "missed-call encode failed",
				zap.String("session_id", room.ID), zap.Error(err))
			return
		}
		if _, err := conn.Write(data); err != nil {
			logging.Error(context.Background(), "missed-call send failed",
				zap.String("session_id", room.ID), zap.Error(err))
			return
		}
	}

	logging.Info(context.Background(), "missed-call emitted",
		zap.String("session_id", room.ID),
		zap.String("session_type", room.SessionType),
		zap.String("kind", kind))
}
