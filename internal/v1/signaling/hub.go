// Package signaling is the call-session plane: room lifecycle over
// HTTPS, a WebSocket event protocol for membership and data forwarding,
// and missed-call emission back through the chat router when a room
// empties out.
package signaling

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/config"
	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notifier receives the exactly-once signal that a room transitioned
// to empty.
type Notifier interface {
	RoomEmptied(room *Room)
}

// CreateSessionRequest is the body of the session creation endpoints.
type CreateSessionRequest struct {
	SessionType string   `json:"session_type"`
	SessionName string   `json:"session_name"`
	Creator     string   `json:"creator"`
	ChatID      string   `json:"chat_id"`
	Peers       []string `json:"peers"`
}

// Hub owns all rooms and the WebSocket upgrade path.
type Hub struct {
	cfg      *config.Config
	limiter  *ratelimit.RateLimiter
	notifier Notifier

	mu    sync.Mutex
	rooms map[string]*Room

	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHub(cfg *config.Config, rl *ratelimit.RateLimiter, notifier Notifier) *Hub {
	if notifier == nil {
		notifier = NewChatNotifier(cfg.ChatAddr())
	}
	h := &Hub{
		cfg:      cfg,
		limiter:  rl,
		notifier: notifier,
		rooms:    make(map[string]*Room),
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.cfg.DevelopmentMode || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// RegisterRoutes mounts the session API, the room pages, and the
// WebSocket endpoint.
func (h *Hub) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/create_session", h.createSession(KindVideo))
	r.POST("/api/create_audio_session", h.createSession(KindAudio))
	r.GET("/video/:id", h.roomPage(KindVideo))
	r.GET("/audio/:id", h.roomPage(KindAudio))
	r.GET("/ws", h.serveWs)
}

// Room returns the room with the given id.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[id]
	return room, ok
}

func (h *Hub) createSession(kind RoomKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}
		if req.SessionType == "" {
			req.SessionType = "global"
		}

		id := uuid.New().String()[:8]
		room := newRoom(id, kind, req.SessionType, req.SessionName, req.Creator, req.ChatID, req.Peers, h.now())

		h.mu.Lock()
		h.rooms[id] = room
		h.mu.Unlock()
		metrics.ActiveRooms.Inc()

		link := fmt.Sprintf("https://%s:%s/%s/%s", h.cfg.ServerIP, h.cfg.VideoPort, kind, id)
		logging.Info(c.Request.Context(), "session created",
			zap.String("session_id", id),
			zap.String("kind", string(kind)),
			zap.String("session_type", req.SessionType),
			zap.String("creator", req.Creator))

		c.JSON(http.StatusOK, gin.H{"success": true, "session_id": id, "link": link})
	}
}

func (h *Hub) roomPage(kind RoomKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		room, ok := h.Room(id)
		if !ok || room.Kind != kind {
			c.String(http.StatusNotFound, "Session not found")
			return
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK,
			"<!DOCTYPE html><html><head><title>%s call — %s</title></head>"+
				"<body data-session-id=%q data-session-kind=%q></body></html>",
			kind, room.Name, room.ID, kind)
	}
}

func (h *Hub) serveWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		sid:  uuid.New().String(),
		send: make(chan []byte, sendQueueDepth),
	}
	go client.writePump()
	go client.readPump()
}

// handleEvent dispatches one decoded client event.
func (h *Hub) handleEvent(c *Client, event map[string]any) {
	name, _ := event["event"].(string)
	switch name {
	case "join_session":
		h.handleJoin(c, event)
	case "leave_session":
		h.leaveRoom(c)
	case "data":
		h.handleData(c, event)
	case "hand_raise", "screen_share", "reaction", "audio_level":
		if c.room == nil {
			return
		}
		event["sid"] = c.sid
		c.room.broadcast(event, c.sid)
	default:
		logging.Warn(context.Background(), "unknown signaling event",
			zap.String("event", name), zap.String("sid", c.sid))
	}
}

func (h *Hub) handleJoin(c *Client, event map[string]any) {
	sessionID, _ := event["session_id"].(string)
	username, _ := event["username"].(string)

	room, ok := h.Room(sessionID)
	if !ok {
		c.enqueue(map[string]any{"event": "error", "message": "Invalid session"})
		return
	}
	if c.room != nil && c.room != room {
		h.leaveRoom(c)
	}

	c.name = username
	existing := room.join(c)
	c.room = room

	if len(existing) == 0 {
		c.enqueue(map[string]any{"event": "user-list", "my_id": c.sid})
	} else {
		c.enqueue(map[string]any{"event": "user-list", "list": existing, "my_id": c.sid})
		room.broadcast(map[string]any{"event": "user-connect", "sid": c.sid, "name": username}, c.sid)
	}

	logging.Info(context.Background(), "participant joined",
		zap.String("session_id", room.ID),
		zap.String("sid", c.sid),
		zap.String("username", username))
}

// handleData forwards a frame to one peer. The claimed sender must be
// the transport's own sid; anything else is dropped.
func (h *Hub) handleData(c *Client, event map[string]any) {
	if c.room == nil {
		return
	}
	senderID, _ := event["sender_id"].(string)
	if senderID != c.sid {
		logging.Warn(context.Background(), "data frame with forged sender",
			zap.String("sid", c.sid), zap.String("claimed", senderID))
		return
	}
	targetID, _ := event["target_id"].(string)
	target, ok := c.room.find(targetID)
	if !ok {
		return
	}
	target.enqueue(event)
}

// handleDisconnect treats a dying transport as leave_session for the
// last joined room.
func (h *Hub) handleDisconnect(c *Client) {
	h.leaveRoom(c)
}

// leaveRoom detaches the client, announces the departure, and destroys
// the room when it just became empty.
func (h *Hub) leaveRoom(c *Client) {
	room := c.room
	if room == nil {
		return
	}
	c.room = nil

	empty := room.leave(c)
	room.broadcast(map[string]any{"event": "user-disconnect", "sid": c.sid}, c.sid)

	logging.Info(context.Background(), "participant left",
		zap.String("session_id", room.ID), zap.String("sid", c.sid))

	if empty {
		h.destroyRoom(room)
	}
}

// destroyRoom drops the room and fires the missed-call notification.
// The once guard keeps a join/leave race from emitting twice.
func (h *Hub) destroyRoom(room *Room) {
	h.mu.Lock()
	if _, ok := h.rooms[room.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, room.ID)
	h.mu.Unlock()

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(room.ID)

	logging.Info(context.Background(), "room destroyed",
		zap.String("session_id", room.ID), zap.String("kind", string(room.Kind)))

	room.missedOnce.Do(func() {
		h.notifier.RoomEmptied(room)
	})
}
