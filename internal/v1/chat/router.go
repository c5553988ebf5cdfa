// Package chat is the framed-TCP message bus: newline-delimited JSON
// frames, one reader goroutine per connection, heartbeat liveness, and
// ordered fan-out through the session registry.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/protocol"
	"github.com/shadow-nexus/server/internal/v1/registry"
	"github.com/shadow-nexus/server/internal/v1/store"
)

const (
	// maxFrameSize bounds one wire frame. Base64 audio blobs ride inside
	// chat frames, so this is generous.
	maxFrameSize = 16 << 20

	defaultHandshakeTimeout  = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleTimeout       = 180 * time.Second
)

// Router accepts chat connections and routes their frames.
type Router struct {
	store *store.Store
	reg   *registry.Registry

	ln      net.Listener
	running atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup

	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	now func() time.Time
}

func NewRouter(st *store.Store, reg *registry.Registry) *Router {
	return &Router{
		store:             st,
		reg:               reg,
		quit:              make(chan struct{}),
		handshakeTimeout:  defaultHandshakeTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		idleTimeout:       defaultIdleTimeout,
		now:               time.Now,
	}
}

// Start binds the listener and launches the acceptor and heartbeat
// goroutines.
func (r *Router) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("chat listen on %s: %w", addr, err)
	}
	r.ln = ln
	r.running.Store(true)

	r.wg.Add(2)
	go r.acceptLoop()
	go r.heartbeatLoop()

	logging.Info(context.Background(), "chat router listening",
		zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, for callers that listened on port 0.
func (r *Router) Addr() net.Addr { return r.ln.Addr() }

// Stop broadcasts the shutdown notice, stops accepting, closes every
// live connection, and waits for all goroutines to drain.
func (r *Router) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.broadcastToUsers(protocol.System("Server is shutting down", r.now()), "")
	close(r.quit)
	_ = r.ln.Close()
	for _, s := range r.reg.Sessions() {
		s.Close()
	}
	r.wg.Wait()
}

// acceptLoop polls the listener with a 1 s deadline so Stop can
// interrupt it on the next tick.
func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for r.running.Load() {
		if tcp, ok := r.ln.(*net.TCPListener); ok {
			_ = tcp.SetDeadline(time.Now().Add(time.Second))
		}
		c, err := r.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !r.running.Load() {
				return
			}
			logging.Warn(context.Background(), "accept failed", zap.Error(err))
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(c)
		}()
	}
}

// handleConn performs the handshake and runs the dispatch loop until
// the connection dies.
func (r *Router) handleConn(netConn net.Conn) {
	_ = netConn.SetReadDeadline(time.Now().Add(r.handshakeTimeout))

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)

	if !scanner.Scan() {
		_ = netConn.Close()
		return
	}
	hello, err := protocol.Decode(scanner.Bytes())
	if err != nil {
		// Malformed first frame: close quietly.
		_ = netConn.Close()
		return
	}
	username, _ := hello["username"].(string)
	if username == "" {
		username = fmt.Sprintf("User_%d", r.now().Unix())
	}

	conn := newConn(netConn, username, protocol.IsSystemName(username))
	_ = netConn.SetReadDeadline(time.Time{})

	if !conn.system {
		if prev := r.reg.Add(conn); prev != nil {
			// The replaced session's disconnect path sees a stale
			// registry entry and skips the gauge, so settle it here.
			prev.Close()
			metrics.DecConnection()
		}
		metrics.IncConnection()
		logging.Info(context.Background(), "user connected",
			zap.String("username", username),
			zap.String("remote", conn.RemoteAddr()))
		r.welcome(conn)
	} else {
		logging.Info(context.Background(), "system connection",
			zap.String("username", username))
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			logging.Warn(context.Background(), "invalid frame",
				zap.String("username", username), zap.Error(err))
			continue
		}
		conn.Touch()
		msg.EnsureTimestamp(r.now())
		r.dispatch(conn, msg)
	}
	if err := scanner.Err(); err != nil {
		logging.Warn(context.Background(), "read loop ended",
			zap.String("username", username), zap.Error(err))
	}
	r.disconnect(conn, "connection closed")
}

// welcome runs the post-handshake sequence: persist the directory entry,
// replay state to the new user, announce the join, and refresh every
// client's user list.
func (r *Router) welcome(c *Conn) {
	host := c.RemoteAddr()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	known := r.store.UpdateUser(c.name, host, r.now())

	_ = c.Send(r.chatHistoryMessage(300))
	_ = c.Send(r.fileMetadataMessage())
	_ = c.Send(r.groupListMessage())
	_ = c.Send(r.userListMessage(c.name))

	for _, peer := range r.store.PrivatePeers(c.name) {
		_ = c.Send(protocol.Message{
			"type":        protocol.KindPrivateHistory,
			"receiver":    peer,
			"target_user": peer,
			"messages":    r.store.GetPrivate(c.name, peer, 200),
		})
	}
	for _, g := range r.store.GroupsFor(c.name) {
		_ = c.Send(protocol.Message{
			"type":     protocol.KindGroupHistory,
			"group_id": g.ID,
			"messages": r.store.GetGroup(g.ID, 100),
		})
	}

	r.broadcastToUsers(protocol.System(fmt.Sprintf("%s joined the chat", c.name), r.now()), c.name)

	greeting := fmt.Sprintf("Welcome to Nexus, %s", c.name)
	if known {
		greeting = fmt.Sprintf("Welcome back, %s!", c.name)
	}
	_ = c.Send(protocol.System(greeting, r.now()))

	r.broadcastUserList()
}

// disconnect tears the connection down and, for registered users,
// announces the departure and refreshes user lists. Announcements are
// skipped once the router is stopping.
func (r *Router) disconnect(s registry.Session, reason string) {
	s.Close()
	if s.System() {
		return
	}
	if !r.reg.Remove(s) {
		// Stale handle: a same-name reconnect already owns the entry.
		return
	}
	metrics.DecConnection()
	logging.Info(context.Background(), "user disconnected",
		zap.String("username", s.Username()), zap.String("reason", reason))

	if !r.running.Load() {
		return
	}
	r.broadcastToUsers(protocol.System(fmt.Sprintf("%s left the chat", s.Username()), r.now()), "")
	r.broadcastUserList()
}

// fanOut snapshots were taken by the caller; sends happen without any
// lock held. Sessions whose Send reports a drop-worthy failure are
// disconnected afterwards.
func (r *Router) fanOut(msg protocol.Message, targets []registry.Session) {
	var drop []registry.Session
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			drop = append(drop, s)
		}
	}
	for _, s := range drop {
		r.disconnect(s, "send failure")
	}
}

// broadcastToUsers fans a frame out to every registered (non-system)
// session, optionally excluding one name.
func (r *Router) broadcastToUsers(msg protocol.Message, excluding string) {
	r.fanOut(msg, r.reg.SessionsExcluding(excluding))
}

// broadcastUserList sends each client a tailored user_list that omits
// the client itself. Failures here are tolerated; the heartbeat or the
// next broadcast will reap dead connections.
func (r *Router) broadcastUserList() {
	for _, s := range r.reg.Sessions() {
		_ = s.Send(r.userListMessage(s.Username()))
	}
}

// heartbeatLoop disconnects idle connections and pings the rest. Ping
// send failures are not grounds for disconnect; the next tick decides.
func (r *Router) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}

		now := r.now()
		for _, s := range r.reg.Sessions() {
			if now.Sub(s.LastActivity()) > r.idleTimeout {
				metrics.HeartbeatDisconnects.Inc()
				logging.Info(context.Background(), "idle timeout",
					zap.String("username", s.Username()))
				r.disconnect(s, "idle timeout")
			}
		}
		ping := protocol.Ping(now)
		for _, s := range r.reg.Sessions() {
			_ = s.Send(ping)
		}
	}
}
