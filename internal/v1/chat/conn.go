package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/protocol"
)

// maxSendFailures is the consecutive transient-failure budget before a
// connection is dropped. Any successful write resets the count.
const maxSendFailures = 3

// Conn is one accepted chat connection bound to a user identity.
type Conn struct {
	c      net.Conn
	name   string
	system bool

	writeMu  sync.Mutex
	failures int

	lastActivity atomic.Int64 // unix nanos
	closeOnce    sync.Once
}

func newConn(c net.Conn, name string, system bool) *Conn {
	conn := &Conn{c: c, name: name, system: system}
	conn.Touch()
	return conn
}

func (c *Conn) Username() string   { return c.name }
func (c *Conn) System() bool       { return c.system }
func (c *Conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

// Touch refreshes the last-activity instant. Called on every received
// frame, ping and pong included.
func (c *Conn) Touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Close shuts the socket down; the reader goroutine unblocks and runs
// the disconnect path. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { _ = c.c.Close() })
}

// Send writes one frame. A returned error means the connection should be
// dropped: the write failed critically, or this was the third transient
// failure in a row. Sub-threshold transient failures are absorbed here.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		logging.Error(context.Background(), "frame encode failed",
			zap.String("username", c.name), zap.Error(err))
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.c.Write(data); err != nil {
		if isCriticalSendError(err) {
			metrics.FanoutSendFailures.WithLabelValues("critical").Inc()
			return fmt.Errorf("send to %s: %w", c.name, err)
		}
		metrics.FanoutSendFailures.WithLabelValues("transient").Inc()
		c.failures++
		if c.failures >= maxSendFailures {
			return fmt.Errorf("send to %s: %d consecutive failures: %w", c.name, c.failures, err)
		}
		logging.Warn(context.Background(), "transient send failure",
			zap.String("username", c.name),
			zap.Int("consecutive", c.failures), zap.Error(err))
		return nil
	}
	c.failures = 0
	return nil
}

func isCriticalSendError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
