package chat

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadow-nexus/server/internal/v1/protocol"
)

func TestSendOnClosedConnIsCritical(t *testing.T) {
	client, server := net.Pipe()
	_ = client.Close()
	_ = server.Close()

	c := newConn(server, "alice", false)
	err := c.Send(protocol.Message{"type": "ping"})
	require.Error(t, err)
}

func TestSendSuccessResetsFailureCount(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newConn(server, "alice", false)
	c.failures = maxSendFailures - 1

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		_, _ = client.Read(buf)
		close(done)
	}()

	require.NoError(t, c.Send(protocol.Message{"type": "ping"}))
	<-done
	assert.Zero(t, c.failures)
}

func TestTouchAdvancesLastActivity(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newConn(server, "alice", false)
	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	assert.True(t, c.LastActivity().After(before))
}

func TestCriticalErrorClassification(t *testing.T) {
	assert.True(t, isCriticalSendError(net.ErrClosed))
	assert.True(t, isCriticalSendError(syscall.EPIPE))
	assert.True(t, isCriticalSendError(syscall.ECONNRESET))
	assert.False(t, isCriticalSendError(syscall.EAGAIN))
}
