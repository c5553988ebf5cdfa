// Package relay is the file transfer plane: a dedicated TCP listener
// that serves exactly one upload or download per connection, keeping
// bulk payloads off the chat socket. The opening frame is a bare JSON
// object with no delimiter; the body that follows is a raw byte stream
// of the advertised size.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
	"github.com/shadow-nexus/server/internal/v1/metrics"
	"github.com/shadow-nexus/server/internal/v1/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// transferTimeout bounds one whole operation, sized for large uploads
// on slow links.
const transferTimeout = 5 * time.Minute

// recordTimestampLayout matches the format stored alongside historical
// file records.
const recordTimestampLayout = "2006-01-02 15:04:05"

// header is the opening frame of a transfer. file_name selects the
// upload path, file_id the download path.
type header struct {
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	Sender    string `json:"sender"`
	FileID    string `json:"file_id"`
	Requester string `json:"requester"`
}

// Server accepts file transfer connections.
type Server struct {
	store *store.Store

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup

	timeout time.Duration
	now     func() time.Time
}

func NewServer(st *store.Store) *Server {
	return &Server{store: st, timeout: transferTimeout, now: time.Now}
}

// Start binds the listener and launches the acceptor.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	logging.Info(context.Background(), "file relay listening",
		zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, for callers that listened on port 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Stop closes the listener and waits for in-flight transfers.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for s.running.Load() {
		if tcp, ok := s.ln.(*net.TCPListener); ok {
			_ = tcp.SetDeadline(time.Now().Add(time.Second))
		}
		c, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return
			}
			logging.Warn(context.Background(), "relay accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTransfer(c)
		}()
	}
}

// handleTransfer reads the opening frame and dispatches to the upload
// or download path. Each connection carries one operation and is closed
// afterwards.
func (s *Server) handleTransfer(c net.Conn) {
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(s.timeout))

	dec := json.NewDecoder(c)
	var h header
	if err := dec.Decode(&h); err != nil {
		logging.Warn(context.Background(), "invalid transfer header",
			zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
		return
	}

	switch {
	case h.FileName != "":
		// The decoder may have buffered the head of the payload.
		s.handleUpload(c, io.MultiReader(dec.Buffered(), c), h)
	case h.FileID != "":
		s.handleDownload(c, h)
	default:
		logging.Warn(context.Background(), "transfer header names no operation",
			zap.String("remote", c.RemoteAddr().String()))
	}
}

func (s *Server) reply(c net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.Write(data)
	return err
}

// handleUpload mints the file id, persists the index entry, confirms
// readiness, then receives exactly the advertised number of bytes. A
// short stream leaves the record in place but incomplete, so it never
// shows up in metadata replays.
func (s *Server) handleUpload(c net.Conn, body io.Reader, h header) {
	if h.FileSize < 0 {
		metrics.FileUploads.WithLabelValues("rejected").Inc()
		return
	}
	now := s.now()
	fileID := fmt.Sprintf("%d_%s", now.UnixMilli(), h.FileName)

	s.store.PutFile(&store.FileRecord{
		ID:        fileID,
		Name:      h.FileName,
		Size:      h.FileSize,
		Sender:    h.Sender,
		Timestamp: now.Format(recordTimestampLayout),
	})

	if err := s.reply(c, map[string]any{"status": "ready", "file_id": fileID}); err != nil {
		metrics.FileUploads.WithLabelValues("error").Inc()
		logging.Warn(context.Background(), "upload ready reply failed",
			zap.String("file_id", fileID), zap.Error(err))
		return
	}

	data := make([]byte, h.FileSize)
	n, err := io.ReadFull(body, data)
	metrics.RelayBytes.WithLabelValues("in").Add(float64(n))

	if err != nil {
		metrics.FileUploads.WithLabelValues("incomplete").Inc()
		logging.Warn(context.Background(), "incomplete upload",
			zap.String("file_id", fileID),
			zap.Int64("expected", h.FileSize),
			zap.Int("received", n),
			zap.Error(err))
		_ = s.store.SetFileData(fileID, data[:n], false)
		return
	}

	if err := s.store.SetFileData(fileID, data, true); err != nil {
		metrics.FileUploads.WithLabelValues("error").Inc()
		logging.Error(context.Background(), "upload store failed",
			zap.String("file_id", fileID), zap.Error(err))
		return
	}
	metrics.FileUploads.WithLabelValues("ok").Inc()
	logging.Info(context.Background(), "file received",
		zap.String("file_id", fileID),
		zap.String("sender", h.Sender),
		zap.Int64("size", h.FileSize))
}

// handleDownload streams a stored blob. The requester acknowledges the
// sending header before the bytes flow; the ack content is ignored.
func (s *Server) handleDownload(c net.Conn, h header) {
	rec, err := s.store.File(h.FileID)
	if err != nil {
		metrics.FileDownloads.WithLabelValues("not_found").Inc()
		_ = s.reply(c, map[string]any{"status": "error", "message": "File not found"})
		return
	}

	if err := s.reply(c, map[string]any{
		"status":    "sending",
		"file_name": rec.Name,
		"file_size": rec.Size,
	}); err != nil {
		metrics.FileDownloads.WithLabelValues("error").Inc()
		return
	}

	ack := make([]byte, 1024)
	if _, err := c.Read(ack); err != nil {
		metrics.FileDownloads.WithLabelValues("error").Inc()
		logging.Warn(context.Background(), "download ack failed",
			zap.String("file_id", h.FileID), zap.Error(err))
		return
	}

	n, err := c.Write(rec.Data)
	metrics.RelayBytes.WithLabelValues("out").Add(float64(n))
	if err != nil {
		metrics.FileDownloads.WithLabelValues("error").Inc()
		logging.Warn(context.Background(), "download stream failed",
			zap.String("file_id", h.FileID), zap.Error(err))
		return
	}
	metrics.FileDownloads.WithLabelValues("ok").Inc()
	logging.Info(context.Background(), "file sent",
		zap.String("file_id", h.FileID),
		zap.String("requester", h.Requester),
		zap.Int("size", n))
}
