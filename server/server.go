package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lanternfs/lantern/protocol"
)

const (
	DefaultTCPPort        = 5000
	DefaultMaxConnections = 50

	// DefaultConfirmTimeout is how long an UPLOAD_REQUEST handler waits
	// for an accept/reject decision before treating it as a rejection.
	DefaultConfirmTimeout = 60 * time.Second
)

// acceptTimeout bounds a single Accept call so the stop signal is
// observed within one timeout period.
const acceptTimeout = 2 * time.Second

// FileServer serves the framed TCP protocol: it accepts connections,
// bounds their concurrency, and dispatches the first frame of each
// connection to a command handler.
type FileServer struct {
	logger         *log.Logger
	port           int
	sharedDir      string
	confirmTimeout time.Duration

	// slots is a counting semaphore: one send per live handler. A
	// connection that cannot acquire a slot is closed immediately.
	slots   chan struct{}
	pending chan *UploadRequest

	listener net.Listener
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// conns tracks live handler connections so Stop can close them:
	// a handler blocked on a read has no deadline of its own and would
	// otherwise hold up the join forever.
	mu      sync.Mutex
	stopped bool
	conns   map[net.Conn]struct{}
}

// NewFileServer creates a server exposing the regular files in sharedDir.
func NewFileServer(logger *log.Logger, sharedDir string, port, maxConns int, confirmTimeout time.Duration) *FileServer {
	return &FileServer{
		logger:         logger,
		port:           port,
		sharedDir:      sharedDir,
		confirmTimeout: confirmTimeout,
		slots:          make(chan struct{}, maxConns),
		// Every pending request holds a connection slot, so the queue
		// never needs more capacity than the connection ceiling.
		pending: make(chan *UploadRequest, maxConns),
		stop:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// PendingUploads is consumed by the approving side (dashboard, control
// API): each received request must be resolved with Accept or Reject.
func (s *FileServer) PendingUploads() <-chan *UploadRequest {
	return s.pending
}

// SharedDir returns the directory this server exposes.
func (s *FileServer) SharedDir() string { return s.sharedDir }

// ConfirmTimeout returns how long a confirmed upload waits for a
// decision before being declined.
func (s *FileServer) ConfirmTimeout() time.Duration { return s.confirmTimeout }

// Start binds the listening socket and launches the accept loop. A bind
// failure aborts startup: it is a local configuration error, not
// something worth retrying.
func (s *FileServer) Start() error {
	if err := os.MkdirAll(s.sharedDir, 0777); err != nil {
		return fmt.Errorf("creating shared directory %q: %w", s.sharedDir, err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.port, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every live connection, then waits for
// the accept loop and all handlers to finish. Closing the connections
// unblocks handlers sitting in a read, so the join is bounded. Calling
// Stop more than once is allowed.
func (s *FileServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		s.stopped = true
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
}

// trackConn registers a live connection so Stop can close it. A
// connection accepted after shutdown began is refused.
func (s *FileServer) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		conn.Close()
		return false
	}

	s.conns[conn] = struct{}{}
	return true
}

func (s *FileServer) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *FileServer) acceptLoop() {
	defer s.wg.Done()

	ln := s.listener.(*net.TCPListener)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		ln.SetDeadline(time.Now().Add(acceptTimeout))

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// The listener was closed by Stop().
			return
		}

		select {
		case s.slots <- struct{}{}:
		default:
			// Ceiling reached: shed the connection without invoking a
			// handler. Retrying is the caller's business.
			conn.Close()
			continue
		}

		if !s.trackConn(conn) {
			<-s.slots
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads one command frame and routes it. The connection is
// closed and the slot released on every exit path.
func (s *FileServer) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.untrackConn(conn)
		<-s.slots
		s.wg.Done()
	}()

	command, err := protocol.RecvFrame(conn)
	if err != nil {
		// A peer that disconnected before sending anything gets no
		// reply. One that sent a malformed frame is still there and is
		// told its request failed.
		if errors.Is(err, protocol.ErrProtocolViolation) {
			s.replyError(conn, "Internal server error")
		}
		return
	}

	parts := strings.Split(command, protocol.Separator)
	cmd := strings.ToUpper(parts[0])

	switch {
	case cmd == "LIST":
		err = s.handleList(conn)
	case cmd == "DOWNLOAD" && len(parts) >= 2:
		err = s.handleDownload(conn, parts[1])
	case cmd == "UPLOAD_REQUEST" && len(parts) >= 3:
		err = s.handleUpload(conn, parts[1], parts[2], true)
	case cmd == "UPLOAD" && len(parts) >= 3:
		// Legacy unconfirmed upload, kept for CLI-mode compatibility.
		err = s.handleUpload(conn, parts[1], parts[2], false)
	case cmd == "DELETE" && len(parts) >= 2:
		err = s.handleDelete(conn, parts[1])
	default:
		s.replyError(conn, "Unknown command")
		return
	}

	if err != nil {
		s.logger.Printf("Handler for %q failed: %v", cmd, err)
		s.replyError(conn, "Internal server error")
	}
}

// replyError is best-effort: a peer that disconnected before reading
// its error does not get to break anything else.
func (s *FileServer) replyError(conn net.Conn, reason string) {
	if err := protocol.SendFrame(conn, "ERROR"+protocol.Separator+reason); err != nil {
		s.logger.Printf("Could not send the error reply %q: %v", reason, err)
	}
}

func (s *FileServer) handleList(conn net.Conn) error {
	files, err := ListSharedFiles(s.sharedDir)
	if err != nil {
		return fmt.Errorf("listing %q: %w", s.sharedDir, err)
	}

	entries := make([]string, 0, len(files))
	for _, f := range files {
		entries = append(entries, fmt.Sprintf("%s%s%d", f.Name, protocol.Separator, f.Size))
	}

	return protocol.SendFrame(conn, "OK"+protocol.Separator+strings.Join(entries, "\n"))
}

func (s *FileServer) handleDownload(conn net.Conn, filename string) error {
	filename = SafeFilename(filename)
	path := filepath.Join(s.sharedDir, filename)

	fp, err := os.Open(path)
	if err != nil {
		s.replyError(conn, "File not found: "+filename)
		return nil
	}
	defer fp.Close()

	st, err := fp.Stat()
	if err != nil || !st.Mode().IsRegular() {
		s.replyError(conn, "File not found: "+filename)
		return nil
	}

	header := fmt.Sprintf("OK%s%d", protocol.Separator, st.Size())
	if err := protocol.SendFrame(conn, header); err != nil {
		return fmt.Errorf("sending the download header: %w", err)
	}

	// Raw bytes follow the header with no further framing. io.Copy from
	// an *os.File lets the runtime use sendfile(2).
	if _, err := io.Copy(conn, fp); err != nil {
		return fmt.Errorf("streaming %q: %w", filename, err)
	}

	return nil
}

func (s *FileServer) handleUpload(conn net.Conn, filename, sizeText string, confirmed bool) error {
	filename = SafeFilename(filename)

	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		s.replyError(conn, "Invalid file size")
		return nil
	}
	if size < 0 {
		s.replyError(conn, "File size must not be negative")
		return nil
	}

	if confirmed && !s.awaitConfirmation(conn, filename, size) {
		s.replyError(conn, "Upload declined")
		return nil
	}

	// Tell the sender we are ready for the raw bytes.
	if err := protocol.SendFrame(conn, "OK"); err != nil {
		return fmt.Errorf("sending the readiness reply: %w", err)
	}

	// Receive into a staging name and rename once complete, so the
	// shared directory never exposes a half-written file.
	dest := filepath.Join(s.sharedDir, filename)
	received, err := protocol.RecvFile(context.Background(), conn, dest+partSuffix, size, nil)
	if err != nil {
		return fmt.Errorf("receiving %q: %w", filename, err)
	}

	if received != size {
		s.replyError(conn, fmt.Sprintf("Incomplete transfer: got %d/%d bytes", received, size))
		return nil
	}

	if err := os.Rename(dest+partSuffix, dest); err != nil {
		return fmt.Errorf("moving %q into place: %w", filename, err)
	}

	return protocol.SendFrame(conn, fmt.Sprintf("OK%sReceived %s (%d bytes)", protocol.Separator, filename, size))
}

// awaitConfirmation queues the upload for the external approver and
// blocks until a decision arrives or the confirmation timeout elapses.
// No decision is a rejection.
func (s *FileServer) awaitConfirmation(conn net.Conn, filename string, size int64) bool {
	senderIP := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		senderIP = addr.IP.String()
	}

	req := newUploadRequest(senderIP, filename, size)

	select {
	case s.pending <- req:
	default:
		// Cannot happen while every pending request holds a connection
		// slot, but a full queue must never block a network handler.
		return false
	}

	select {
	case accepted := <-req.decision:
		return accepted
	case <-time.After(s.confirmTimeout):
		return false
	case <-s.stop:
		return false
	}
}

func (s *FileServer) handleDelete(conn net.Conn, filename string) error {
	filename = SafeFilename(filename)
	path := filepath.Join(s.sharedDir, filename)

	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		s.replyError(conn, "File not found: "+filename)
		return nil
	}

	if err := os.Remove(path); err != nil {
		s.replyError(conn, fmt.Sprintf("Could not delete %s: %v", filename, err))
		return nil
	}

	return protocol.SendFrame(conn, "OK"+protocol.Separator+"Deleted "+filename)
}
