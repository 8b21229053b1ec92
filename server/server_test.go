package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/phayes/freeport"

	"github.com/lanternfs/lantern/client"
	"github.com/lanternfs/lantern/protocol"
)

func TestSafeFilename(t *testing.T) {
	testCases := []struct {
		name string
		want string
	}{
		{name: "notes.txt", want: "notes.txt"},
		{name: "../../etc/passwd", want: "passwd"},
		{name: `..\..\windows\system32`, want: "system32"},
		{name: "dir/sub/file.bin", want: "file.bin"},
		{name: "", want: "upload"},
		{name: ".", want: "upload"},
		{name: "..", want: "upload"},
		{name: "nul\x00l.txt", want: "null.txt"},
		{name: "CON", want: "upload"},
		{name: "con", want: "upload"},
		{name: "com1.txt", want: "upload"},
		{name: "LPT9.log", want: "upload"},
		{name: "console.txt", want: "console.txt"},
		{name: "common.go", want: "common.go"},
	}

	for _, tc := range testCases {
		got := SafeFilename(tc.name)
		if got != tc.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func getFreePort(t *testing.T) int {
	t.Helper()

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatalf("Failed to get a free port: %v", err)
	}
	return port
}

func waitForPort(t *testing.T, port int) {
	t.Helper()

	for i := 0; i <= 100; i++ {
		timeout := time.Millisecond * 50
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", fmt.Sprint(port)), timeout)
		if err != nil {
			time.Sleep(timeout)
			continue
		}
		// Run a complete command and read until the server closes the
		// connection, so the probe's handler has released its connection
		// slot before any test traffic arrives.
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		protocol.SendFrame(conn, "LIST")
		io.Copy(io.Discard, conn)
		conn.Close()
		break
	}
}

func startTestServer(t *testing.T, maxConns int, confirmTimeout time.Duration) (srv *FileServer, addr string) {
	t.Helper()

	port := getFreePort(t)
	srv = NewFileServer(log.Default(), t.TempDir(), port, maxConns, confirmTimeout)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	t.Cleanup(srv.Stop)

	waitForPort(t, port)

	return srv, fmt.Sprintf("127.0.0.1:%d", port)
}

func testWriteShared(t *testing.T, srv *FileServer, name string, content []byte) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(srv.SharedDir(), name), content, 0666); err != nil {
		t.Fatalf("could not create shared file %q: %v", name, err)
	}
}

func testNewClient(t *testing.T) *client.Client {
	t.Helper()

	return client.New(t.TempDir())
}

func TestListAndDownload(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)
	content := []byte("nineteen bytes here")
	testWriteShared(t, srv, "notes.txt", content)

	cl := testNewClient(t)
	ctx := context.Background()

	files, err := cl.ListFiles(ctx, addr)
	if err != nil {
		t.Fatalf("ListFiles() = _, %v; want no errors", err)
	}

	if len(files) != 1 || files[0].Name != "notes.txt" || files[0].Size != int64(len(content)) {
		t.Fatalf("ListFiles() = %+v, want one entry notes.txt with size %d", files, len(content))
	}

	dest, received, err := cl.Download(ctx, addr, "notes.txt", nil)
	if err != nil {
		t.Fatalf("Download() = _, _, %v; want no errors", err)
	}

	if received != int64(len(content)) {
		t.Errorf("Download() received %d bytes, want %d", received, len(content))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}

	if !bytes.Equal(got, content) {
		t.Errorf("downloaded contents = %q, want %q", got, content)
	}
}

func TestListEmpty(t *testing.T) {
	_, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	files, err := testNewClient(t).ListFiles(context.Background(), addr)
	if err != nil {
		t.Fatalf("ListFiles() on an empty share = _, %v; want no errors", err)
	}

	if len(files) != 0 {
		t.Errorf("ListFiles() on an empty share = %+v, want nothing", files)
	}
}

func TestListSkipsStagingFiles(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)
	testWriteShared(t, srv, "real.txt", []byte("data"))
	testWriteShared(t, srv, "incoming.txt.part", []byte("da"))

	files, err := testNewClient(t).ListFiles(context.Background(), addr)
	if err != nil {
		t.Fatalf("ListFiles() = _, %v; want no errors", err)
	}

	if len(files) != 1 || files[0].Name != "real.txt" {
		t.Errorf("ListFiles() = %+v, want only real.txt", files)
	}
}

func TestDownloadMissing(t *testing.T) {
	_, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	_, _, err := testNewClient(t).Download(context.Background(), addr, "ghost.txt", nil)
	if err == nil || !strings.Contains(err.Error(), "File not found: ghost.txt") {
		t.Errorf("Download(missing file) = %v, want a file-not-found failure", err)
	}
}

func TestUploadRoundTrip(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	content := bytes.Repeat([]byte("payload "), 2048)
	local := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(local, content, 0666); err != nil {
		t.Fatalf("writing local file: %v", err)
	}

	msg, err := testNewClient(t).Upload(context.Background(), addr, local)
	if err != nil {
		t.Fatalf("Upload() = _, %v; want no errors", err)
	}

	want := fmt.Sprintf("Received big.bin (%d bytes)", len(content))
	if msg != want {
		t.Errorf("Upload() = %q, want %q", msg, want)
	}

	got, err := os.ReadFile(filepath.Join(srv.SharedDir(), "big.bin"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}

	if !bytes.Equal(got, content) {
		t.Errorf("uploaded contents differ from the source (%d vs %d bytes)", len(got), len(content))
	}
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dialing %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	return conn
}

func TestUploadInvalidSize(t *testing.T) {
	_, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	conn := dialRaw(t, addr)
	if err := protocol.SendFrame(conn, "UPLOAD<SEP>x.txt<SEP>banana"); err != nil {
		t.Fatalf("SendFrame(): %v", err)
	}

	resp, err := protocol.RecvFrame(conn)
	if err != nil {
		t.Fatalf("RecvFrame(): %v", err)
	}

	if want := "ERROR<SEP>Invalid file size"; resp != want {
		t.Errorf("response = %q, want %q", resp, want)
	}
}

func TestUploadNegativeSize(t *testing.T) {
	_, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	conn := dialRaw(t, addr)
	if err := protocol.SendFrame(conn, "UPLOAD<SEP>x.txt<SEP>-5"); err != nil {
		t.Fatalf("SendFrame(): %v", err)
	}

	resp, err := protocol.RecvFrame(conn)
	if err != nil {
		t.Fatalf("RecvFrame(): %v", err)
	}

	if want := "ERROR<SEP>File size must not be negative"; resp != want {
		t.Errorf("response = %q, want %q", resp, want)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	conn := dialRaw(t, addr)
	if err := protocol.SendFrame(conn, "FROBNICATE<SEP>x"); err != nil {
		t.Fatalf("SendFrame(): %v", err)
	}

	resp, err := protocol.RecvFrame(conn)
	if err != nil {
		t.Fatalf("RecvFrame(): %v", err)
	}

	if want := "ERROR<SEP>Unknown command"; resp != want {
		t.Errorf("response = %q, want %q", resp, want)
	}
}

func TestDelete(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)
	testWriteShared(t, srv, "old.txt", []byte("bye"))

	cl := testNewClient(t)
	ctx := context.Background()

	msg, err := cl.Delete(ctx, addr, "old.txt")
	if err != nil {
		t.Fatalf("Delete() = _, %v; want no errors", err)
	}

	if want := "Deleted old.txt"; msg != want {
		t.Errorf("Delete() = %q, want %q", msg, want)
	}

	if _, err := os.Stat(filepath.Join(srv.SharedDir(), "old.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("deleted file still exists in the shared directory")
	}

	if _, err := cl.Delete(ctx, addr, "old.txt"); err == nil || !strings.Contains(err.Error(), "File not found") {
		t.Errorf("Delete(missing file) = %v, want a file-not-found failure", err)
	}
}

func TestConfirmedUploadAccepted(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	go func() {
		req := <-srv.PendingUploads()
		req.Accept()
	}()

	local := filepath.Join(t.TempDir(), "confirmed.txt")
	if err := os.WriteFile(local, []byte("approved content"), 0666); err != nil {
		t.Fatalf("writing local file: %v", err)
	}

	msg, err := testNewClient(t).RequestUpload(context.Background(), addr, local)
	if err != nil {
		t.Fatalf("RequestUpload() = _, %v; want no errors", err)
	}

	if !strings.Contains(msg, "Received confirmed.txt") {
		t.Errorf("RequestUpload() = %q, want a received confirmation", msg)
	}

	if _, err := os.Stat(filepath.Join(srv.SharedDir(), "confirmed.txt")); err != nil {
		t.Errorf("accepted upload is not in the shared directory: %v", err)
	}
}

func TestConfirmedUploadRejected(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	go func() {
		req := <-srv.PendingUploads()
		if req.Filename != "secret.txt" || req.Filesize != 6 {
			t.Errorf("pending request = %+v, want secret.txt with 6 bytes", req)
		}
		req.Reject()
	}()

	local := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(local, []byte("secret"), 0666); err != nil {
		t.Fatalf("writing local file: %v", err)
	}

	_, err := testNewClient(t).RequestUpload(context.Background(), addr, local)
	if err == nil || !strings.Contains(err.Error(), "Upload declined") {
		t.Fatalf("RequestUpload() after a rejection = %v, want an upload-declined failure", err)
	}

	if _, err := os.Stat(filepath.Join(srv.SharedDir(), "secret.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("rejected upload left a file in the shared directory")
	}
}

func TestConfirmedUploadTimesOut(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, 100*time.Millisecond)

	local := filepath.Join(t.TempDir(), "slow.txt")
	if err := os.WriteFile(local, []byte("nobody answers"), 0666); err != nil {
		t.Fatalf("writing local file: %v", err)
	}

	// Nobody consumes the pending queue, so the gate must fall back to
	// a rejection on its own.
	_, err := testNewClient(t).RequestUpload(context.Background(), addr, local)
	if err == nil || !strings.Contains(err.Error(), "Upload declined") {
		t.Fatalf("RequestUpload() with no approver = %v, want an upload-declined failure", err)
	}

	if _, err := os.Stat(filepath.Join(srv.SharedDir(), "slow.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("timed-out upload left a file in the shared directory")
	}
}

func TestConnectionCeiling(t *testing.T) {
	srv, addr := startTestServer(t, 1, DefaultConfirmTimeout)

	// Occupy the only slot with an upload waiting for confirmation.
	first := dialRaw(t, addr)
	if err := protocol.SendFrame(first, "UPLOAD_REQUEST<SEP>held.txt<SEP>4"); err != nil {
		t.Fatalf("SendFrame() on the first connection: %v", err)
	}

	// Once the request shows up on the pending queue the slot is held.
	var req *UploadRequest
	select {
	case req = <-srv.PendingUploads():
	case <-time.After(5 * time.Second):
		t.Fatalf("the upload request never reached the pending queue")
	}

	// The second connection must be shed without any command processed.
	second := dialRaw(t, addr)
	protocol.SendFrame(second, "LIST")
	if _, err := protocol.RecvFrame(second); err == nil {
		t.Errorf("RecvFrame() on the over-ceiling connection succeeded, want a closed connection")
	}

	// Release the slot; the held connection gets its decline.
	req.Reject()

	resp, err := protocol.RecvFrame(first)
	if err != nil {
		t.Fatalf("RecvFrame() on the first connection: %v", err)
	}
	if want := "ERROR<SEP>Upload declined"; resp != want {
		t.Errorf("first connection response = %q, want %q", resp, want)
	}

	// The slot is released when the first handler finishes, shortly
	// after its reply was written.
	time.Sleep(100 * time.Millisecond)

	// With the slot free again the server handles commands normally.
	third := dialRaw(t, addr)
	if err := protocol.SendFrame(third, "LIST"); err != nil {
		t.Fatalf("SendFrame() on the third connection: %v", err)
	}
	if resp, err := protocol.RecvFrame(third); err != nil || !strings.HasPrefix(resp, "OK") {
		t.Errorf("third connection response = %q, %v; want an OK listing", resp, err)
	}
}

func TestStopClosesIdleConnections(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	// An idle client that never sends its command holds a handler in a
	// read with no deadline; Stop must close the connection out from
	// under it instead of waiting.
	conn := dialRaw(t, addr)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop() did not return while an idle connection was open")
	}

	if _, err := protocol.RecvFrame(conn); err == nil {
		t.Errorf("the idle connection is still open after Stop()")
	}
}

func TestStopTwice(t *testing.T) {
	srv, _ := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	srv.Stop()
	srv.Stop()
}

func framePrefix(length uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], length)
	return b[:]
}

func TestMalformedCommandFrame(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
	}{
		{name: "oversized length", frame: framePrefix(protocol.MaxMessageSize + 1)},
		{name: "invalid utf8", frame: append(framePrefix(2), 0xff, 0xfe)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

			conn := dialRaw(t, addr)
			if _, err := conn.Write(tc.frame); err != nil {
				t.Fatalf("writing the malformed frame: %v", err)
			}

			resp, err := protocol.RecvFrame(conn)
			if err != nil {
				t.Fatalf("RecvFrame() = _, %v; want an error reply", err)
			}

			if want := "ERROR<SEP>Internal server error"; resp != want {
				t.Errorf("response = %q, want %q", resp, want)
			}
		})
	}
}

func TestIncompleteUpload(t *testing.T) {
	srv, addr := startTestServer(t, DefaultMaxConnections, DefaultConfirmTimeout)

	conn := dialRaw(t, addr)
	if err := protocol.SendFrame(conn, "UPLOAD<SEP>torn.txt<SEP>100"); err != nil {
		t.Fatalf("SendFrame(): %v", err)
	}

	if resp, err := protocol.RecvFrame(conn); err != nil || resp != "OK" {
		t.Fatalf("readiness reply = %q, %v; want OK", resp, err)
	}

	// Send fewer bytes than declared and hang up.
	if _, err := conn.Write([]byte("only ten b")); err != nil {
		t.Fatalf("writing partial content: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	resp, err := protocol.RecvFrame(conn)
	if err != nil {
		t.Fatalf("RecvFrame(): %v", err)
	}

	if want := "ERROR<SEP>Incomplete transfer: got 10/100 bytes"; resp != want {
		t.Errorf("response = %q, want %q", resp, want)
	}

	entries, err := os.ReadDir(srv.SharedDir())
	if err != nil {
		t.Fatalf("reading the shared directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("the shared directory contains %d entries after a torn upload, want none", len(entries))
	}
}
