package client

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lanternfs/lantern/protocol"
)

const (
	// controlTimeout bounds short request/response operations.
	controlTimeout = 10 * time.Second

	// transferTimeout is the idle deadline during bulk transfers,
	// refreshed after every chunk.
	transferTimeout = 30 * time.Second

	// confirmWait bounds the wait for an upload readiness reply, which
	// on the confirmed path includes a human decision on the far side.
	confirmWait = 90 * time.Second
)

// RemoteFile is one entry of a remote peer's listing.
type RemoteFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Client performs file operations against remote peers. Every operation
// opens a fresh connection, sends one command, reads the response and
// closes: the protocol is stateless across connections.
type Client struct {
	Logger *log.Logger

	downloadDir string
}

// New creates a client that stores downloaded files in downloadDir.
func New(downloadDir string) *Client {
	return &Client{downloadDir: downloadDir}
}

func (c *Client) logger() *log.Logger {
	if c.Logger == nil {
		return log.Default()
	}

	return c.Logger
}

func (c *Client) dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(timeout))

	return conn, nil
}

// splitResponse separates the status word from the optional payload.
func splitResponse(resp string) (status, payload string) {
	parts := strings.SplitN(resp, protocol.Separator, 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}

	return parts[0], ""
}

// recvResponse reads one response frame, translating a disconnect into
// a readable failure.
func recvResponse(conn net.Conn) (status, payload string, err error) {
	resp, err := protocol.RecvFrame(conn)
	if err == io.EOF {
		return "", "", fmt.Errorf("no response from peer")
	} else if err != nil {
		return "", "", err
	}

	status, payload = splitResponse(resp)
	return status, payload, nil
}

// ListFiles fetches the shared-file listing of the peer at addr.
func (c *Client) ListFiles(ctx context.Context, addr string) ([]RemoteFile, error) {
	conn, err := c.dial(ctx, addr, controlTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := protocol.SendFrame(conn, "LIST"); err != nil {
		return nil, fmt.Errorf("sending LIST: %w", err)
	}

	status, payload, err := recvResponse(conn)
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, fmt.Errorf("peer refused the listing: %s", errorReason(payload))
	}

	var files []RemoteFile

	for _, line := range strings.Split(payload, "\n") {
		if !strings.Contains(line, protocol.Separator) {
			continue
		}

		name, sizeText := splitResponse(line)

		size, err := strconv.ParseInt(sizeText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing entry %q has a bad size: %w", line, err)
		}

		files = append(files, RemoteFile{Name: name, Size: size})
	}

	return files, nil
}

// Download fetches filename from the peer at addr into the download
// directory. It returns the destination path and the bytes received.
// progress may be nil; cancellation goes through ctx and takes effect
// between chunks, deleting the partial file.
func (c *Client) Download(ctx context.Context, addr, filename string, progress protocol.ProgressFn) (dest string, received int64, err error) {
	conn, err := c.dial(ctx, addr, transferTimeout)
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	if err := protocol.SendFrame(conn, "DOWNLOAD"+protocol.Separator+filename); err != nil {
		return "", 0, fmt.Errorf("sending DOWNLOAD: %w", err)
	}

	status, payload, err := recvResponse(conn)
	if err != nil {
		return "", 0, err
	}
	if status != "OK" {
		return "", 0, fmt.Errorf("download refused: %s", errorReason(payload))
	}

	size, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid file size in response %q: %w", payload, err)
	}

	// A malicious peer could have advertised a name like "../../x" in
	// its listing; only the final path segment is used locally.
	safe := baseName(filename)
	if safe == "" {
		return "", 0, fmt.Errorf("filename %q is empty after sanitization", filename)
	}

	if err := os.MkdirAll(c.downloadDir, 0777); err != nil {
		return "", 0, fmt.Errorf("creating download directory: %w", err)
	}

	dest = filepath.Join(c.downloadDir, safe)

	refresh := func(got, total int64) {
		conn.SetReadDeadline(time.Now().Add(transferTimeout))
		if progress != nil {
			progress(got, total)
		}
	}

	received, err = protocol.RecvFile(ctx, conn, dest, size, refresh)
	if err != nil {
		return "", received, fmt.Errorf("receiving %q: %w", filename, err)
	}

	if received != size {
		c.logger().Printf("Incomplete download of %q from %s: got %d/%d bytes", filename, addr, received, size)
		return "", received, fmt.Errorf("incomplete transfer: got %d/%d bytes", received, size)
	}

	return dest, received, nil
}

// Upload sends a local file to the peer at addr without asking for
// confirmation (the legacy CLI flow). It returns the peer's
// confirmation message.
func (c *Client) Upload(ctx context.Context, addr, localPath string) (string, error) {
	return c.upload(ctx, addr, localPath, "UPLOAD")
}

// RequestUpload sends a local file to the peer at addr through the
// confirmed flow: the remote side holds the transfer until a human
// accepts it, and "Upload declined" is an expected outcome.
func (c *Client) RequestUpload(ctx context.Context, addr, localPath string) (string, error) {
	return c.upload(ctx, addr, localPath, "UPLOAD_REQUEST")
}

func (c *Client) upload(ctx context.Context, addr, localPath, command string) (string, error) {
	fp, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("local file not found: %s", localPath)
	}
	defer fp.Close()

	st, err := fp.Stat()
	if err != nil || !st.Mode().IsRegular() {
		return "", fmt.Errorf("local file not found: %s", localPath)
	}

	conn, err := c.dial(ctx, addr, transferTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	name := baseName(localPath)
	msg := fmt.Sprintf("%s%s%s%s%d", command, protocol.Separator, name, protocol.Separator, st.Size())
	if err := protocol.SendFrame(conn, msg); err != nil {
		return "", fmt.Errorf("sending %s: %w", command, err)
	}

	// The readiness reply can take as long as the remote user needs to
	// decide, bounded by the peer's own confirmation timeout.
	conn.SetReadDeadline(time.Now().Add(confirmWait))

	status, payload, err := recvResponse(conn)
	if err != nil {
		return "", err
	}
	if status != "OK" {
		return "", fmt.Errorf("peer rejected upload: %s", errorReason(payload))
	}

	if err := c.streamFile(ctx, conn, fp, st.Size()); err != nil {
		return "", fmt.Errorf("sending %q: %w", name, err)
	}

	conn.SetReadDeadline(time.Now().Add(controlTimeout))

	status, payload, err = recvResponse(conn)
	if err != nil {
		return "", err
	}
	if status != "OK" {
		return "", fmt.Errorf("upload failed: %s", errorReason(payload))
	}

	if payload == "" {
		payload = "Upload complete"
	}

	return payload, nil
}

// streamFile writes size raw bytes to the connection in chunks,
// refreshing the write deadline and checking ctx between chunks.
func (c *Client) streamFile(ctx context.Context, conn net.Conn, fp *os.File, size int64) error {
	buf := make([]byte, protocol.ChunkSize)

	var sent int64
	for sent < size {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := fp.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(transferTimeout))
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
		}

		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}

	if sent != size {
		return fmt.Errorf("local file shrank while sending: sent %d of %d bytes", sent, size)
	}

	return nil
}

// Delete asks the peer at addr to remove filename from its shared
// directory. It returns the peer's confirmation message.
func (c *Client) Delete(ctx context.Context, addr, filename string) (string, error) {
	conn, err := c.dial(ctx, addr, controlTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := protocol.SendFrame(conn, "DELETE"+protocol.Separator+filename); err != nil {
		return "", fmt.Errorf("sending DELETE: %w", err)
	}

	status, payload, err := recvResponse(conn)
	if err != nil {
		return "", err
	}
	if status != "OK" {
		return "", fmt.Errorf("delete refused: %s", errorReason(payload))
	}

	return payload, nil
}

func errorReason(payload string) string {
	if payload == "" {
		return "unknown error"
	}

	return payload
}

// baseName strips directory components, accepting both separator
// conventions since the name may come from a different platform.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	return name
}
