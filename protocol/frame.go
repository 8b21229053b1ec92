package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf8"
)

// Separator delimits the fields of control messages, e.g.
// "DOWNLOAD<SEP>notes.txt". It is an ordinary printable string, so a
// filename containing it would corrupt parsing; the server refuses to
// list such names.
const Separator = "<SEP>"

const (
	// MaxMessageSize caps the declared length of a single control message.
	// A fabricated 4-byte prefix claiming a huge payload must not cause
	// a matching allocation.
	MaxMessageSize = 64 * 1024

	// ChunkSize is the buffer size used when streaming file contents.
	ChunkSize = 4096
)

// ErrProtocolViolation is returned when the remote side sends something
// that cannot be a well-formed control message: a declared length above
// MaxMessageSize or a payload that is not valid UTF-8.
var ErrProtocolViolation = errors.New("protocol violation")

// SendFrame writes text as a single frame: a 4-byte big-endian length
// prefix followed by the UTF-8 payload. Prefix and payload go out in one
// Write call so two frames never interleave on the same stream.
func SendFrame(w io.Writer, text string) error {
	buf := make([]byte, 4+len(text))
	binary.BigEndian.PutUint32(buf, uint32(len(text)))
	copy(buf[4:], text)

	_, err := w.Write(buf)
	return err
}

// RecvFrame reads one frame and returns its payload. A stream that closes
// before a complete frame arrives yields io.EOF: that is the normal
// "peer disconnected" case, not a protocol error.
func RecvFrame(r io.Reader) (string, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", io.EOF
		}
		return "", err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return "", fmt.Errorf("%w: declared message length %d exceeds the maximum of %d", ErrProtocolViolation, length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", io.EOF
		}
		return "", err
	}

	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: message payload is not valid UTF-8", ErrProtocolViolation)
	}

	return string(payload), nil
}

// SendFile sends the file size as a frame and then streams the raw file
// contents with no further framing. io.Copy lets the runtime use
// sendfile(2) when the destination is a TCP connection.
func SendFile(w io.Writer, path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fp.Close()

	st, err := fp.Stat()
	if err != nil {
		return err
	}

	if err := SendFrame(w, strconv.FormatInt(st.Size(), 10)); err != nil {
		return err
	}

	_, err = io.Copy(w, fp)
	return err
}

// ProgressFn is called after every received chunk with the number of
// bytes written so far and the total expected.
type ProgressFn func(received, total int64)

// RecvFile reads exactly size raw bytes from r into destPath, checking
// ctx between chunks. It returns the number of bytes actually written;
// callers compare that against size to detect an incomplete transfer
// (a stream that ends early is reported this way, with a nil error).
//
// Whenever fewer than size bytes end up on disk, for whatever reason,
// the partial destination file is removed before returning so the
// shared directory never contains truncated files.
func RecvFile(ctx context.Context, r io.Reader, destPath string, size int64, progress ProgressFn) (received int64, err error) {
	fp, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}

	defer func() {
		fp.Close()
		if received < size || err != nil {
			os.Remove(destPath)
		}
	}()

	buf := make([]byte, ChunkSize)

	for received < size {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		chunk := buf
		if remaining := size - received; remaining < ChunkSize {
			chunk = buf[:remaining]
		}

		n, err := io.ReadFull(r, chunk)
		if _, werr := fp.Write(chunk[:n]); werr != nil {
			return received, werr
		}
		received += int64(n)

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return received, nil
		} else if err != nil {
			return received, err
		}

		if progress != nil {
			progress(received, size)
		}
	}

	return received, nil
}
