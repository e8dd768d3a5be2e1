// Package wire implements the pool client/server stream protocol:
// newline-delimited text frames with one argument per line, and unix
// file descriptor passing for session streams.
//
// A frame is the command (or response) line followed by argument lines
// and a terminating blank line. Lines may not contain newlines. Binary
// payloads (spawn error pages) are announced by a trailing "data <n>"
// line; the n raw bytes follow immediately after the frame terminator.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"testing/iotest"
	"time"

	"golang.org/x/sys/unix"
)

// MaxDataSize bounds binary payloads carried inside a frame.
const MaxDataSize = 1 << 20

// Conn wraps a unix stream connection with frame and fd-passing I/O.
// It is not safe for concurrent use; the pool protocol is sequential
// per connection.
type Conn struct {
	uc *net.UnixConn
	r  *bufio.Reader
}

// New wraps uc. The wrapper does not own the connection; call Close to
// close it.
//
// The buffered reader pulls one byte per read from the socket, so a frame
// read stops at the frame terminator and never consumes the byte that
// carries a descriptor sent by SendFD.
func New(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc, r: bufio.NewReader(iotest.OneByteReader(uc))}
}

func (c *Conn) Close() error { return c.uc.Close() }

// SetDeadline arms an absolute I/O deadline on the underlying socket.
// The zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error { return c.uc.SetDeadline(t) }

// WriteFrame sends one frame. No line may contain a newline.
func (c *Conn) WriteFrame(lines ...string) error {
	var b strings.Builder
	for _, line := range lines {
		if strings.ContainsRune(line, '\n') {
			return fmt.Errorf("wire: frame line contains newline: %q", line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := c.uc.Write([]byte(b.String()))
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. It returns io.EOF on a clean connection
// close before any line.
func (c *Conn) ReadFrame() ([]string, error) {
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(lines) == 0 && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("wire: read frame: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// WriteData sends a raw binary payload, announced by a "data <n>" line
// in the frame written just before.
func (c *Conn) WriteData(data []byte) error {
	if _, err := c.uc.Write(data); err != nil {
		return fmt.Errorf("wire: write data: %w", err)
	}
	return nil
}

// ReadData reads the n raw bytes announced by a "data <n>" line.
func (c *Conn) ReadData(n int) ([]byte, error) {
	if n < 0 || n > MaxDataSize {
		return nil, fmt.Errorf("wire: bad data size %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("wire: read data: %w", err)
	}
	return buf, nil
}

// ParseDataLine parses a "data <n>" announcement, returning (n, true) on
// a match.
func ParseDataLine(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "data ")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SendFD passes an open file descriptor over the connection, carried by
// a single dummy byte of ancillary data.
func (c *Conn) SendFD(f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := c.uc.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("wire: send fd: %w", err)
	}
	return nil
}

// RecvFD receives a file descriptor passed by SendFD.
func (c *Conn) RecvFD() (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("wire: recv fd: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("wire: parse control message: %w", err)
	}
	if len(msgs) != 1 {
		return nil, fmt.Errorf("wire: expected one control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("wire: parse rights: %w", err)
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("wire: expected one fd, got %d", len(fds))
	}
	return os.NewFile(uintptr(fds[0]), "session"), nil
}
