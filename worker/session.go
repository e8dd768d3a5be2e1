package worker

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// Session is one request/response conversation with a worker. It owns the
// stream; the caller sends the header blob and body, half-closes the write
// side, then reads the response from Stream until EOF. Closing the session
// notifies the owning pool exactly once. The notification is a plain
// captured func, so a session may safely outlive its pool.
type Session struct {
	conn net.Conn
	pid  int

	release func()

	mu           sync.Mutex
	closed       bool
	writeTimeout time.Duration
}

// NewSession wraps an established session stream. release may be nil;
// otherwise it runs exactly once, when the session is closed. Pool
// clients use this to wrap streams received by fd passing.
func NewSession(conn net.Conn, pid int, release func()) *Session {
	return &Session{
		conn:    conn,
		pid:     pid,
		release: release,
	}
}

// Pid returns the pid of the worker behind this session.
func (s *Session) Pid() int { return s.pid }

func (s *Session) beforeWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session: closed")
	}
	if s.writeTimeout > 0 {
		return s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return nil
}

// SendHeaders writes the CGI header blob, length-prefixed with a
// big-endian uint32.
func (s *Session) SendHeaders(headers []byte) error {
	if err := s.beforeWrite(); err != nil {
		return err
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(headers)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("session: write header size: %w", err)
	}
	if _, err := s.conn.Write(headers); err != nil {
		return fmt.Errorf("session: write headers: %w", err)
	}
	return nil
}

// SendBodyBlock streams one chunk of the request body to the worker.
func (s *Session) SendBodyBlock(buf []byte) error {
	if err := s.beforeWrite(); err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("session: write body: %w", err)
	}
	return nil
}

// ShutdownWriter half-closes the outbound direction, telling the worker
// the request is complete.
func (s *Session) ShutdownWriter() error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("session: stream does not support half-close")
}

// Stream returns the session stream. The caller reads the worker's
// response from it until EOF.
func (s *Session) Stream() net.Conn { return s.conn }

// SetReaderTimeout arms a read deadline of msec milliseconds from now.
// Zero clears the deadline.
func (s *Session) SetReaderTimeout(msec int) error {
	if msec == 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.SetReadDeadline(time.Now().Add(time.Duration(msec) * time.Millisecond))
}

// SetWriterTimeout sets the write timeout, in milliseconds, applied to
// each subsequent send. Zero disables it.
func (s *Session) SetWriterTimeout(msec int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeTimeout = time.Duration(msec) * time.Millisecond
	return nil
}

// Close closes the stream and notifies the owning pool. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	if s.release != nil {
		s.release()
	}
	return err
}
