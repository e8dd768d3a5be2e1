// Package poolserver hosts a pool in a dedicated process. Request-handler
// processes connect over a unix stream socket and speak the text command
// protocol; session streams are handed to clients by fd passing.
package poolserver

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/appyard/appyard/auth"
	"github.com/appyard/appyard/metrics"
	"github.com/appyard/appyard/pool"
	"golang.org/x/time/rate"
)

type Server struct {
	pool       pool.Pool
	socketPath string
	verifier   auth.Verifier
	limiter    *Limiter
	mets       *metrics.Collector

	mu       sync.Mutex
	ln       *net.UnixListener
	conns    map[*net.UnixConn]bool
	shutdown bool
	wg       sync.WaitGroup
}

type Opt func(*Server)

// Verifier requires connecting clients to present a valid auth token.
func Verifier(v auth.Verifier) Opt {
	return func(s *Server) { s.verifier = v }
}

// Limit applies a per-app-root token bucket to get commands.
// Over-rate gets are answered with busy.
func Limit(r rate.Limit, burst int) Opt {
	return func(s *Server) { s.limiter = newLimiter(r, burst, time.Minute) }
}

// Metrics injects a metrics collector.
func Metrics(m *metrics.Collector) Opt {
	return func(s *Server) { s.mets = m }
}

// New creates a pool server for p listening on socketPath. A stale
// socket from a previous run is removed.
func New(p pool.Pool, socketPath string, opts ...Opt) (*Server, error) {
	s := &Server{
		pool:       p,
		socketPath: socketPath,
		conns:      make(map[*net.UnixConn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("server: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", socketPath, err)
	}
	s.ln = ln.(*net.UnixListener)

	return s, nil
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Serve accepts connections until Close. Each connection gets its own
// handler goroutine.
func (s *Server) Serve() error {
	log.Printf("server: serving on %s", s.socketPath)
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = true
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting, drops every client connection, waits for the
// handlers to finish, and closes the pool.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.ln.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
	return s.pool.Close()
}
