// Package worker provides handles to live application processes and the
// sessions used to talk to them.
package worker

import (
	"fmt"
	"net"
	"sync"
	"time"
)

var connectTimeout = 5 * time.Second

// Worker represents one running application process. It is created by the
// spawn service and owned by the pool until shut down. Sessions with the
// process are opened by dialing its session socket.
type Worker struct {
	pid        int
	appRoot    string
	socketPath string

	shutdown func() error
	once     sync.Once
}

// New returns a worker handle. shutdown is invoked at most once, when the
// pool decides to retire the worker; nil means shutdown is a no-op.
func New(pid int, appRoot, socketPath string, shutdown func() error) *Worker {
	return &Worker{
		pid:        pid,
		appRoot:    appRoot,
		socketPath: socketPath,
		shutdown:   shutdown,
	}
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int { return w.pid }

// AppRoot returns the application root this worker serves.
func (w *Worker) AppRoot() string { return w.appRoot }

// SocketPath returns the unix socket path on which the worker accepts sessions.
func (w *Worker) SocketPath() string { return w.socketPath }

// Connect opens a new session with the worker. A connect failure means the
// worker process is dead or unreachable; the pool treats the handle as
// poisoned. release is called exactly once when the session is closed.
func (w *Worker) Connect(release func()) (*Session, error) {
	conn, err := net.DialTimeout("unix", w.socketPath, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("worker %d: connect %s: %w", w.pid, w.socketPath, err)
	}
	return NewSession(conn, w.pid, release), nil
}

// Shutdown retires the worker process. Safe to call multiple times.
func (w *Worker) Shutdown() error {
	var err error
	w.once.Do(func() {
		if w.shutdown != nil {
			err = w.shutdown()
		}
	})
	return err
}
