package spawn

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/appyard/appyard/worker"
)

// Mock is an in-process Spawner for tests. Each spawned worker is a
// goroutine accepting sessions on a unix socket in a temp dir and speaking
// the session protocol: length-prefixed header blob in, body until
// half-close, response out.
type Mock struct {
	dir string

	// Respond builds the response body for a session. The default
	// responds "hello world from <appRoot>".
	Respond func(appRoot string, headers []byte) string

	mu      sync.Mutex
	nextPid int
	workers map[int]*mockWorker
	spawns  int
	reloads []string
	nextErr error
}

type mockWorker struct {
	ln      net.Listener
	appRoot string
}

// NewMock creates a mock spawner placing worker sockets under dir.
func NewMock(dir string) *Mock {
	return &Mock{
		dir:     dir,
		nextPid: 1000,
		workers: make(map[int]*mockWorker),
	}
}

// FailNext makes the next Spawn call fail with err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// SpawnCount returns how many workers have been spawned so far.
func (m *Mock) SpawnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawns
}

// Reloads returns the app roots that have been asked to reload, in order.
func (m *Mock) Reloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reloads...)
}

// Kill terminates the worker with the given pid. Subsequent connects fail,
// as they would for a crashed process.
func (m *Mock) Kill(pid int) {
	m.mu.Lock()
	w := m.workers[pid]
	delete(m.workers, pid)
	m.mu.Unlock()

	if w != nil {
		w.ln.Close()
		os.Remove(w.ln.Addr().String())
	}
}

func (m *Mock) Spawn(ctx context.Context, req *Request) (*worker.Worker, error) {
	m.mu.Lock()
	if err := m.nextErr; err != nil {
		m.nextErr = nil
		m.mu.Unlock()
		return nil, err
	}
	m.nextPid++
	pid := m.nextPid
	m.spawns++
	m.mu.Unlock()

	sock := filepath.Join(m.dir, fmt.Sprintf("mock-%d.sock", pid))
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("listen %s: %v", sock, err)}
	}

	mw := &mockWorker{ln: ln, appRoot: req.AppRoot}
	m.mu.Lock()
	m.workers[pid] = mw
	m.mu.Unlock()

	go m.serve(mw)

	log.Printf("mock spawn: worker %d for %s", pid, req.AppRoot)
	return worker.New(pid, req.AppRoot, sock, func() error {
		// Retire gracefully: new connects fail once the socket file is
		// gone, while sessions already dialed are still accepted and
		// served. The listener is closed by Kill or Close.
		os.Remove(sock)
		return nil
	}), nil
}

func (m *Mock) serve(w *mockWorker) {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			return
		}
		go m.serveSession(w, conn)
	}
}

func (m *Mock) serveSession(w *mockWorker, conn net.Conn) {
	defer conn.Close()

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return
	}
	headers := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(conn, headers); err != nil {
		return
	}
	io.Copy(io.Discard, conn)

	respond := m.Respond
	if respond == nil {
		respond = func(appRoot string, _ []byte) string {
			return "hello world from " + appRoot
		}
	}
	conn.Write([]byte(respond(w.appRoot, headers)))
}

func (m *Mock) Reload(ctx context.Context, appRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads = append(m.reloads, appRoot)
	return nil
}

func (m *Mock) Pid() int { return os.Getpid() }

// Close terminates every remaining mock worker.
func (m *Mock) Close() error {
	m.mu.Lock()
	ws := m.workers
	m.workers = make(map[int]*mockWorker)
	m.mu.Unlock()

	for _, w := range ws {
		w.ln.Close()
	}
	return nil
}

var _ Spawner = (*Mock)(nil)
