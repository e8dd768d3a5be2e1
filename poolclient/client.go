// Package poolclient implements the Pool contract by proxying to a pool
// server over its unix socket.
package poolclient

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/appyard/appyard/auth"
	"github.com/appyard/appyard/pool"
	"github.com/appyard/appyard/wire"
	"github.com/appyard/appyard/worker"
)

// Client is a Pool whose state lives in a pool server process.
// Commands are serialized on one connection; sessions ride on file
// descriptors passed back by the server.
type Client struct {
	mu   sync.Mutex
	conn *wire.Conn

	signer     auth.Signer
	serverName string
}

var _ pool.Pool = (*Client)(nil)

type Opt func(*Client)

// Auth makes the client authenticate with the server as its first frame.
func Auth(signer auth.Signer, serverName string) Opt {
	return func(c *Client) {
		c.signer = signer
		c.serverName = serverName
	}
}

// Dial connects to the pool server at socketPath.
func Dial(socketPath string, opts ...Opt) (*Client, error) {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("poolclient: dial %s: %w", socketPath, err)
	}
	c.conn = wire.New(nc.(*net.UnixConn))

	if c.signer != nil {
		if err := c.conn.WriteFrame("auth", c.signer(time.Now(), c.serverName)); err != nil {
			c.conn.Close()
			return nil, err
		}
		resp, err := c.conn.ReadFrame()
		if err != nil {
			c.conn.Close()
			return nil, fmt.Errorf("poolclient: auth: %w", err)
		}
		if len(resp) != 1 || resp[0] != "ok" {
			c.conn.Close()
			return nil, fmt.Errorf("poolclient: auth rejected: %v", resp)
		}
	}

	return c, nil
}

// Get opens a session via the pool server. The returned session wraps
// the stream descriptor passed by the server; closing it tells the
// server to release the worker.
func (c *Client) Get(ctx context.Context, opts pool.Options) (pool.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	lower := "0"
	if opts.LowerPrivilege {
		lower = "1"
	}
	opts = opts.WithDefaults()
	err := c.conn.WriteFrame("get", opts.AppRoot, lower,
		opts.LowestUser, opts.Environment, opts.SpawnMethod, opts.AppType)
	if err != nil {
		return nil, err
	}

	resp, err := c.conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("poolclient: empty response")
	}

	switch {
	case resp[0] == "busy":
		return nil, pool.ErrBusy

	case strings.HasPrefix(resp[0], "error "):
		return nil, c.readError(resp)

	case strings.HasPrefix(resp[0], "ok "):
		ws := strings.Fields(resp[0])
		if len(ws) != 3 {
			return nil, fmt.Errorf("poolclient: malformed get response %q", resp[0])
		}
		pid, err := strconv.Atoi(ws[1])
		if err != nil {
			return nil, fmt.Errorf("poolclient: bad pid in %q", resp[0])
		}
		sid := ws[2]

		f, err := c.conn.RecvFD()
		if err != nil {
			return nil, err
		}
		nc, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("poolclient: wrap session fd: %w", err)
		}

		return worker.NewSession(nc, pid, func() { c.closeSession(sid) }), nil

	default:
		return nil, fmt.Errorf("poolclient: unexpected response %q", resp[0])
	}
}

// readError reconstructs a server-reported error, reading the trailing
// page payload if one is announced.
func (c *Client) readError(resp []string) error {
	ws := strings.SplitN(resp[0], " ", 3)
	kind := ws[1]
	msg := ""
	if len(ws) == 3 {
		msg = ws[2]
	}

	var page []byte
	if len(resp) > 1 {
		if n, ok := wire.ParseDataLine(resp[len(resp)-1]); ok {
			var err error
			page, err = c.conn.ReadData(n)
			if err != nil {
				return err
			}
		}
	}
	return wire.DecodeError(kind, msg, page)
}

// closeSession tells the server a session is done. Failures are logged
// only: a dead server has already released everything.
func (c *Client) closeSession(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteFrame("close", sid); err != nil {
		log.Printf("poolclient: close %s: %v", sid, err)
		return
	}
	if _, err := c.conn.ReadFrame(); err != nil {
		log.Printf("poolclient: close %s: %v", sid, err)
	}
}

// command sends a frame and expects a single-line response.
func (c *Client) command(frame ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteFrame(frame...); err != nil {
		return "", err
	}
	resp, err := c.conn.ReadFrame()
	if err != nil {
		return "", err
	}
	if len(resp) != 1 {
		return "", fmt.Errorf("poolclient: unexpected response %v", resp)
	}
	if strings.HasPrefix(resp[0], "error ") {
		ws := strings.SplitN(resp[0], " ", 3)
		msg := ""
		if len(ws) == 3 {
			msg = ws[2]
		}
		return "", wire.DecodeError(ws[1], msg, nil)
	}
	return resp[0], nil
}

func (c *Client) okCommand(frame ...string) error {
	resp, err := c.command(frame...)
	if err != nil {
		return err
	}
	if resp != "ok" {
		return fmt.Errorf("poolclient: expected ok, got %q", resp)
	}
	return nil
}

func (c *Client) intCommand(cmd string) int {
	resp, err := c.command(cmd)
	if err != nil {
		log.Printf("poolclient: %s: %v", cmd, err)
		return -1
	}
	n, err := strconv.Atoi(resp)
	if err != nil {
		log.Printf("poolclient: %s: bad response %q", cmd, resp)
		return -1
	}
	return n
}

func (c *Client) Clear() error { return c.okCommand("clear") }

func (c *Client) SetMax(n int) error {
	return c.okCommand("setMax", strconv.Itoa(n))
}

func (c *Client) SetMaxPerApp(n int) error {
	return c.okCommand("setMaxPerApp", strconv.Itoa(n))
}

func (c *Client) SetMaxIdleTime(d time.Duration) error {
	return c.okCommand("setMaxIdleTime", strconv.Itoa(int(d/time.Second)))
}

func (c *Client) Active() int         { return c.intCommand("getActive") }
func (c *Client) Count() int          { return c.intCommand("getCount") }
func (c *Client) SpawnServerPid() int { return c.intCommand("getSpawnServerPid") }

// Close drops the connection to the pool server. The server releases
// any sessions still outstanding on it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
