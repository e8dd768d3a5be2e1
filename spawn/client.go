package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/appyard/appyard/japi"
	"github.com/appyard/appyard/worker"
)

// Client is a Spawner backed by the spawn service's HTTP API.
type Client struct {
	json *japi.Api

	mu  sync.Mutex
	pid int
}

// NewClient returns a spawn service client for the given base URL.
// Use japi.UnixSocket to reach a spawn service on a local socket.
func NewClient(url string, opts ...japi.ApiOpt) *Client {
	return &Client{json: japi.New(url, opts...)}
}

type spawnReq struct {
	AppRoot        string `json:"app_root"`
	LowerPrivilege bool   `json:"lower_privilege"`
	LowestUser     string `json:"lowest_user"`
	Environment    string `json:"environment"`
	SpawnMethod    string `json:"spawn_method"`
	AppType        string `json:"app_type"`
}

type spawnResp struct {
	Pid        int    `json:"pid"`
	SocketPath string `json:"socket_path"`
}

type errResp struct {
	Message   string `json:"message"`
	ErrorPage string `json:"error_page"`
}

// Spawn asks the spawn service for a fresh worker.
// Rejections surface as *Error, transport failures as plain errors.
func (c *Client) Spawn(ctx context.Context, req *Request) (*worker.Worker, error) {
	log.Printf("spawn: spawn %s", req.AppRoot)

	var resp spawnResp
	err := c.json.Req("POST",
		japi.ReqPath("/spawn"),
		japi.ReqBody(&spawnReq{
			AppRoot:        req.AppRoot,
			LowerPrivilege: req.LowerPrivilege,
			LowestUser:     req.LowestUser,
			Environment:    req.Environment,
			SpawnMethod:    req.SpawnMethod,
			AppType:        req.AppType,
		}),
		japi.ReqRespBody(&resp),
	).Do(ctx)
	if err != nil {
		var se *japi.StatusError
		if errors.As(err, &se) {
			var er errResp
			if jerr := json.Unmarshal(se.Body, &er); jerr == nil && er.Message != "" {
				return nil, &Error{Message: er.Message, ErrorPage: er.ErrorPage}
			}
			return nil, &Error{Message: se.Error()}
		}
		return nil, fmt.Errorf("spawn %s: %w", req.AppRoot, err)
	}

	pid := resp.Pid
	shutdown := func() error {
		log.Printf("spawn: shutdown worker %d", pid)
		return c.json.Req("DELETE", japi.ReqPath("/workers/%d", pid)).Do(context.Background())
	}
	return worker.New(resp.Pid, req.AppRoot, resp.SocketPath, shutdown), nil
}

// Reload asks the spawn service to drop any cached code for appRoot so the
// next spawn picks up the deployed version.
func (c *Client) Reload(ctx context.Context, appRoot string) error {
	log.Printf("spawn: reload %s", appRoot)
	return c.json.Req("POST",
		japi.ReqPath("/reload"),
		japi.ReqBody(&struct {
			AppRoot string `json:"app_root"`
		}{appRoot}),
	).Do(ctx)
}

// Pid returns the spawn service's process id, fetched once and cached.
func (c *Client) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pid == 0 {
		var resp struct {
			Pid int `json:"pid"`
		}
		err := c.json.Req("GET", japi.ReqPath("/pid"), japi.ReqRespBody(&resp)).Do(context.Background())
		if err != nil {
			log.Printf("spawn: pid: %v", err)
			return 0
		}
		c.pid = resp.Pid
	}
	return c.pid
}

// Close releases the client. The HTTP transport needs no teardown.
func (c *Client) Close() error { return nil }

var _ Spawner = (*Client)(nil)
