// Package pool multiplexes web requests onto a bounded set of long-lived
// application workers, amortizing the high cost of worker startup across
// many requests.
package pool

import (
	"context"
	"fmt"
	"net"
	"time"
)

var ErrPoolClosed = fmt.Errorf("The Pool Is Closed")

// ErrBusy means the pool cannot satisfy the request right now.
// The caller should surface a 503 and retry later.
var ErrBusy = fmt.Errorf("the pool is too busy, try again later")

// Session is one request/response conversation with a worker.
// The caller sends the header blob, streams the body, half-closes the
// write side, then reads the response from Stream until EOF. Closing a
// session returns its worker to the pool.
type Session interface {
	SendHeaders(headers []byte) error
	SendBodyBlock(buf []byte) error
	ShutdownWriter() error
	Stream() net.Conn
	Pid() int
	SetReaderTimeout(msec int) error
	SetWriterTimeout(msec int) error
	Close() error
}

// Options describe one Get request. AppRoot is an opaque identity string:
// callers are expected to canonicalize, two spellings of the same path are
// two different applications.
type Options struct {
	AppRoot        string
	LowerPrivilege bool
	LowestUser     string
	Environment    string
	SpawnMethod    string // "smart" or "conservative"
	AppType        string // "rails", "rack" or "wsgi"
}

// NewOptions returns Options for appRoot with the historical defaults.
func NewOptions(appRoot string) Options {
	return Options{
		AppRoot:        appRoot,
		LowerPrivilege: true,
		LowestUser:     "nobody",
		Environment:    "production",
		SpawnMethod:    "smart",
		AppType:        "rails",
	}
}

// WithDefaults fills in the historical defaults for empty fields.
func (o Options) WithDefaults() Options {
	if o.LowestUser == "" {
		o.LowestUser = "nobody"
	}
	if o.Environment == "" {
		o.Environment = "production"
	}
	if o.SpawnMethod == "" {
		o.SpawnMethod = "smart"
	}
	if o.AppType == "" {
		o.AppType = "rails"
	}
	return o
}

// Pool hands out sessions with pooled application workers.
type Pool interface {
	Get(ctx context.Context, opts Options) (Session, error)

	// Clear removes and shuts down every worker. Test hook.
	Clear() error

	SetMax(n int) error
	SetMaxPerApp(n int) error
	SetMaxIdleTime(d time.Duration) error

	// Active, Count and SpawnServerPid expose implementation details
	// of the pooling algorithm. Test hooks.
	Active() int
	Count() int
	SpawnServerPid() int

	Close() error
}
