// Package spawn talks to the spawn service: the out-of-process component
// that forks fresh application workers and reloads application code.
package spawn

import (
	"context"

	"github.com/appyard/appyard/worker"
)

// Request describes the worker to spawn.
type Request struct {
	AppRoot        string
	LowerPrivilege bool
	LowestUser     string
	Environment    string
	SpawnMethod    string // "smart" or "conservative"
	AppType        string // "rails", "rack" or "wsgi"
}

// Spawner is the contract the pool uses to fabricate workers and request
// code reloads. Spawning can take arbitrarily long.
type Spawner interface {
	Spawn(ctx context.Context, req *Request) (*worker.Worker, error)
	Reload(ctx context.Context, appRoot string) error
	Pid() int
	Close() error
}

// Error is reported by the spawn service when it rejects a spawn request.
// It may carry a renderable HTML error page which is propagated verbatim
// to the front end.
type Error struct {
	Message   string
	ErrorPage string
}

func (e *Error) Error() string { return e.Message }

// HasErrorPage returns true if the spawn service attached a renderable page.
func (e *Error) HasErrorPage() bool { return e.ErrorPage != "" }
