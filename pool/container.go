package pool

import (
	"container/list"
	"time"

	"github.com/appyard/appyard/worker"
)

// container is the pool's bookkeeping record around one worker. It knows
// its position in its app group and, while it has no outstanding sessions,
// its position in the global inactive list. Storing the list elements
// gives O(1) removal from both lists.
type container struct {
	worker   *worker.Worker
	lastUsed time.Time
	sessions int
	evicted  bool

	group     *appGroup
	groupElem *list.Element
	idleElem  *list.Element // nil iff sessions > 0
}

// appGroup is the ordered sequence of containers for one app root.
// Zero-session containers are kept at the front, so the front of the
// group is always the preferred reuse target.
type appGroup struct {
	appRoot string
	list    *list.List // of *container
}

func newAppGroup(appRoot string) *appGroup {
	return &appGroup{appRoot: appRoot, list: list.New()}
}

func (g *appGroup) containers() []*container {
	cs := make([]*container, 0, g.list.Len())
	for e := g.list.Front(); e != nil; e = e.Next() {
		cs = append(cs, e.Value.(*container))
	}
	return cs
}
