package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/appyard/appyard/metrics"
	"github.com/appyard/appyard/spawn"
	"github.com/appyard/appyard/stats"
)

const maxGetAttempts = 10

// StandardPool is the canonical Pool implementation. One mutex guards all
// state; long operations (spawning, filesystem checks, worker connects)
// run while holding it, trading peak concurrency for a simple invariant
// story. Acquirers that must wait for capacity block on a condition
// variable signalled by session release and by the setters.
type StandardPool struct {
	spawner spawn.Spawner
	clock   clockwork.Clock
	timings *stats.Registry
	mets    *metrics.Collector

	getTimeout    time.Duration
	cleanInterval time.Duration

	mu   sync.Mutex
	cond *sync.Cond

	groups        map[string]*appGroup
	inactive      *list.List // of *container, ordered by lastUsed ascending
	perApp        map[string]int
	restartMtimes map[string]time.Time
	count         int
	active        int

	max       int
	maxPerApp int
	maxIdle   time.Duration

	closed    bool
	stopClean chan struct{}
	cleanDone chan struct{}
}

var _ Pool = (*StandardPool)(nil)

type Opt func(*StandardPool)

// Max caps the total number of live workers.
func Max(n int) Opt {
	if n < 1 {
		n = 1
	}
	return func(p *StandardPool) { p.max = n }
}

// MaxPerApp caps workers per app root. Zero means unbounded.
func MaxPerApp(n int) Opt {
	return func(p *StandardPool) { p.maxPerApp = n }
}

// MaxIdleTime sets how long a worker may sit idle before the cleaner
// retires it. Zero disables idle cleaning.
func MaxIdleTime(d time.Duration) Opt {
	return func(p *StandardPool) { p.maxIdle = d }
}

// GetTimeout bounds how long one Get may take, waiting included.
func GetTimeout(d time.Duration) Opt {
	return func(p *StandardPool) { p.getTimeout = d }
}

// CleanInterval sets how often the idle cleaner wakes.
func CleanInterval(d time.Duration) Opt {
	return func(p *StandardPool) { p.cleanInterval = d }
}

// Clock injects a clock, for tests.
func Clock(c clockwork.Clock) Opt {
	return func(p *StandardPool) { p.clock = c }
}

// Timings injects a timing registry shared with the embedding server.
func Timings(r *stats.Registry) Opt {
	return func(p *StandardPool) { p.timings = r }
}

// Metrics injects a metrics collector.
func Metrics(m *metrics.Collector) Opt {
	return func(p *StandardPool) { p.mets = m }
}

// NewStandard creates a pool that fabricates workers through spawner.
func NewStandard(spawner spawn.Spawner, opts ...Opt) *StandardPool {
	p := &StandardPool{
		spawner: spawner,
		clock:   clockwork.NewRealClock(),
		timings: stats.NewRegistry(),

		getTimeout:    5 * time.Second,
		cleanInterval: 2 * time.Second,

		groups:        make(map[string]*appGroup),
		inactive:      list.New(),
		perApp:        make(map[string]int),
		restartMtimes: make(map[string]time.Time),

		max:     6,
		maxIdle: 2 * time.Minute,

		stopClean: make(chan struct{}),
		cleanDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	go p.clean()
	return p
}

// Get opens a session with a worker for opts.AppRoot, spawning, reusing or
// evicting workers as needed. The configured deadline is authoritative:
// the capacity wait, spawn and reload observe it and it is checked before
// every attempt; the worker connect is bounded by its own dial timeout.
// A worker that dies between selection
// and connect is discarded and the attempt retried, up to maxGetAttempts.
func (p *StandardPool) Get(ctx context.Context, opts Options) (Session, error) {
	opts = opts.WithDefaults()

	ctx, cancel := context.WithTimeout(ctx, p.getTimeout)
	defer cancel()

	tm := p.timings.Timing("get").Start()
	defer tm.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, mapCtxErr(err)
		}

		c, err := p.selectContainer(ctx, &opts)
		if err != nil {
			return nil, err
		}

		// Activate before connecting so concurrent acquirers see the
		// session slot as taken.
		if c.sessions == 0 {
			p.removeFromInactive(c)
			p.active++
		}
		c.sessions++
		p.publishGauges()

		tc := p.timings.Timing("connect").Start()
		sess, err := c.worker.Connect(p.releaseFunc(c))
		tc.End()
		if err != nil {
			// The worker died mid-use. Poison the container and retry;
			// this is not the caller's fault.
			log.Printf("pool: connect %s pid %d: %v", opts.AppRoot, c.worker.Pid(), err)
			c.sessions--
			p.discardContainer(c, "dead")
			if attempt >= maxGetAttempts {
				return nil, fmt.Errorf("pool: get %s: %w", opts.AppRoot, err)
			}
			continue
		}

		return sess, nil
	}
}

// selectContainer picks (or creates) the container to serve one Get
// attempt. Called with the pool lock held; may release it while waiting
// for capacity.
func (p *StandardPool) selectContainer(ctx context.Context, opts *Options) (*container, error) {
	appRoot := opts.AppRoot
	group := p.groups[appRoot]

	if group != nil && p.needsRestart(appRoot) {
		log.Printf("pool: restarting %s", appRoot)
		// Discarding the last container drops the group's restart mtime;
		// the mtime protocol needs it to survive a restart, so put it back.
		mtime, keepMtime := p.restartMtimes[appRoot]
		for _, c := range group.containers() {
			p.discardContainer(c, "restart")
		}
		if keepMtime {
			p.restartMtimes[appRoot] = mtime
		}
		if err := p.spawner.Reload(ctx, appRoot); err != nil {
			log.Printf("pool: reload %s: %v", appRoot, err)
		}
		p.mets.ObserveRestart()
		group = nil
	}

	if group != nil {
		front := group.list.Front().Value.(*container)
		if front.sessions == 0 {
			// Reuse the most recently released worker.
			group.list.MoveToBack(front.groupElem)
			return front, nil
		}

		if p.count >= p.max || (p.maxPerApp > 0 && p.perApp[appRoot] >= p.maxPerApp) {
			// At a cap: share the least-loaded worker. The session
			// queues in the worker's own admission queue. Ties go to
			// the earliest container in group order.
			c := lo.MinBy(group.containers(), func(a, b *container) bool {
				return a.sessions < b.sessions
			})
			group.list.MoveToBack(c.groupElem)
			return c, nil
		}

		return p.spawnInto(ctx, group, opts)
	}

	// No group for this app. Wait for both the global and the per-app
	// cap to admit a new worker.
	for !(p.active < p.max && (p.maxPerApp == 0 || p.perApp[appRoot] < p.maxPerApp)) {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		if p.closed {
			return nil, ErrPoolClosed
		}
	}

	if p.count == p.max {
		// Make room by evicting the globally-oldest idle worker.
		front := p.inactive.Front()
		if front != nil {
			c := front.Value.(*container)
			log.Printf("pool: evicting idle worker %d for %s", c.worker.Pid(), c.group.appRoot)
			p.discardContainer(c, "crossapp")
		}
	}

	group = p.groups[appRoot]
	if group == nil {
		group = newAppGroup(appRoot)
		p.groups[appRoot] = group
	}
	return p.spawnInto(ctx, group, opts)
}

// spawnInto creates a fresh worker and appends its container to group.
// Called with the pool lock held; the spawn RPC runs under it.
func (p *StandardPool) spawnInto(ctx context.Context, group *appGroup, opts *Options) (*container, error) {
	ts := p.timings.Timing("spawn").Start()
	w, err := p.spawner.Spawn(ctx, &spawn.Request{
		AppRoot:        opts.AppRoot,
		LowerPrivilege: opts.LowerPrivilege,
		LowestUser:     opts.LowestUser,
		Environment:    opts.Environment,
		SpawnMethod:    opts.SpawnMethod,
		AppType:        opts.AppType,
	})
	ts.End()
	if err != nil {
		if group.list.Len() == 0 {
			delete(p.groups, group.appRoot)
		}
		return nil, err
	}
	p.mets.ObserveSpawn()

	c := &container{
		worker:   w,
		lastUsed: p.clock.Now(),
		group:    group,
	}
	c.groupElem = group.list.PushBack(c)
	p.perApp[group.appRoot]++
	p.count++
	log.Printf("pool: spawned worker %d for %s", w.Pid(), group.appRoot)
	return c, nil
}

// wait blocks on the capacity condition variable until signalled or the
// context ends. Called with the pool lock held; the lock is released for
// the duration of the wait.
func (p *StandardPool) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mapCtxErr(err)
	}
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.cond.Wait()
	if err := ctx.Err(); err != nil {
		return mapCtxErr(err)
	}
	return nil
}

// mapCtxErr translates context errors at the pool boundary: a spent
// deadline means the pool is too busy; cancellation propagates as-is so
// shutdown paths can recognize it.
func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBusy
	}
	return err
}

// releaseFunc builds the session-closed callback for c. The callback
// no-ops once the container is gone, so sessions may outlive the pool.
func (p *StandardPool) releaseFunc(c *container) func() {
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if c.evicted {
			return
		}
		c.lastUsed = p.clock.Now()
		c.sessions--
		if c.sessions == 0 {
			c.group.list.MoveToFront(c.groupElem)
			c.idleElem = p.inactive.PushBack(c)
			p.active--
			p.cond.Broadcast()
		}
		p.publishGauges()
	}
}

// removeFromInactive takes c off the inactive list. Caller holds the lock.
func (p *StandardPool) removeFromInactive(c *container) {
	if c.idleElem != nil {
		p.inactive.Remove(c.idleElem)
		c.idleElem = nil
	}
}

// discardContainer evicts c entirely: it leaves its group and the
// inactive list, counters are adjusted, the empty group is dropped and
// the worker is shut down. Caller holds the lock.
func (p *StandardPool) discardContainer(c *container, reason string) {
	if c.evicted {
		return
	}
	c.evicted = true

	g := c.group
	g.list.Remove(c.groupElem)
	if c.idleElem != nil {
		p.inactive.Remove(c.idleElem)
		c.idleElem = nil
	} else {
		// Not on the inactive list means the container was counted
		// active.
		p.active--
	}
	p.count--
	p.perApp[g.appRoot]--
	if g.list.Len() == 0 {
		delete(p.groups, g.appRoot)
		delete(p.perApp, g.appRoot)
		delete(p.restartMtimes, g.appRoot)
	}

	if err := c.worker.Shutdown(); err != nil {
		log.Printf("pool: shutdown worker %d: %v", c.worker.Pid(), err)
	}
	p.mets.ObserveEviction(reason)
	p.publishGauges()
	p.cond.Broadcast()
}

func (p *StandardPool) publishGauges() {
	p.mets.SetPoolState(p.active, p.count)
}

// Clear removes every container and shuts down every worker.
func (p *StandardPool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Printf("pool: clear")
	for _, g := range p.groups {
		for _, c := range g.containers() {
			p.discardContainer(c, "clear")
		}
	}
	return nil
}

// SetMax adjusts the global worker cap. Lowering it below the current
// count does not terminate workers; they drain through normal eviction.
func (p *StandardPool) SetMax(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max = n
	p.cond.Broadcast()
	return nil
}

// SetMaxPerApp adjusts the per-app worker cap. Zero means unbounded.
func (p *StandardPool) SetMaxPerApp(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxPerApp = n
	p.cond.Broadcast()
	return nil
}

// SetMaxIdleTime adjusts the idle eviction threshold.
func (p *StandardPool) SetMaxIdleTime(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxIdle = d
	return nil
}

// Active returns the number of containers with outstanding sessions.
func (p *StandardPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Count returns the total number of live workers.
func (p *StandardPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// SpawnServerPid returns the spawn service's process id.
func (p *StandardPool) SpawnServerPid() int {
	return p.spawner.Pid()
}

// Timings returns the pool's timing registry.
func (p *StandardPool) Timings() *stats.Registry {
	return p.timings
}

// Close shuts the pool down: the cleaner is told to finish its pass,
// waiters are woken with ErrPoolClosed, and every worker is retired.
func (p *StandardPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopClean)
	p.cond.Broadcast()
	for _, g := range p.groups {
		for _, c := range g.containers() {
			p.discardContainer(c, "clear")
		}
	}
	p.mu.Unlock()

	<-p.cleanDone
	return p.spawner.Close()
}
