package poolserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limEntry struct {
	rlim *rate.Limiter
	exp  time.Time
}

// Limiter is a rate limiter keyed by a string, here the app root of
// incoming get commands.
type Limiter struct {
	r    rate.Limit
	b    int
	life time.Duration

	mu  sync.Mutex
	lim map[string]*limEntry
}

func newLimiter(r rate.Limit, b int, bucketLife time.Duration) *Limiter {
	return &Limiter{
		r:    r,
		b:    b,
		lim:  make(map[string]*limEntry),
		life: bucketLife,
	}
}

func (p *Limiter) clean() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// this could be optimized...
	for k, lim := range p.lim {
		if lim.exp.Before(time.Now()) {
			delete(p.lim, k)
		}
	}
}

func (p *Limiter) ensure(k string) *limEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lim[k] == nil {
		p.lim[k] = &limEntry{
			rlim: rate.NewLimiter(p.r, p.b),
		}
	}
	l := p.lim[k]
	l.exp = time.Now().Add(p.life)
	return l
}

func (p *Limiter) Allow(k string) bool {
	ret := p.ensure(k).rlim.Allow()
	p.clean() // TODO: do slowly in cleaner thread.. XXX
	return ret
}
