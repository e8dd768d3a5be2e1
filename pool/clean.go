package pool

import "log"

// clean is the idle cleaner. It wakes every cleanInterval and retires
// workers that have sat idle longer than maxIdle. The shutdown signal is
// advisory: an in-progress pass completes before the loop exits.
func (p *StandardPool) clean() {
	log.Printf("pool: cleaner started")
	defer close(p.cleanDone)

	for {
		select {
		case <-p.stopClean:
			log.Printf("pool: cleaner exiting")
			return
		case <-p.clock.After(p.cleanInterval):
		}
		p.cleanIdle()
	}
}

// cleanIdle performs one cleaning pass.
func (p *StandardPool) cleanIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxIdle <= 0 {
		return
	}

	now := p.clock.Now()
	var expired []*container
	for e := p.inactive.Front(); e != nil; e = e.Next() {
		c := e.Value.(*container)
		if now.Sub(c.lastUsed) > p.maxIdle {
			expired = append(expired, c)
		}
	}

	for _, c := range expired {
		log.Printf("pool: cleaning idle worker %d for %s", c.worker.Pid(), c.group.appRoot)
		p.discardContainer(c, "idle")
	}
}
