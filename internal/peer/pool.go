package peer

import (
	"sync"
)

// Pool is the queue of peers waiting to be dialed. Every address is queued at
// most once for the lifetime of the pool, so repeated discovery results only
// ever add peers.
type Pool struct {
	mu   sync.Mutex
	q    []Peer
	seen map[string]struct{}
}

func NewPool(cap int) *Pool {
	return &Pool{q: make([]Peer, 0, cap), seen: make(map[string]struct{})}
}

// PushMany queues every peer whose address was never seen and returns how
// many were added.
func (p *Pool) PushMany(list []Peer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, pr := range list {
		key := pr.Addr()
		if _, ok := p.seen[key]; ok {
			continue
		}
		p.seen[key] = struct{}{}
		p.q = append(p.q, pr)
		added++
	}
	return added
}

// Requeue puts a previously popped peer back at the end of the queue.
func (p *Pool) Requeue(pr Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[pr.Addr()] = struct{}{}
	p.q = append(p.q, pr)
}

// MarkSeen records addr so it is never queued, e.g. for inbound peers.
func (p *Pool) MarkSeen(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[addr] = struct{}{}
}

func (p *Pool) Pop() (Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.q) == 0 {
		return Peer{}, false
	}
	pr := p.q[0]
	p.q = p.q[1:]
	return pr, true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}
