package orchestrator

import "sync"

// processedSet is a bounded set of recently seen message ids. The oldest
// id is evicted once capacity is reached, so deduplication is a soft
// guarantee covering only the most recent entries.
type processedSet struct {
	mu       sync.Mutex
	capacity int
	ids      map[string]struct{}
	order    []string
	next     int
	full     bool
}

func newProcessedSet(capacity int) *processedSet {
	return &processedSet{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Add marks id as processed. It returns false if the id was already in
// the set; marking and checking are one atomic step so duplicate
// deliveries cannot race past each other.
func (p *processedSet) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.ids[id]; seen {
		return false
	}
	if p.full {
		delete(p.ids, p.order[p.next])
	}
	p.ids[id] = struct{}{}
	p.order[p.next] = id
	p.next++
	if p.next == p.capacity {
		p.next = 0
		p.full = true
	}
	return true
}

// Len reports the current number of tracked ids.
func (p *processedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
