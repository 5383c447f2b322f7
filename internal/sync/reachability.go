package sync

import "sync"

// Reachability publishes network availability transitions. The host calls
// [Reachability.Publish] when connectivity changes; a pending retry is cut
// short when the network comes back.
type Reachability struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]chan bool
}

// NewReachability creates a publisher that starts online.
func NewReachability() *Reachability {
	return &Reachability{online: true, subs: make(map[int]chan bool)}
}

// Online reports the last published state.
func (r *Reachability) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Publish records a transition and notifies subscribers. Slow subscribers
// only see the latest state.
func (r *Reachability) Publish(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription.
func (r *Reachability) Subscribe() (<-chan bool, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	ch := make(chan bool, 1)
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}
