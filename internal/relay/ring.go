package relay

import "sync"

// Ring is a fixed-capacity FIFO of recently forwarded messages.
// safe for concurrent use
type Ring struct {
	mu    sync.Mutex
	items []RecentMessage
	head  int // index of the oldest entry
	size  int
}

// NewRing creates a ring holding at most capacity entries. Capacity below 1 is treated as 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{items: make([]RecentMessage, capacity)}
}

// Push appends msg, evicting the oldest entry when full.
func (r *Ring) Push(msg RecentMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = msg
		r.size++
		return
	}
	r.items[r.head] = msg
	r.head = (r.head + 1) % capacity
}

// Snapshot returns copies of the k most recent entries, oldest first.
// k > Len returns every entry; k <= 0 returns none.
func (r *Ring) Snapshot(k int) []RecentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k < 0 {
		k = 0
	}
	if k > r.size {
		k = r.size
	}
	out := make([]RecentMessage, 0, k)
	capacity := len(r.items)
	for i := r.size - k; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%capacity])
	}
	return out
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.items)
}
