package fence

import (
	"sync"
	"time"
)

// Reservation tracks the unresolved fences of jobs reading and writing one
// buffer. Resolved fences are pruned lazily.
type Reservation struct {
	mu      sync.Mutex
	writers []*Fence
	readers []*Fence
}

// NewReservation creates an empty reservation
func NewReservation() *Reservation {
	return &Reservation{}
}

// Fences returns the fences an access must wait for. Every access waits for
// outstanding writers; a write also waits for outstanding readers.
func (r *Reservation) Fences(write bool) []*Fence {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writers = prune(r.writers)
	r.readers = prune(r.readers)

	out := make([]*Fence, 0, len(r.writers)+len(r.readers))
	out = append(out, r.writers...)
	if write {
		out = append(out, r.readers...)
	}
	return out
}

// Add records f as a pending reader or writer of the buffer
func (r *Reservation) Add(f *Fence, write bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if write {
		r.writers = append(prune(r.writers), f)
	} else {
		r.readers = append(prune(r.readers), f)
	}
}

// Busy reports whether any fence of the given usage is unresolved
func (r *Reservation) Busy(write bool) bool {
	return len(r.Fences(write)) > 0
}

// Wait blocks until the fences for the given usage resolve or timeout elapses
func (r *Reservation) Wait(write bool, timeout time.Duration) error {
	return WaitAll(r.Fences(write), timeout)
}

func prune(fences []*Fence) []*Fence {
	kept := fences[:0]
	for _, f := range fences {
		if !f.IsSignaled() {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(fences); i++ {
		fences[i] = nil
	}
	return kept
}
