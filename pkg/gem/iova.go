package gem

import "sort"

type iovaRange struct {
	start uint64
	size  uint64
}

// iovaAllocator hands out NPU address ranges. The same address is used for a
// buffer on every core, so a register command stream is valid on any of them.
// Callers hold the residency lock.
type iovaAllocator struct {
	free []iovaRange // sorted by start, coalesced
}

func newIovaAllocator(start, end uint64) *iovaAllocator {
	return &iovaAllocator{
		free: []iovaRange{{start: start, size: end - start + 1}},
	}
}

// alloc returns a first-fit range of size bytes aligned to align
func (a *iovaAllocator) alloc(size, align uint64) (uint64, bool) {
	for i, r := range a.free {
		addr := (r.start + align - 1) &^ (align - 1)
		pad := addr - r.start
		if pad+size > r.size {
			continue
		}

		tail := iovaRange{start: addr + size, size: r.size - pad - size}
		var repl []iovaRange
		if pad > 0 {
			repl = append(repl, iovaRange{start: r.start, size: pad})
		}
		if tail.size > 0 {
			repl = append(repl, tail)
		}

		a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
		return addr, true
	}
	return 0, false
}

// release returns a range and merges it with its neighbours
func (a *iovaAllocator) release(addr, size uint64) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start > addr })

	a.free = append(a.free, iovaRange{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = iovaRange{start: addr, size: size}

	if i+1 < len(a.free) && a.free[i].start+a.free[i].size == a.free[i+1].start {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].start+a.free[i-1].size == a.free[i].start {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// available returns the number of free bytes
func (a *iovaAllocator) available() uint64 {
	var n uint64
	for _, r := range a.free {
		n += r.size
	}
	return n
}
