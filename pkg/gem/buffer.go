package gem

import (
	"fmt"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/fence"
	"github.com/emergingrobotics/go-rocket/pkg/hw"
)

// coreMapping is the translation state of a buffer on one core.
// Guarded by the residency lock.
type coreMapping struct {
	mapped bool
	size   uint64
	pins   int
}

// Buffer is a reference-counted region of host memory shared with every core.
// The handle table, each job referencing it and the manager's offset table
// hold references; backing memory goes away with the last one.
type Buffer struct {
	mgr *Manager

	id     uint64
	size   uint64 // page aligned
	data   []byte // anonymous mapping, len(data) == size
	sg     hw.ScatterList
	iova   uint64
	offset uint64

	resv *fence.Reservation

	// guarded by mgr.mu
	refs     int
	mappings []coreMapping
	lastPrep driver.PrepOp
	prepared bool
	cpuMaps  int
	released bool
}

// ID returns a process-unique buffer identifier
func (b *Buffer) ID() uint64 {
	return b.id
}

// Size returns the page-aligned size of the buffer
func (b *Buffer) Size() uint64 {
	return b.size
}

// DMAAddress returns the NPU address of the buffer, identical on every core
func (b *Buffer) DMAAddress() uint64 {
	return b.iova
}

// Offset returns the CPU mapping offset
func (b *Buffer) Offset() uint64 {
	return b.offset
}

// Data returns the CPU view of the buffer, or nil once it is destroyed.
// Contents are only meaningful between PrepareForCPUAccess and
// FinishCPUAccess. The slice is not kept alive by this call; use
// Manager.MapCPU for a view that outlives other holders.
func (b *Buffer) Data() []byte {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return b.data
}

// ScatterList returns the host pages backing the buffer
func (b *Buffer) ScatterList() hw.ScatterList {
	return b.sg
}

// Reservation returns the fences of jobs reading and writing the buffer
func (b *Buffer) Reservation() *fence.Reservation {
	return b.resv
}

// String implements fmt.Stringer
func (b *Buffer) String() string {
	return fmt.Sprintf("bo%d@0x%08x+0x%x", b.id, b.iova, b.size)
}

// IsMapped reports whether the buffer is resident on core
func (b *Buffer) IsMapped(core int) bool {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()

	if core < 0 || core >= len(b.mappings) {
		return false
	}
	return b.mappings[core].mapped
}

// MappedCores returns the cores the buffer is resident on
func (b *Buffer) MappedCores() []int {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()

	var cores []int
	for i, m := range b.mappings {
		if m.mapped {
			cores = append(cores, i)
		}
	}
	return cores
}

// Pins returns the number of queued or in-flight jobs holding the buffer on core
func (b *Buffer) Pins(core int) int {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()

	if core < 0 || core >= len(b.mappings) {
		return 0
	}
	return b.mappings[core].pins
}

// RefCount returns the number of holders
func (b *Buffer) RefCount() int {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return b.refs
}

// LastPrep returns the access mode recorded by the last prepare
func (b *Buffer) LastPrep() driver.PrepOp {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return b.lastPrep
}

// Prepared reports whether a prepare is outstanding
func (b *Buffer) Prepared() bool {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return b.prepared
}

// CPUMappings returns the number of open CPU mappings
func (b *Buffer) CPUMappings() int {
	b.mgr.mu.Lock()
	defer b.mgr.mu.Unlock()
	return b.cpuMaps
}
