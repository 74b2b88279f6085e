// Package hw declares the hardware collaborators the scheduling core consumes.
// Bus binding, clock and reset lookup, register window mapping and interrupt
// line registration happen elsewhere; only these narrow contracts reach the
// core.
package hw

import "github.com/emergingrobotics/go-rocket/pkg/driver"

// Registers is a mapped register window of one core
type Registers interface {
	Read(offset uint32) uint32
	Write(offset uint32, value uint32)
}

// ResetLine is one reset control of a core
type ResetLine interface {
	Assert() error
	Deassert() error
}

// Clock is a gateable clock
type Clock interface {
	Enable() error
	Disable()
}

// InterruptLine delivers the completion interrupt of a core.
// The handler may be invoked from any goroutine.
type InterruptLine interface {
	Register(handler func()) error
	Free()
}

// Core bundles the per-core handles acquired when the device is bound
type Core struct {
	Regs   Registers
	Resets []ResetLine // AXI then AHB
	Clocks []Clock     // AXI then AHB
	IRQ    InterruptLine
}

// Segment is one physically contiguous chunk of host memory
type Segment struct {
	Data []byte
}

// ScatterList describes the host pages backing a buffer
type ScatterList struct {
	Segments []Segment
}

// Len returns the total number of bytes described
func (sg ScatterList) Len() uint64 {
	var n uint64
	for _, s := range sg.Segments {
		n += uint64(len(s.Data))
	}
	return n
}

// IOMMU is the address-translation collaborator. Map returns the number of
// bytes actually mapped, which may be rounded up to the translation granule.
type IOMMU interface {
	Map(core int, iova uint64, sg ScatterList, prot driver.IommuProt) (uint64, error)
	Unmap(core int, iova uint64, size uint64) uint64
}

// Cache is the cache/coherency collaborator
type Cache interface {
	SyncForDevice(core int, iova uint64, sg ScatterList, dir driver.DmaDataDirection)
	SyncForCPU(core int, iova uint64, sg ScatterList, dir driver.DmaDataDirection)
}
