// Package gem manages buffer objects and their residency in the address
// translation unit of every NPU core.
package gem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/fence"
	"github.com/emergingrobotics/go-rocket/pkg/hw"
)

// Manager owns the device-wide residency lock. Every mapping change, cache
// maintenance call and reference count update happens under it; it is never
// held across a fence or hardware wait.
type Manager struct {
	mu       sync.Mutex
	iommu    hw.IOMMU
	cache    hw.Cache
	numCores int
	pageSize uint64

	iova       *iovaAllocator
	nextID     uint64
	nextOffset uint64
	byOffset   map[uint64]*Buffer
}

// NewManager creates a residency manager for numCores cores
func NewManager(iommu hw.IOMMU, cache hw.Cache, numCores int) *Manager {
	pageSize := uint64(unix.Getpagesize())
	return &Manager{
		iommu:      iommu,
		cache:      cache,
		numCores:   numCores,
		pageSize:   pageSize,
		iova:       newIovaAllocator(driver.IovaStart, driver.IovaEnd),
		nextOffset: pageSize,
		byOffset:   make(map[uint64]*Buffer),
	}
}

// PageSize returns the allocation granule
func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

// NumCores returns the number of cores mappings are tracked for
func (m *Manager) NumCores() int {
	return m.numCores
}

// Create allocates a page-granular buffer and maps it on the primary core.
// The returned buffer holds one reference.
func (m *Manager) Create(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "buffer size cannot be zero")
	}

	// Round up to page size for alignment
	alignedSize := ((size + m.pageSize - 1) / m.pageSize) * m.pageSize
	if alignedSize > driver.IovaEnd-driver.IovaStart {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("buffer size %d exceeds address space", size))
	}

	data, err := unix.Mmap(-1, 0, int(alignedSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusNoMemory, "allocating backing memory", err)
	}

	b := &Buffer{
		mgr:      m,
		size:     alignedSize,
		data:     data,
		sg:       m.scatterList(data),
		resv:     fence.NewReservation(),
		refs:     1,
		mappings: make([]coreMapping, m.numCores),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	iova, ok := m.iova.alloc(alignedSize, m.pageSize)
	if !ok {
		unix.Munmap(data)
		return nil, driver.NewError(driver.StatusNoMemory, "NPU address space exhausted")
	}
	b.iova = iova

	if err := m.mapLocked(b, driver.PrimaryCore); err != nil {
		m.iova.release(iova, alignedSize)
		unix.Munmap(data)
		return nil, driver.NewErrorWithCause(driver.StatusNoMemory, "mapping on primary core", err)
	}

	m.nextID++
	b.id = m.nextID
	b.offset = m.nextOffset
	m.nextOffset += alignedSize
	m.byOffset[b.offset] = b

	klog.V(4).InfoS("Created buffer", "buffer", b, "offset", b.offset)
	return b, nil
}

// scatterList splits the backing memory into page segments
func (m *Manager) scatterList(data []byte) hw.ScatterList {
	segs := make([]hw.Segment, 0, uint64(len(data))/m.pageSize)
	for off := uint64(0); off < uint64(len(data)); off += m.pageSize {
		segs = append(segs, hw.Segment{Data: data[off : off+m.pageSize : off+m.pageSize]})
	}
	return hw.ScatterList{Segments: segs}
}

// Lookup finds a live buffer by its CPU mapping offset
func (m *Manager) Lookup(offset uint64) (*Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byOffset[offset]
	return b, ok
}

// Get takes an additional reference
func (m *Manager) Get(b *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.refs <= 0 || b.released {
		return driver.NewError(driver.StatusInvalidArgument, "reference to released buffer "+b.String())
	}
	b.refs++
	return nil
}

// MapToSecondaryCores maps the buffer on every non-primary core in cores.
// On failure every core mapped by this call is unmapped again.
func (m *Manager) MapToSecondaryCores(b *Buffer, cores []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.released {
		return driver.NewError(driver.StatusInvalidArgument, "mapping released buffer "+b.String())
	}

	var done []int
	for _, core := range cores {
		if err := m.checkCore(core); err != nil {
			m.rollbackLocked(b, done)
			return err
		}
		if core == driver.PrimaryCore || b.mappings[core].mapped {
			continue
		}
		if err := m.mapLocked(b, core); err != nil {
			m.rollbackLocked(b, done)
			return err
		}
		done = append(done, core)
	}
	return nil
}

// Pin makes every buffer resident on core for a queued job. Secondary-core
// mappings are created on the first pin and removed with the last unpin.
// On failure nothing stays pinned.
func (m *Manager) Pin(core int, bufs ...*Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCore(core); err != nil {
		return err
	}

	for i, b := range bufs {
		if b.released {
			m.unpinLocked(core, bufs[:i])
			return driver.NewError(driver.StatusInvalidArgument, "pinning released buffer "+b.String())
		}
		if !b.mappings[core].mapped {
			if err := m.mapLocked(b, core); err != nil {
				m.unpinLocked(core, bufs[:i])
				return err
			}
		}
		b.mappings[core].pins++
	}
	return nil
}

// Unpin drops the residency taken by Pin
func (m *Manager) Unpin(core int, bufs ...*Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCore(core); err != nil {
		return err
	}
	return m.unpinLocked(core, bufs)
}

func (m *Manager) unpinLocked(core int, bufs []*Buffer) error {
	var firstErr error
	for _, b := range bufs {
		cm := &b.mappings[core]
		if cm.pins == 0 {
			klog.ErrorS(nil, "Unbalanced unpin", "buffer", b, "core", core)
			continue
		}
		cm.pins--
		if cm.pins == 0 && core != driver.PrimaryCore && cm.mapped {
			if err := m.unmapLocked(b, core); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PrepareForCPUAccess pulls device writes back to CPU-visible memory on every
// core the buffer is resident on, and records mode for FinishCPUAccess. The
// caller must have waited for the jobs touching the buffer.
func (m *Manager) PrepareForCPUAccess(b *Buffer, mode driver.PrepOp) error {
	if !mode.Valid() {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("invalid access mode 0x%x", uint32(mode)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b.released {
		return driver.NewError(driver.StatusInvalidArgument, "preparing released buffer "+b.String())
	}

	dir := mode.Direction()
	for core, cm := range b.mappings {
		if cm.mapped {
			m.cache.SyncForCPU(core, b.iova, b.sg, dir)
		}
	}
	b.lastPrep = mode
	b.prepared = true
	return nil
}

// FinishCPUAccess pushes CPU writes to every core the buffer is resident on
// using the mode of the last prepare. Without a prior prepare it warns and
// synchronizes both ways.
func (m *Manager) FinishCPUAccess(b *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.released {
		return driver.NewError(driver.StatusInvalidArgument, "finishing released buffer "+b.String())
	}

	dir := b.lastPrep.Direction()
	if !b.prepared {
		klog.Warningf("buffer %s: finish without prior prepare", b)
		dir = driver.DmaBidirectional
	}

	for core, cm := range b.mappings {
		if cm.mapped {
			m.cache.SyncForDevice(core, b.iova, b.sg, dir)
		}
	}
	b.lastPrep = 0
	b.prepared = false
	return nil
}

// Release drops one reference. The last one unmaps the buffer from every
// secondary core, then from the primary core, and frees the backing memory.
// Releasing a buffer with no references left is InvalidArgument.
func (m *Manager) Release(b *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.releaseLocked(b)
}

func (m *Manager) releaseLocked(b *Buffer) error {
	if b.refs <= 0 || b.released {
		return driver.NewError(driver.StatusInvalidArgument, "releasing unreferenced buffer "+b.String())
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}
	return m.destroyLocked(b)
}

func (m *Manager) destroyLocked(b *Buffer) error {
	var firstErr error
	for core := range b.mappings {
		if core == driver.PrimaryCore || !b.mappings[core].mapped {
			continue
		}
		if b.mappings[core].pins > 0 {
			klog.ErrorS(nil, "Releasing buffer still pinned", "buffer", b, "core", core, "pins", b.mappings[core].pins)
		}
		if err := m.unmapLocked(b, core); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.mappings[driver.PrimaryCore].mapped {
		if err := m.unmapLocked(b, driver.PrimaryCore); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.iova.release(b.iova, b.size)
	delete(m.byOffset, b.offset)
	b.released = true

	if err := unix.Munmap(b.data); err != nil {
		klog.ErrorS(err, "Freeing backing memory", "buffer", b)
	}
	b.data = nil

	klog.V(4).InfoS("Released buffer", "buffer", b)
	return firstErr
}

func (m *Manager) mapLocked(b *Buffer, core int) error {
	mapped, err := m.iommu.Map(core, b.iova, b.sg, driver.IommuRead|driver.IommuWrite)
	if err != nil {
		return driver.NewErrorWithCause(driver.StatusMapFailed, fmt.Sprintf("mapping %s on core %d", b, core), err)
	}
	if mapped != b.size {
		// Granule rounding may map more than asked for; either way undo it.
		if mapped > 0 {
			m.iommu.Unmap(core, b.iova, mapped)
		}
		return driver.NewError(driver.StatusMapFailed,
			fmt.Sprintf("mapping %s on core %d: mapped 0x%x bytes, expected 0x%x", b, core, mapped, b.size))
	}
	b.mappings[core].mapped = true
	b.mappings[core].size = mapped
	return nil
}

func (m *Manager) unmapLocked(b *Buffer, core int) error {
	cm := &b.mappings[core]
	unmapped := m.iommu.Unmap(core, b.iova, cm.size)
	cm.mapped = false
	if unmapped != cm.size {
		err := driver.NewError(driver.StatusConsistencyViolation,
			fmt.Sprintf("unmapping %s on core %d: unmapped 0x%x bytes, expected 0x%x", b, core, unmapped, cm.size))
		klog.ErrorS(err, "Address translation out of sync", "buffer", b, "core", core)
		cm.size = 0
		return err
	}
	cm.size = 0
	return nil
}

func (m *Manager) rollbackLocked(b *Buffer, cores []int) {
	for _, core := range cores {
		m.unmapLocked(b, core)
	}
}

func (m *Manager) checkCore(core int) error {
	if core < 0 || core >= m.numCores {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("core %d out of range", core))
	}
	return nil
}
