package sim

import (
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/hw"
)

// region is device memory behind one address range. Host slices stand in for
// the CPU's cached view; data only moves between the two on cache maintenance.
type region struct {
	data []byte
	maps int
}

// window is a region as one core's translation domain exposes it
type window struct {
	iova uint64
	data []byte
	prot driver.IommuProt
}

// Memory simulates the per-core address-translation units and the cache
// maintenance that keeps the CPU's view coherent with device memory.
// It implements hw.IOMMU and hw.Cache.
type Memory struct {
	mu      sync.Mutex
	dram    map[uint64]*region
	domains []map[uint64]*window

	failMap    map[int]error
	padMap     map[int]uint64
	shortUnmap map[int]uint64

	mapCalls   int
	unmapCalls int
	syncs      []SyncRecord
}

// SyncRecord is one cache maintenance call
type SyncRecord struct {
	Core      int
	IOVA      uint64
	ForDevice bool
	Dir       driver.DmaDataDirection
}

// NewMemory creates translation domains for numCores cores
func NewMemory(numCores int) *Memory {
	m := &Memory{
		dram:       make(map[uint64]*region),
		domains:    make([]map[uint64]*window, numCores),
		failMap:    make(map[int]error),
		padMap:     make(map[int]uint64),
		shortUnmap: make(map[int]uint64),
	}
	for i := range m.domains {
		m.domains[i] = make(map[uint64]*window)
	}
	return m
}

// Map implements hw.IOMMU
func (m *Memory) Map(core int, iova uint64, sg hw.ScatterList, prot driver.IommuProt) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapCalls++
	if core < 0 || core >= len(m.domains) {
		return 0, fmt.Errorf("no translation domain for core %d", core)
	}
	if err := m.failMap[core]; err != nil {
		return 0, err
	}
	if _, ok := m.domains[core][iova]; ok {
		return 0, fmt.Errorf("core %d: iova 0x%x already mapped", core, iova)
	}

	r := m.dram[iova]
	if r == nil {
		r = &region{data: make([]byte, sg.Len())}
		copySG(r.data, sg)
		m.dram[iova] = r
	}
	r.maps++
	m.domains[core][iova] = &window{iova: iova, data: r.data, prot: prot}
	return sg.Len() + m.padMap[core], nil
}

// Unmap implements hw.IOMMU
func (m *Memory) Unmap(core int, iova uint64, size uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmapCalls++
	if core < 0 || core >= len(m.domains) {
		return 0
	}
	if _, ok := m.domains[core][iova]; !ok {
		return 0
	}
	delete(m.domains[core], iova)
	if r := m.dram[iova]; r != nil {
		r.maps--
		if r.maps == 0 {
			delete(m.dram, iova)
		}
	}

	short := m.shortUnmap[core]
	if short > size {
		return 0
	}
	return size - short
}

// SyncForDevice implements hw.Cache: host writes become visible to the core
func (m *Memory) SyncForDevice(core int, iova uint64, sg hw.ScatterList, dir driver.DmaDataDirection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncs = append(m.syncs, SyncRecord{Core: core, IOVA: iova, ForDevice: true, Dir: dir})
	if dir != driver.DmaToDevice && dir != driver.DmaBidirectional {
		return
	}
	if w := m.domains[core][iova]; w != nil {
		copySG(w.data, sg)
	}
}

// SyncForCPU implements hw.Cache: core writes become visible to the host
func (m *Memory) SyncForCPU(core int, iova uint64, sg hw.ScatterList, dir driver.DmaDataDirection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncs = append(m.syncs, SyncRecord{Core: core, IOVA: iova, ForDevice: false, Dir: dir})
	if dir != driver.DmaFromDevice && dir != driver.DmaBidirectional {
		return
	}
	if w := m.domains[core][iova]; w != nil {
		src := w.data
		for _, s := range sg.Segments {
			n := copy(s.Data, src)
			src = src[n:]
		}
	}
}

// DeviceRead returns a copy of n bytes at addr as core sees them
func (m *Memory) DeviceRead(core int, addr uint64, n int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, off, ok := m.lookup(core, addr)
	if !ok || off+uint64(n) > uint64(len(w.data)) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, w.data[off:])
	return out, true
}

// DeviceWrite stores data at addr in core's view, as the core itself would
func (m *Memory) DeviceWrite(core int, addr uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, off, ok := m.lookup(core, addr)
	if !ok || off+uint64(len(data)) > uint64(len(w.data)) || w.prot&driver.IommuWrite == 0 {
		return false
	}
	copy(w.data[off:], data)
	return true
}

// IsMapped reports whether iova is mapped on core
func (m *Memory) IsMapped(core int, iova uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, ok := m.lookup(core, iova)
	return ok
}

// Mappings returns the number of live mappings on core
func (m *Memory) Mappings(core int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.domains[core])
}

// Calls returns the number of map and unmap calls seen
func (m *Memory) Calls() (maps, unmaps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapCalls, m.unmapCalls
}

// Syncs returns the cache maintenance log
func (m *Memory) Syncs() []SyncRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncRecord, len(m.syncs))
	copy(out, m.syncs)
	return out
}

// FailMap makes every Map on core fail with err; nil clears it
func (m *Memory) FailMap(core int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failMap, core)
		return
	}
	m.failMap[core] = err
}

// PadMap makes Map on core report n extra bytes, as a coarse granule would
func (m *Memory) PadMap(core int, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.padMap[core] = n
}

// ShortUnmap makes Unmap on core report n bytes fewer than requested
func (m *Memory) ShortUnmap(core int, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortUnmap[core] = n
}

func (m *Memory) lookup(core int, addr uint64) (*window, uint64, bool) {
	if core < 0 || core >= len(m.domains) {
		return nil, 0, false
	}
	for base, w := range m.domains[core] {
		if addr >= base && addr < base+uint64(len(w.data)) {
			return w, addr - base, true
		}
	}
	return nil, 0, false
}

func copySG(dst []byte, sg hw.ScatterList) {
	for _, s := range sg.Segments {
		n := copy(dst, s.Data)
		dst = dst[n:]
	}
}
