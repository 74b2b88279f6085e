package gem

import (
	"sync"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
)

// Mapping is a CPU view of a buffer. It holds a buffer reference, so the
// backing memory stays valid until Close even if every other holder lets go.
type Mapping struct {
	mgr  *Manager
	buf  *Buffer
	data []byte
	once sync.Once
	err  error
}

// MapCPU returns a CPU view of b holding its own reference
func (m *Manager) MapCPU(b *Buffer) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.refs <= 0 || b.released {
		return nil, driver.NewError(driver.StatusInvalidArgument, "mapping released buffer "+b.String())
	}
	b.refs++
	b.cpuMaps++
	return &Mapping{mgr: m, buf: b, data: b.data}, nil
}

// Data returns the mapped bytes, or nil after Close
func (mp *Mapping) Data() []byte {
	return mp.data
}

// Buffer returns the mapped buffer
func (mp *Mapping) Buffer() *Buffer {
	return mp.buf
}

// Close drops the mapping's reference. Closing twice is a no-op.
func (mp *Mapping) Close() error {
	mp.once.Do(func() {
		mp.mgr.mu.Lock()
		defer mp.mgr.mu.Unlock()

		mp.data = nil
		mp.buf.cpuMaps--
		mp.err = mp.mgr.releaseLocked(mp.buf)
	})
	return mp.err
}
