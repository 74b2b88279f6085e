// Package sim is a software model of the NPU: cores whose program controller
// runs one task at a time and raises an interrupt when done, per-core
// translation domains with non-coherent views of host memory, reset lines and
// clocks. It implements every interface in package hw.
package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/hw"
)

// Hardware version reported by every simulated core
const (
	Version    = 0x00010000
	VersionNum = 0x0000002a
)

// DefaultLatency is how long a simulated task runs
const DefaultLatency = time.Millisecond

// Submission is one task launch observed by a core
type Submission struct {
	BaseAddress uint32
	Amounts     uint32
	TaskCon     uint32
	At          time.Time
}

// Core simulates one NPU core's register window
type Core struct {
	index int

	mu         sync.Mutex
	regs       map[uint32]uint32
	handler    func()
	latency    time.Duration
	hang       bool
	busy       bool
	overlaps   int
	asserted   int
	resets     int
	generation uint64
	submitted  []Submission
	onTask     func(core int, s Submission)

	axiClock *Clock
	ahbClock *Clock
}

func newCore(index int, latency time.Duration) *Core {
	c := &Core{
		index:    index,
		latency:  latency,
		axiClock: &Clock{},
		ahbClock: &Clock{},
	}
	c.regs = c.powerOnRegisters()
	return c
}

func (c *Core) powerOnRegisters() map[uint32]uint32 {
	return map[uint32]uint32{
		driver.RegPcVersion:    Version,
		driver.RegPcVersionNum: VersionNum,
	}
}

// Index returns the core index
func (c *Core) Index() int {
	return c.index
}

// Read implements hw.Registers
func (c *Core) Read(offset uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[offset]
}

// Write implements hw.Registers
func (c *Core) Write(offset uint32, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case driver.RegPcInterruptClear:
		c.regs[driver.RegPcInterruptRawStatus] &^= value
		c.regs[driver.RegPcInterruptStatus] &^= value
	case driver.RegPcOperationEnable:
		c.regs[offset] = value
		if value&1 != 0 {
			c.startLocked()
		}
	default:
		c.regs[offset] = value
	}
}

func (c *Core) startLocked() {
	if c.asserted > 0 {
		return
	}
	if c.busy {
		c.overlaps++
	}
	c.busy = true

	s := Submission{
		BaseAddress: c.regs[driver.RegPcBaseAddress],
		Amounts:     c.regs[driver.RegPcRegisterAmounts],
		TaskCon:     c.regs[driver.RegPcTaskCon],
		At:          time.Now(),
	}
	c.submitted = append(c.submitted, s)

	if c.hang {
		return
	}

	gen := c.generation
	onTask := c.onTask
	time.AfterFunc(c.latency, func() {
		if onTask != nil {
			onTask(c.index, s)
		}
		c.complete(gen)
	})
}

func (c *Core) complete(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.busy {
		c.mu.Unlock()
		return
	}
	c.busy = false
	c.regs[driver.RegPcOperationEnable] = 0
	c.regs[driver.RegPcInterruptRawStatus] |= driver.PcInterruptTaskDone
	c.regs[driver.RegPcInterruptStatus] = c.regs[driver.RegPcInterruptRawStatus] & c.regs[driver.RegPcInterruptMask]
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// RaiseSpurious delivers an interrupt with no task completion behind it
func (c *Core) RaiseSpurious() {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// SetHang makes subsequent tasks never complete
func (c *Core) SetHang(hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = hang
}

// SetLatency changes how long each task runs
func (c *Core) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// OnTask installs a hook run when a task finishes executing, before its
// interrupt is raised
func (c *Core) OnTask(fn func(core int, s Submission)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTask = fn
}

// Submissions returns every task launch seen so far
func (c *Core) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Submission, len(c.submitted))
	copy(out, c.submitted)
	return out
}

// Overlaps returns how often a task was launched while another was running
func (c *Core) Overlaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlaps
}

// Resets returns how many full reset cycles the core went through
func (c *Core) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Busy reports whether a task is executing
func (c *Core) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// ClocksEnabled reports whether both core clocks run
func (c *Core) ClocksEnabled() bool {
	return c.axiClock.Enabled() && c.ahbClock.Enabled()
}

// FailClocks makes enabling the AHB clock fail with err; nil restores it
func (c *Core) FailClocks(err error) {
	c.ahbClock.FailEnable(err)
}

func (c *Core) assertReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asserted++
}

func (c *Core) deassertReset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.asserted == 0 {
		return errors.New("reset line not asserted")
	}
	c.asserted--
	if c.asserted == 0 {
		c.resets++
		c.generation++
		c.busy = false
		c.regs = c.powerOnRegisters()
	}
	return nil
}

// Hardware returns the handles the scheduling core consumes
func (c *Core) Hardware() hw.Core {
	return hw.Core{
		Regs:   c,
		Resets: []hw.ResetLine{&resetLine{core: c}, &resetLine{core: c}},
		Clocks: []hw.Clock{c.axiClock, c.ahbClock},
		IRQ:    &irqLine{core: c},
	}
}

type resetLine struct {
	core     *Core
	mu       sync.Mutex
	asserted bool
}

func (r *resetLine) Assert() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.asserted {
		return nil
	}
	r.asserted = true
	r.core.assertReset()
	return nil
}

func (r *resetLine) Deassert() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.asserted {
		return nil
	}
	r.asserted = false
	return r.core.deassertReset()
}

type irqLine struct {
	core *Core
}

func (l *irqLine) Register(handler func()) error {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if l.core.handler != nil {
		return errors.New("interrupt already registered")
	}
	l.core.handler = handler
	return nil
}

func (l *irqLine) Free() {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.handler = nil
}

// Clock is a simulated gateable clock with an enable count
type Clock struct {
	mu    sync.Mutex
	count int
	fail  error
}

// Enable implements hw.Clock
func (c *Clock) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.count++
	return nil
}

// FailEnable makes Enable return err; nil restores it
func (c *Clock) FailEnable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

// Disable implements hw.Clock
func (c *Clock) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		c.count--
	}
}

// Enabled reports whether the clock runs
func (c *Clock) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count > 0
}

// NPU is a simulated multi-core device
type NPU struct {
	Cores        []*Core
	Memory       *Memory
	DeviceClocks []*Clock // npu, pclk
}

// Option configures a simulated NPU
type Option func(*NPU)

// WithLatency sets the task latency of every core
func WithLatency(d time.Duration) Option {
	return func(n *NPU) {
		for _, c := range n.Cores {
			c.latency = d
		}
	}
}

// New creates a simulated NPU with numCores cores
func New(numCores int, opts ...Option) *NPU {
	n := &NPU{
		Memory:       NewMemory(numCores),
		DeviceClocks: []*Clock{{}, {}},
	}
	for i := 0; i < numCores; i++ {
		n.Cores = append(n.Cores, newCore(i, DefaultLatency))
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// CoreHardware returns the per-core handles of every core
func (n *NPU) CoreHardware() []hw.Core {
	out := make([]hw.Core, len(n.Cores))
	for i, c := range n.Cores {
		out[i] = c.Hardware()
	}
	return out
}

// Clocks returns the device-level clocks
func (n *NPU) Clocks() []hw.Clock {
	out := make([]hw.Clock, len(n.DeviceClocks))
	for i, c := range n.DeviceClocks {
		out[i] = c
	}
	return out
}
