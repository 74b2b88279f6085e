// Package core drives one NPU core: its run queue, the single in-flight job
// slot, the completion interrupt, hang detection and reset recovery.
package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/fence"
	"github.com/emergingrobotics/go-rocket/pkg/hw"
	"github.com/emergingrobotics/go-rocket/pkg/job"
)

// Config holds the timing parameters of a core
type Config struct {
	// HangTimeout bounds how long a task may run before the core is reset
	HangTimeout time.Duration
	// ResetSettleDelay is how long the reset lines stay asserted
	ResetSettleDelay time.Duration
}

// DefaultConfig returns the timing used by the hardware driver
func DefaultConfig() Config {
	return Config{
		HangTimeout:      500 * time.Millisecond,
		ResetSettleDelay: 10 * time.Microsecond,
	}
}

type entry struct {
	job    *job.Job
	entity *Entity
	err    error
}

// Core is the scheduler and hardware controller of one NPU core
type Core struct {
	index int
	hw    hw.Core
	cfg   Config

	hwContext    uint64
	schedContext uint64

	// rqLock guards the run queues and the fence sequence
	rqLock sync.Mutex
	queues [driver.NumPriorities][]*entry
	seqno  uint64

	// jobLock guards the in-flight slot and the power state; it is taken
	// before rqLock when both are needed
	jobLock   sync.Mutex
	inFlight  *entry
	timer     *time.Timer
	timerSeq  uint64
	resetting bool
	suspended bool
	closed    bool

	pool       *ants.Pool
	kick       chan struct{}
	quit       chan struct{}
	stopped    chan struct{}
	resetCount atomic.Int64
	completed  atomic.Int64

	version    uint32
	versionNum uint32
}

// New creates the controller for core index. Init must be called before use.
func New(index int, h hw.Core, cfg Config) (*Core, error) {
	if h.Regs == nil || h.IRQ == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("core %d: missing register window or interrupt", index))
	}
	if cfg.HangTimeout <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "hang timeout must be positive")
	}

	c := &Core{
		index:        index,
		hw:           h,
		cfg:          cfg,
		hwContext:    fence.AllocContext(),
		schedContext: fence.AllocContext(),
		kick:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	// One recovery at a time per core
	pool, err := ants.NewPool(1, ants.WithPanicHandler(func(p interface{}) {
		klog.ErrorS(nil, "Panic during core recovery", "core", index, "panic", p)
	}))
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusNoMemory, "creating recovery pool", err)
	}
	c.pool = pool
	return c, nil
}

// Init powers the core, reads its version and starts scheduling
func (c *Core) Init() error {
	if err := c.enableClocks(); err != nil {
		c.pool.Release()
		return err
	}

	c.version = c.hw.Regs.Read(driver.RegPcVersion)
	c.versionNum = c.hw.Regs.Read(driver.RegPcVersionNum)
	klog.InfoS("Rockchip NPU core initialized", "core", c.index,
		"version", fmt.Sprintf("%d.%d", c.version>>16, c.version&0xffff),
		"versionNum", c.versionNum)

	if err := c.hw.IRQ.Register(c.handleIRQ); err != nil {
		c.disableClocks()
		c.pool.Release()
		return driver.NewErrorWithCause(driver.StatusHardwareFault, fmt.Sprintf("core %d: requesting interrupt", c.index), err)
	}

	go c.run()
	return nil
}

// Fini stops scheduling, fails every job still owned by the core and powers
// it down
func (c *Core) Fini() {
	c.jobLock.Lock()
	if c.closed {
		c.jobLock.Unlock()
		return
	}
	c.closed = true
	inFlight := c.inFlight
	c.inFlight = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.rqLock.Lock()
	var queued []*entry
	for p := range c.queues {
		queued = append(queued, c.queues[p]...)
		c.queues[p] = nil
	}
	c.rqLock.Unlock()
	c.jobLock.Unlock()

	close(c.quit)
	<-c.stopped

	if err := c.pool.ReleaseTimeout(time.Second); err != nil {
		klog.ErrorS(err, "Recovery still running at shutdown", "core", c.index)
	}

	closedErr := driver.NewError(driver.StatusDeviceClosed, fmt.Sprintf("core %d shut down", c.index))
	if inFlight != nil {
		inFlight.job.HardwareFence().SignalError(closedErr)
		c.retire(inFlight, closedErr)
	}
	for _, e := range queued {
		e.job.HardwareFence().SignalError(closedErr)
		c.retire(e, closedErr)
	}

	c.hw.IRQ.Free()

	c.jobLock.Lock()
	suspended := c.suspended
	c.suspended = true
	c.jobLock.Unlock()
	if !suspended {
		c.disableClocks()
	}
}

// Index returns the core number
func (c *Core) Index() int { return c.index }

// Version returns the PC_VERSION and PC_VERSION_NUM values read at init
func (c *Core) Version() (uint32, uint32) { return c.version, c.versionNum }

// ResetCount returns how many hang recoveries the core went through
func (c *Core) ResetCount() int64 { return c.resetCount.Load() }

// Completed returns how many jobs finished on hardware without error
func (c *Core) Completed() int64 { return c.completed.Load() }

// Arm assigns the job to this core and creates its fences on the core's
// timelines. Jobs must be pushed in the order they were armed.
func (c *Core) Arm(j *job.Job) {
	c.rqLock.Lock()
	c.seqno++
	seq := c.seqno
	c.rqLock.Unlock()

	j.Arm(c.index, seq,
		fence.New(fmt.Sprintf("rocket-core%d", c.index), c.hwContext, seq),
		fence.New(fmt.Sprintf("rocket-sched%d", c.index), c.schedContext, seq))
}

// QueueDepth returns the number of jobs waiting to run
func (c *Core) QueueDepth() int {
	c.rqLock.Lock()
	defer c.rqLock.Unlock()
	n := 0
	for _, q := range c.queues {
		n += len(q)
	}
	return n
}

// IsIdle reports whether the core has no queued, running or recovering job
func (c *Core) IsIdle() bool {
	c.jobLock.Lock()
	defer c.jobLock.Unlock()
	return c.idleLocked()
}

func (c *Core) idleLocked() bool {
	if c.inFlight != nil || c.resetting {
		return false
	}
	c.rqLock.Lock()
	defer c.rqLock.Unlock()
	for _, q := range c.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// Suspend gates the core clocks. It fails with ErrBusy while work is pending.
func (c *Core) Suspend() error {
	c.jobLock.Lock()
	defer c.jobLock.Unlock()

	if !c.idleLocked() {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("core %d has pending work", c.index))
	}
	if c.suspended {
		return nil
	}
	c.disableClocks()
	c.suspended = true
	klog.V(2).InfoS("Suspended NPU core", "core", c.index)
	return nil
}

// Resume ungates the core clocks
func (c *Core) Resume() error {
	c.jobLock.Lock()
	defer c.jobLock.Unlock()
	return c.resumeLocked()
}

// Suspended reports whether the core clocks are gated
func (c *Core) Suspended() bool {
	c.jobLock.Lock()
	defer c.jobLock.Unlock()
	return c.suspended
}

func (c *Core) resumeLocked() error {
	if !c.suspended || c.closed {
		return nil
	}
	if err := c.enableClocks(); err != nil {
		return err
	}
	c.suspended = false
	klog.V(2).InfoS("Resumed NPU core", "core", c.index)
	return nil
}

func (c *Core) enableClocks() error {
	for i, clk := range c.hw.Clocks {
		if err := clk.Enable(); err != nil {
			for _, on := range c.hw.Clocks[:i] {
				on.Disable()
			}
			return driver.NewErrorWithCause(driver.StatusHardwareFault, fmt.Sprintf("core %d: enabling clock %d", c.index, i), err)
		}
	}
	return nil
}

func (c *Core) disableClocks() {
	for i := len(c.hw.Clocks) - 1; i >= 0; i-- {
		c.hw.Clocks[i].Disable()
	}
}

func (c *Core) enqueue(e *entry) {
	c.rqLock.Lock()
	defer c.rqLock.Unlock()
	p := e.entity.priority
	c.queues[p] = append(c.queues[p], e)
	klog.V(4).InfoS("Queued job", "core", c.index, "job", e.job, "priority", p, "deps", len(e.job.Dependencies()))
}

func (c *Core) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Core) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			return
		case <-c.kick:
			c.schedule()
		}
	}
}

func (c *Core) schedule() {
	for {
		failed := c.dispatchNext()
		if len(failed) == 0 {
			return
		}
		for _, e := range failed {
			c.fail(e)
		}
	}
}

// dispatchNext fills an empty in-flight slot with the oldest ready job of the
// highest priority level that has one. Jobs whose dependencies failed, and a
// job the core could not be resumed for, are removed and returned with their
// error for retirement. The slot stays empty when resume fails.
func (c *Core) dispatchNext() []*entry {
	c.jobLock.Lock()
	defer c.jobLock.Unlock()

	if c.inFlight != nil || c.resetting || c.closed {
		return nil
	}

	var failed []*entry
	var next *entry

	c.rqLock.Lock()
	for p := range c.queues {
		q := c.queues[p]
		for len(q) > 0 {
			head := q[0]
			if !head.job.DependenciesSignaled() {
				break
			}
			q = q[1:]
			if err := head.job.DependencyError(); err != nil {
				head.err = driver.NewErrorWithCause(driver.StatusHardwareFault, fmt.Sprintf("%s: dependency failed", head.job), err)
				failed = append(failed, head)
				continue
			}
			next = head
			break
		}
		c.queues[p] = q
		if next != nil {
			break
		}
	}
	c.rqLock.Unlock()

	if next == nil {
		return failed
	}

	if err := c.resumeLocked(); err != nil {
		klog.ErrorS(err, "Resuming core for dispatch", "core", c.index)
		next.err = driver.NewErrorWithCause(driver.StatusHardwareFault, fmt.Sprintf("%s: core %d not resumed", next.job, c.index), err)
		return append(failed, next)
	}
	if err := next.job.Transition(job.Dispatched); err != nil {
		klog.ErrorS(err, "Dispatching job", "core", c.index)
	}
	c.inFlight = next
	c.submitTaskLocked(next.job)
	return failed
}

// submitTaskLocked programs the next task of j and starts the hang timer
func (c *Core) submitTaskLocked(j *job.Job) {
	task, idx, ok := j.NextTask()
	if !ok {
		return
	}

	regs := c.hw.Regs
	regs.Write(driver.RegPcBaseAddress, task.RegCmd)
	regs.Write(driver.RegPcRegisterAmounts, driver.RegisterAmounts(task.RegCmdCount))
	regs.Write(driver.RegPcInterruptMask, driver.PcInterruptTaskDone)
	regs.Write(driver.RegPcInterruptClear, driver.PcInterruptTaskDone)
	regs.Write(driver.RegPcTaskCon, driver.TaskCon(1))
	regs.Write(driver.RegPcTaskDmaBaseAddr, 0)
	regs.Write(driver.RegPcOperationEnable, 1)

	klog.V(4).InfoS("Submitted task", "core", c.index, "job", j, "task", idx,
		"regcmd", fmt.Sprintf("0x%08x", task.RegCmd), "count", task.RegCmdCount)

	c.armTimerLocked(c.inFlight)
}

func (c *Core) armTimerLocked(e *entry) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.cfg.HangTimeout, func() {
		c.timedOut(e, seq)
	})
}

func (c *Core) handleIRQ() {
	regs := c.hw.Regs
	status := regs.Read(driver.RegPcInterruptStatus)
	if status&driver.PcInterruptTaskDone == 0 {
		return
	}
	regs.Write(driver.RegPcInterruptClear, driver.PcInterruptTaskDone)

	c.jobLock.Lock()
	e := c.inFlight
	if e == nil || c.resetting {
		c.jobLock.Unlock()
		klog.V(4).InfoS("Interrupt with no job in flight", "core", c.index, "status", status)
		return
	}
	if e.job.TasksRemaining() {
		c.submitTaskLocked(e.job)
		c.jobLock.Unlock()
		return
	}
	c.inFlight = nil
	c.timer.Stop()
	c.jobLock.Unlock()

	if err := e.job.Transition(job.HardwareComplete); err != nil {
		klog.ErrorS(err, "Completing job", "core", c.index)
	}
	e.job.HardwareFence().Signal()
	c.completed.Add(1)
	c.retire(e, nil)
	c.wake()
}

func (c *Core) timedOut(e *entry, seq uint64) {
	c.jobLock.Lock()
	if c.inFlight != e || c.timerSeq != seq || c.resetting {
		c.jobLock.Unlock()
		return
	}
	c.inFlight = nil
	c.resetting = true
	c.jobLock.Unlock()

	c.resetCount.Add(1)
	if err := c.pool.Submit(func() { c.recover(e) }); err != nil {
		klog.ErrorS(err, "Queueing core recovery", "core", c.index)
		c.recover(e)
	}
}

// recover resets the core after a hang and fails the job that hung
func (c *Core) recover(e *entry) {
	j := e.job
	klog.ErrorS(driver.ErrTimedOut, "NPU job timed out, resetting core",
		"core", c.index, "job", j, "task", j.TaskCursor()-1,
		"elapsed", time.Since(j.DispatchedAt()))

	c.reset()

	err := driver.NewError(driver.StatusHardwareFault, fmt.Sprintf("%s timed out on core %d", j, c.index))
	j.HardwareFence().SignalError(err)
	c.retire(e, err)

	c.jobLock.Lock()
	c.resetting = false
	c.jobLock.Unlock()
	c.wake()
}

// reset pulses both reset lines of the core
func (c *Core) reset() {
	for i, line := range c.hw.Resets {
		if err := line.Assert(); err != nil {
			klog.ErrorS(err, "Asserting reset", "core", c.index, "line", i)
		}
	}
	time.Sleep(c.cfg.ResetSettleDelay)
	for i, line := range c.hw.Resets {
		if err := line.Deassert(); err != nil {
			klog.ErrorS(err, "Deasserting reset", "core", c.index, "line", i)
		}
	}
}

func (c *Core) fail(e *entry) {
	klog.V(2).InfoS("Failing job without running it", "core", c.index, "job", e.job, "err", e.err)
	e.job.HardwareFence().SignalError(e.err)
	c.retire(e, e.err)
}

// retire drops the job's residency, releases it and signals its scheduler
// fence with err
func (c *Core) retire(e *entry, err error) {
	j := e.job
	if terr := j.Transition(job.Retired); terr != nil {
		klog.ErrorS(terr, "Retiring job", "core", c.index)
	}
	if uerr := j.Unpin(); uerr != nil {
		klog.ErrorS(uerr, "Dropping job residency", "core", c.index, "job", j)
	}

	finished := j.Finished()
	j.Put()
	if err != nil {
		finished.SignalError(err)
	} else {
		finished.Signal()
	}
	e.entity.pending.Done()
	klog.V(4).InfoS("Retired job", "core", c.index, "job", j, "err", err)
}
