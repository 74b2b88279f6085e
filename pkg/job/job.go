// Package job models one submitted unit of NPU work: an ordered task list,
// the buffers it reads and writes, and its two completion fences.
package job

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/fence"
	"github.com/emergingrobotics/go-rocket/pkg/gem"
)

// State of a job
type State int32

const (
	Validated State = iota
	Queued
	Dispatched
	HardwareComplete
	Retired
)

var stateNames = map[State]string{
	Validated:        "validated",
	Queued:           "queued",
	Dispatched:       "dispatched",
	HardwareComplete: "hardware-complete",
	Retired:          "retired",
}

// String returns the state name
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// allowed transitions; Queued -> Retired is a job skipped because a
// dependency failed, Dispatched -> Retired is a job lost to a core reset
var transitions = map[State][]State{
	Validated:        {Queued},
	Queued:           {Dispatched, Retired},
	Dispatched:       {HardwareComplete, Retired},
	HardwareComplete: {Retired},
}

var nextID atomic.Uint64

// Job is the schedulable unit
type Job struct {
	id    uint64
	mgr   *gem.Manager
	tasks []driver.Task
	in    []*gem.Buffer
	out   []*gem.Buffer

	refs atomic.Int32

	// set by Arm before the job is visible to other jobs
	core     int
	seqno    uint64
	done     *fence.Fence
	finished *fence.Fence
	deps     []*fence.Fence
	pinned   bool

	mu           sync.Mutex
	state        State
	nextTask     int
	submittedAt  time.Time
	dispatchedAt time.Time
}

// New validates a job and takes a reference on every buffer it names.
// The job starts with one reference, owned by the scheduler.
func New(mgr *gem.Manager, tasks []driver.Task, in, out []*gem.Buffer) (*Job, error) {
	if len(tasks) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "job has no tasks")
	}
	for i, t := range tasks {
		if t.RegCmdCount == 0 {
			return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("task %d has no register commands", i))
		}
	}

	j := &Job{
		id:          nextID.Add(1),
		mgr:         mgr,
		tasks:       append([]driver.Task(nil), tasks...),
		core:        -1,
		state:       Validated,
		submittedAt: time.Now(),
	}

	var taken []*gem.Buffer
	for _, b := range append(append([]*gem.Buffer(nil), in...), out...) {
		if err := mgr.Get(b); err != nil {
			for _, t := range taken {
				mgr.Release(t)
			}
			return nil, err
		}
		taken = append(taken, b)
	}
	j.in = append([]*gem.Buffer(nil), in...)
	j.out = append([]*gem.Buffer(nil), out...)
	j.refs.Store(1)
	return j, nil
}

// ID returns a process-unique job identifier
func (j *Job) ID() uint64 { return j.id }

// Core returns the core the job was armed for, -1 before Arm
func (j *Job) Core() int { return j.core }

// Seqno returns the per-core sequence number assigned by Arm
func (j *Job) Seqno() uint64 { return j.seqno }

// Tasks returns the task list
func (j *Job) Tasks() []driver.Task { return j.tasks }

// Inputs returns the buffers the job reads
func (j *Job) Inputs() []*gem.Buffer { return j.in }

// Outputs returns the buffers the job writes
func (j *Job) Outputs() []*gem.Buffer { return j.out }

// HardwareFence is signaled by the interrupt handler when the last task ends
func (j *Job) HardwareFence() *fence.Fence { return j.done }

// Finished is signaled by the scheduler once the job is retired
func (j *Job) Finished() *fence.Fence { return j.finished }

// Dependencies returns the fences the job waits for before dispatch
func (j *Job) Dependencies() []*fence.Fence { return j.deps }

// String implements fmt.Stringer
func (j *Job) String() string {
	return fmt.Sprintf("job%d(core%d:%d)", j.id, j.core, j.seqno)
}

// Buffers returns every buffer the job references
func (j *Job) Buffers() []*gem.Buffer {
	out := make([]*gem.Buffer, 0, len(j.in)+len(j.out))
	out = append(out, j.in...)
	return append(out, j.out...)
}

// Arm binds the job to a core and its completion fences. It must be called
// once, before CollectDependencies.
func (j *Job) Arm(core int, seqno uint64, done, finished *fence.Fence) {
	j.core = core
	j.seqno = seqno
	j.done = done
	j.finished = finished
}

// CollectDependencies computes the dependency set from the buffers'
// reservations: outstanding writers of everything the job touches, plus
// outstanding readers of everything it writes.
func (j *Job) CollectDependencies() []*fence.Fence {
	seen := make(map[*fence.Fence]bool)
	var deps []*fence.Fence
	add := func(fences []*fence.Fence) {
		for _, f := range fences {
			if f == j.finished || seen[f] {
				continue
			}
			seen[f] = true
			deps = append(deps, f)
		}
	}

	for _, b := range j.in {
		add(b.Reservation().Fences(false))
	}
	for _, b := range j.out {
		add(b.Reservation().Fences(true))
	}
	j.deps = deps
	return deps
}

// Publish records the job in its buffers' reservations so later jobs depend on it
func (j *Job) Publish() {
	for _, b := range j.in {
		b.Reservation().Add(j.finished, false)
	}
	for _, b := range j.out {
		b.Reservation().Add(j.finished, true)
	}
}

// DependenciesSignaled reports whether every dependency has resolved
func (j *Job) DependenciesSignaled() bool {
	for _, f := range j.deps {
		if !f.IsSignaled() {
			return false
		}
	}
	return true
}

// DependencyError returns the first dependency that resolved with an error
func (j *Job) DependencyError() error {
	return fence.FirstError(j.deps)
}

// Pin makes the job's buffers resident on its core
func (j *Job) Pin() error {
	if err := j.mgr.Pin(j.core, j.Buffers()...); err != nil {
		return err
	}
	j.pinned = true
	return nil
}

// Unpin drops the residency taken by Pin
func (j *Job) Unpin() error {
	if !j.pinned {
		return nil
	}
	j.pinned = false
	return j.mgr.Unpin(j.core, j.Buffers()...)
}

// State returns the current state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to next, refusing moves the state machine forbids
func (j *Job) Transition(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, s := range transitions[j.state] {
		if s == next {
			j.state = next
			if next == Dispatched {
				j.dispatchedAt = time.Now()
			}
			return nil
		}
	}
	return driver.NewError(driver.StatusInvalidArgument,
		fmt.Sprintf("%s: transition %s -> %s", j, j.state, next))
}

// NextTask returns the task at the cursor and advances it
func (j *Job) NextTask() (driver.Task, int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.nextTask >= len(j.tasks) {
		return driver.Task{}, j.nextTask, false
	}
	idx := j.nextTask
	j.nextTask++
	return j.tasks[idx], idx, true
}

// TasksRemaining reports whether tasks are left to program
func (j *Job) TasksRemaining() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextTask < len(j.tasks)
}

// TaskCursor returns the index of the next task to program; on a hang the
// task that hung is TaskCursor()-1.
func (j *Job) TaskCursor() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextTask
}

// DispatchedAt returns when the job went to hardware
func (j *Job) DispatchedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dispatchedAt
}

// SubmittedAt returns when the job was created
func (j *Job) SubmittedAt() time.Time {
	return j.submittedAt
}

// Wait blocks until the job retires; see fence.Fence.Wait
func (j *Job) Wait(timeout time.Duration) error {
	return j.finished.Wait(timeout)
}

// Get takes a reference
func (j *Job) Get() {
	j.refs.Add(1)
}

// Put drops a reference; the last one releases the job's buffers
func (j *Job) Put() {
	n := j.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		klog.ErrorS(nil, "Job reference count underflow", "job", j)
		return
	}
	for _, b := range j.Buffers() {
		if err := j.mgr.Release(b); err != nil {
			klog.ErrorS(err, "Releasing job buffer", "job", j, "buffer", b)
		}
	}
}
