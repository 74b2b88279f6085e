package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/core"
	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/gem"
	"github.com/emergingrobotics/go-rocket/pkg/job"
)

type handleEntry struct {
	buf *gem.Buffer
}

// File is one client context: a handle table of buffers and a scheduling
// entity on every core
type File struct {
	dev      *Device
	entities []*core.Entity

	mu         sync.Mutex
	handles    map[uint32]*handleEntry
	nextHandle uint32
	closed     bool
}

// CreateBuffer allocates a buffer and returns its handle, NPU address and
// mmap offset
func (f *File) CreateBuffer(size uint32) (driver.CreateBo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return driver.CreateBo{}, driver.NewError(driver.StatusDeviceClosed, "creating buffer")
	}

	b, err := f.dev.gem.Create(uint64(size))
	if err != nil {
		return driver.CreateBo{}, err
	}

	f.nextHandle++
	handle := f.nextHandle
	f.handles[handle] = &handleEntry{buf: b}

	return driver.CreateBo{
		Size:       size,
		Handle:     handle,
		DMAAddress: b.DMAAddress(),
		Offset:     b.Offset(),
	}, nil
}

// Buffer returns the buffer behind handle
func (f *File) Buffer(handle uint32) (*gem.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupLocked(handle)
}

func (f *File) lookupLocked(handle uint32) (*gem.Buffer, error) {
	e, ok := f.handles[handle]
	if !ok {
		return nil, driver.NewError(driver.StatusNotFound, fmt.Sprintf("buffer handle %d", handle))
	}
	return e.buf, nil
}

// PrepareBuffer waits for the jobs touching the buffer and makes its
// contents CPU-visible. Read access waits for writers only, write access
// waits for readers too. A zero timeout polls and reports ErrBusy; a
// negative timeout waits forever.
func (f *File) PrepareBuffer(handle uint32, op driver.PrepOp, timeout time.Duration) error {
	if !op.Valid() {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("invalid prepare op 0x%x", uint32(op)))
	}
	b, err := f.Buffer(handle)
	if err != nil {
		return err
	}

	if err := b.Reservation().Wait(op&driver.PrepWrite != 0, timeout); err != nil {
		return err
	}
	return f.dev.gem.PrepareForCPUAccess(b, op)
}

// FinishBuffer hands the buffer back to the device
func (f *File) FinishBuffer(handle uint32) error {
	b, err := f.Buffer(handle)
	if err != nil {
		return err
	}
	return f.dev.gem.FinishCPUAccess(b)
}

// CloseBuffer drops the handle. Jobs still using the buffer keep it alive.
func (f *File) CloseBuffer(handle uint32) error {
	f.mu.Lock()
	e, ok := f.handles[handle]
	if ok {
		delete(f.handles, handle)
	}
	f.mu.Unlock()

	if !ok {
		return driver.NewError(driver.StatusNotFound, fmt.Sprintf("buffer handle %d", handle))
	}
	return f.dev.gem.Release(e.buf)
}

// Mmap maps the buffer this file created at offset. The mapping holds its
// own reference; the caller must Close it. Offsets of buffers owned by other
// files, or already closed, are NotFound.
func (f *File) Mmap(offset uint64) (*gem.Mapping, error) {
	b, ok := f.dev.gem.Lookup(offset)
	if ok {
		ok = f.owns(b)
	}
	if !ok {
		return nil, driver.NewError(driver.StatusNotFound, fmt.Sprintf("no buffer at offset 0x%x", offset))
	}
	return f.dev.gem.MapCPU(b)
}

// owns reports whether a handle of this file refers to b
func (f *File) owns(b *gem.Buffer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.handles {
		if e.buf == b {
			return true
		}
	}
	return false
}

type admission struct {
	req  *driver.Job
	core int
	in   []*gem.Buffer
	out  []*gem.Buffer
	job  *job.Job
}

// SubmitJobs admits a batch of jobs. Either every job is queued or none is;
// a rejected batch leaves no trace. Submission does not wait for the jobs,
// completion is observed through each job's Finished fence.
func (f *File) SubmitJobs(reqs []driver.Job) ([]*job.Job, error) {
	if len(reqs) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "empty batch")
	}

	d := f.dev
	d.schedMu.Lock()
	defer d.schedMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, driver.NewError(driver.StatusDeviceClosed, "submitting jobs")
	}

	// validate everything before touching any state
	batch := make([]*admission, len(reqs))
	rr := d.nextCore
	for i := range reqs {
		a, err := f.validateLocked(&reqs[i])
		if err != nil {
			d.nextCore = rr
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		batch[i] = a
	}

	for i, a := range batch {
		j, err := job.New(d.gem, a.req.Tasks, a.in, a.out)
		if err != nil {
			unwind(batch[:i], false)
			d.nextCore = rr
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		a.job = j
		d.cores[a.core].Arm(j)
	}

	for i, a := range batch {
		if err := a.job.Pin(); err != nil {
			unwind(batch[:i], true)
			unwind(batch[i:i+1], false)
			for _, rest := range batch[i+1:] {
				rest.job.Put()
			}
			d.nextCore = rr
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}

	d.mu.Lock()
	err := d.resumeLocked()
	d.mu.Unlock()
	if err != nil {
		klog.ErrorS(err, "Resuming device for submission")
	}

	jobs := make([]*job.Job, len(batch))
	for i, a := range batch {
		a.job.CollectDependencies()
		a.job.Publish()
		if err := f.entities[a.core].Push(a.job); err != nil {
			// entities only close with the file, which is locked
			klog.ErrorS(err, "Queueing admitted job", "job", a.job)
		}
		jobs[i] = a.job
	}
	return jobs, nil
}

func (f *File) validateLocked(req *driver.Job) (*admission, error) {
	if len(req.Tasks) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "job has no tasks")
	}
	for i, t := range req.Tasks {
		if t.RegCmdCount == 0 {
			return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("task %d has no register commands", i))
		}
	}

	a := &admission{req: req}
	resolve := func(handles []uint32) ([]*gem.Buffer, error) {
		bufs := make([]*gem.Buffer, 0, len(handles))
		for _, h := range handles {
			b, err := f.lookupLocked(h)
			if err != nil {
				return nil, driver.NewErrorWithCause(driver.StatusInvalidArgument, fmt.Sprintf("buffer handle %d", h), err)
			}
			bufs = append(bufs, b)
		}
		return bufs, nil
	}

	var err error
	if a.in, err = resolve(req.InHandles); err != nil {
		return nil, err
	}
	if a.out, err = resolve(req.OutHandles); err != nil {
		return nil, err
	}
	if a.core, err = f.dev.pickCore(req.Core); err != nil {
		return nil, err
	}
	return a, nil
}

func unwind(batch []*admission, pinned bool) {
	for _, a := range batch {
		if pinned {
			a.job.Unpin()
		}
		a.job.Put()
	}
}

// Close waits for the file's jobs to retire, then drops its buffer handles
func (f *File) Close() error {
	return f.CloseContext(context.Background())
}

// CloseContext is Close bounded by ctx. Buffer handles are dropped even when
// ctx expires; jobs still running keep their own buffer references.
func (f *File) CloseContext(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, e := range f.entities {
		e.Close()
	}
	f.mu.Unlock()

	err := drain(ctx, f)
	if err != nil {
		klog.ErrorS(err, "Jobs still pending at file close")
	}

	f.mu.Lock()
	handles := f.handles
	f.handles = make(map[uint32]*handleEntry)
	f.mu.Unlock()

	for h, e := range handles {
		if rerr := f.dev.gem.Release(e.buf); rerr != nil {
			klog.ErrorS(rerr, "Releasing buffer at file close", "handle", h)
			if err == nil {
				err = rerr
			}
		}
	}

	f.dev.forget(f)
	return err
}
