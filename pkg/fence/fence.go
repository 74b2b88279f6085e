// Package fence implements single-writer, multi-reader completion fences and
// the per-buffer reservation lists that turn buffer sharing into job
// dependencies.
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
)

// State of a fence
type State int

const (
	Unsignaled State = iota
	Signaled
	Errored
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Unsignaled:
		return "unsignaled"
	case Signaled:
		return "signaled"
	case Errored:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var contextCounter atomic.Uint64

// AllocContext returns a new fence timeline identifier
func AllocContext() uint64 {
	return contextCounter.Add(1)
}

// Callback runs once when the fence resolves, on the signaling goroutine
type Callback func(f *Fence)

// Fence signals "done" or "error" exactly once
type Fence struct {
	name    string
	context uint64
	seqno   uint64

	mu        sync.Mutex
	state     State
	err       error
	done      chan struct{}
	callbacks []Callback
	timestamp time.Time
}

// New creates an unsignaled fence on the given timeline
func New(name string, context, seqno uint64) *Fence {
	return &Fence{
		name:    name,
		context: context,
		seqno:   seqno,
		done:    make(chan struct{}),
	}
}

// Name returns the timeline name
func (f *Fence) Name() string { return f.name }

// Context returns the timeline identifier
func (f *Fence) Context() uint64 { return f.context }

// Seqno returns the position on the timeline
func (f *Fence) Seqno() uint64 { return f.seqno }

// String implements fmt.Stringer
func (f *Fence) String() string {
	return fmt.Sprintf("%s:%d:%d", f.name, f.context, f.seqno)
}

// Signal moves the fence to Signaled. A second signal is reported and ignored.
func (f *Fence) Signal() error {
	return f.resolve(nil)
}

// SignalError moves the fence to Errored carrying err
func (f *Fence) SignalError(err error) error {
	if err == nil {
		return driver.NewError(driver.StatusInvalidArgument, "signaling fence with nil error")
	}
	return f.resolve(err)
}

func (f *Fence) resolve(err error) error {
	f.mu.Lock()
	if f.state != Unsignaled {
		state := f.state
		f.mu.Unlock()
		klog.Warningf("fence %s: signal on already resolved fence (state %s)", f, state)
		return driver.NewError(driver.StatusAlreadySignaled, "fence "+f.String())
	}
	if err != nil {
		f.state = Errored
		f.err = err
	} else {
		f.state = Signaled
	}
	f.timestamp = time.Now()
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(f)
	}
	return nil
}

// AddCallback registers cb to run when the fence resolves. It returns false
// without registering when the fence is already resolved.
func (f *Fence) AddCallback(cb Callback) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Unsignaled {
		return false
	}
	f.callbacks = append(f.callbacks, cb)
	return true
}

// State returns the current state
func (f *Fence) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsSignaled reports whether the fence resolved, successfully or not
func (f *Fence) IsSignaled() bool {
	return f.State() != Unsignaled
}

// Err returns the error a fence resolved with, nil otherwise
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Timestamp returns when the fence resolved
func (f *Fence) Timestamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timestamp
}

// Done returns a channel closed when the fence resolves
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the fence resolves or timeout elapses. It returns nil on
// success, the fence's error if it resolved with one, ErrBusy for a zero
// timeout on an unresolved fence, and ErrTimedOut when the budget runs out.
// A negative timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.Err()
	default:
	}

	if timeout == 0 {
		return driver.NewError(driver.StatusBusy, "fence "+f.String())
	}
	if timeout < 0 {
		<-f.done
		return f.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.Err()
	case <-timer.C:
		return driver.NewError(driver.StatusTimedOut, "fence "+f.String())
	}
}

// WaitContext blocks until the fence resolves or ctx is done
func (f *Fence) WaitContext(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return driver.NewErrorWithCause(driver.StatusTimedOut, "fence "+f.String(), ctx.Err())
		}
		return ctx.Err()
	}
}

// WaitAll waits until every fence has resolved, regardless of error state,
// sharing one timeout budget. Zero polls.
func WaitAll(fences []*Fence, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for _, f := range fences {
		if f.IsSignaled() {
			continue
		}
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return driver.NewError(driver.StatusTimedOut, "fence "+f.String())
			}
		}
		err := f.Wait(remaining)
		if errors.Is(err, driver.ErrBusy) || errors.Is(err, driver.ErrTimedOut) {
			return err
		}
	}
	return nil
}

// FirstError returns the first error among resolved fences
func FirstError(fences []*Fence) error {
	for _, f := range fences {
		if err := f.Err(); err != nil {
			return err
		}
	}
	return nil
}
