package core

import (
	"context"
	"sync"

	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/fence"
	"github.com/emergingrobotics/go-rocket/pkg/job"
)

// Entity is one client's submission queue on one core. Jobs from an entity
// run in submission order relative to each other.
type Entity struct {
	core     *Core
	priority driver.Priority

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewEntity attaches a submission queue to the core
func (c *Core) NewEntity(priority driver.Priority) *Entity {
	if priority < 0 || priority >= driver.NumPriorities {
		priority = driver.PriorityNormal
	}
	return &Entity{core: c, priority: priority}
}

// Core returns the core the entity feeds
func (e *Entity) Core() *Core { return e.core }

// Priority returns the entity's run-queue level
func (e *Entity) Priority() driver.Priority { return e.priority }

// Push queues an armed job. The job runs once every dependency has resolved.
func (e *Entity) Push(j *job.Job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return driver.NewError(driver.StatusDeviceClosed, "entity closed")
	}
	e.pending.Add(1)
	e.mu.Unlock()

	if err := j.Transition(job.Queued); err != nil {
		e.pending.Done()
		return err
	}
	e.core.enqueue(&entry{job: j, entity: e})

	for _, dep := range j.Dependencies() {
		dep.AddCallback(func(*fence.Fence) { e.core.wake() })
	}
	e.core.wake()
	return nil
}

// Close stops the entity from accepting jobs
func (e *Entity) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Drain waits until every job pushed to the entity has retired
func (e *Entity) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return driver.NewErrorWithCause(driver.StatusTimedOut, "draining entity", ctx.Err())
	}
}
