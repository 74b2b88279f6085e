// Package device is the entry point of the NPU control plane: it owns every
// core controller and the residency manager, and hands out per-client files
// through which buffers are created and jobs submitted.
package device

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/core"
	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/gem"
	"github.com/emergingrobotics/go-rocket/pkg/hw"
)

// Hardware bundles the collaborators a device is built on
type Hardware struct {
	Cores  []hw.Core
	IOMMU  hw.IOMMU
	Cache  hw.Cache
	Clocks []hw.Clock // device-level clocks, gated on suspend
}

// CoreStats is a snapshot of one core's counters
type CoreStats struct {
	Index      int
	Completed  int64
	Resets     int64
	QueueDepth int
	Idle       bool
	Suspended  bool
}

// Device is a multi-core NPU
type Device struct {
	cfg    Config
	clocks []hw.Clock
	cores  []*core.Core
	gem    *gem.Manager

	// schedMu makes batch admission atomic with respect to other batches
	schedMu sync.Mutex
	nextCore int

	mu        sync.Mutex
	files     map[*File]struct{}
	closed    bool
	suspended bool
}

// New powers up the device and starts a controller per core
func New(cfg Config, h Hardware) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(h.Cores) < cfg.NumCores {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%d cores configured, hardware has %d", cfg.NumCores, len(h.Cores)))
	}
	if h.IOMMU == nil || h.Cache == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "missing address translation or cache collaborator")
	}

	d := &Device{
		cfg:    cfg,
		clocks: h.Clocks,
		gem:    gem.NewManager(h.IOMMU, h.Cache, cfg.NumCores),
		files:  make(map[*File]struct{}),
	}

	if err := d.enableClocks(); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NumCores; i++ {
		c, err := core.New(i, h.Cores[i], cfg.coreConfig())
		if err == nil {
			err = c.Init()
		}
		if err != nil {
			for _, started := range d.cores {
				started.Fini()
			}
			d.disableClocks()
			return nil, fmt.Errorf("core %d: %w", i, err)
		}
		d.cores = append(d.cores, c)
	}

	klog.InfoS("Rocket NPU device ready", "cores", cfg.NumCores, "policy", cfg.CorePolicy,
		"hangTimeout", cfg.HangTimeout)
	return d, nil
}

// Config returns the device configuration
func (d *Device) Config() Config { return d.cfg }

// NumCores returns the number of cores
func (d *Device) NumCores() int { return len(d.cores) }

// Core returns the controller of core i
func (d *Device) Core(i int) *core.Core { return d.cores[i] }

// Manager returns the residency manager
func (d *Device) Manager() *gem.Manager { return d.gem }

// Open creates a client file with a scheduling entity on every core
func (d *Device) Open() (*File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, driver.NewError(driver.StatusDeviceClosed, "opening file")
	}

	f := &File{
		dev:     d,
		handles: make(map[uint32]*handleEntry),
	}
	for _, c := range d.cores {
		f.entities = append(f.entities, c.NewEntity(d.cfg.Priority))
	}
	d.files[f] = struct{}{}
	return f, nil
}

func (d *Device) forget(f *File) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, f)
}

// pickCore resolves a job's core hint. Called with schedMu held.
func (d *Device) pickCore(hint int32) (int, error) {
	if hint != driver.AnyCore {
		if hint < 0 || int(hint) >= len(d.cores) {
			return 0, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("core %d out of range", hint))
		}
		return int(hint), nil
	}
	if d.cfg.CorePolicy == Fixed {
		return d.cfg.FixedCore, nil
	}
	c := d.nextCore
	d.nextCore = (d.nextCore + 1) % len(d.cores)
	return c, nil
}

// IsIdle reports whether no core has queued, running or recovering work
func (d *Device) IsIdle() bool {
	for _, c := range d.cores {
		if !c.IsIdle() {
			return false
		}
	}
	return true
}

// Stats returns per-core counters
func (d *Device) Stats() []CoreStats {
	out := make([]CoreStats, len(d.cores))
	for i, c := range d.cores {
		out[i] = CoreStats{
			Index:      i,
			Completed:  c.Completed(),
			Resets:     c.ResetCount(),
			QueueDepth: c.QueueDepth(),
			Idle:       c.IsIdle(),
			Suspended:  c.Suspended(),
		}
	}
	return out
}

// Suspend gates every core and the device clocks. It fails with ErrBusy
// while any core has work, leaving every core powered.
func (d *Device) Suspend() error {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return driver.NewError(driver.StatusDeviceClosed, "suspend")
	}
	if d.suspended {
		return nil
	}
	if !d.IsIdle() {
		return driver.NewError(driver.StatusBusy, "device has pending work")
	}

	for i, c := range d.cores {
		if err := c.Suspend(); err != nil {
			for _, done := range d.cores[:i] {
				done.Resume()
			}
			return err
		}
	}
	d.disableClocks()
	d.suspended = true
	klog.V(2).InfoS("Suspended NPU device")
	return nil
}

// Resume ungates the device clocks and every core
func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumeLocked()
}

func (d *Device) resumeLocked() error {
	if !d.suspended {
		return nil
	}
	if err := d.enableClocks(); err != nil {
		return err
	}
	for _, c := range d.cores {
		if err := c.Resume(); err != nil {
			return err
		}
	}
	d.suspended = false
	klog.V(2).InfoS("Resumed NPU device")
	return nil
}

// Suspended reports whether the device is suspended
func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended
}

// Close closes every open file, then stops the cores
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	files := make([]*File, 0, len(d.files))
	for f := range d.files {
		files = append(files, f)
	}
	d.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var g errgroup.Group
	for _, c := range d.cores {
		c := c
		g.Go(func() error {
			c.Fini()
			return nil
		})
	}
	g.Wait()

	d.mu.Lock()
	suspended := d.suspended
	d.mu.Unlock()
	if !suspended {
		d.disableClocks()
	}
	klog.InfoS("Rocket NPU device closed")
	return firstErr
}

func (d *Device) enableClocks() error {
	for i, clk := range d.clocks {
		if err := clk.Enable(); err != nil {
			for _, on := range d.clocks[:i] {
				on.Disable()
			}
			return driver.NewErrorWithCause(driver.StatusHardwareFault, fmt.Sprintf("enabling device clock %d", i), err)
		}
	}
	return nil
}

func (d *Device) disableClocks() {
	for i := len(d.clocks) - 1; i >= 0; i-- {
		d.clocks[i].Disable()
	}
}

// drain waits for every entity of f to retire its jobs
func drain(ctx context.Context, f *File) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range f.entities {
		e := e
		g.Go(func() error {
			return e.Drain(ctx)
		})
	}
	return g.Wait()
}
