package testutil

import (
	"testing"
	"time"

	"github.com/emergingrobotics/go-rocket/pkg/device"
	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/sim"
)

// SimDevice is a device running on a simulated NPU
type SimDevice struct {
	*device.Device
	NPU *sim.NPU
}

// SimOption adjusts the device configuration before it is built
type SimOption func(*device.Config)

// WithHangTimeout sets the hang detection interval
func WithHangTimeout(d time.Duration) SimOption {
	return func(c *device.Config) { c.HangTimeout = d }
}

// WithCores sets the number of cores
func WithCores(n int) SimOption {
	return func(c *device.Config) { c.NumCores = n }
}

// WithPolicy sets the core selection policy for unhinted jobs
func WithPolicy(p device.CorePolicy, fixed int) SimOption {
	return func(c *device.Config) {
		c.CorePolicy = p
		c.FixedCore = fixed
	}
}

// NewSimDevice builds a device on a simulated NPU whose tasks take latency.
// The device is closed when the test ends.
func NewSimDevice(t testing.TB, latency time.Duration, opts ...SimOption) *SimDevice {
	t.Helper()

	cfg := device.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	npu := sim.New(cfg.NumCores, sim.WithLatency(latency))
	dev, err := device.New(cfg, device.Hardware{
		Cores:  npu.CoreHardware(),
		IOMMU:  npu.Memory,
		Cache:  npu.Memory,
		Clocks: npu.Clocks(),
	})
	if err != nil {
		t.Fatalf("device.New() error: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	return &SimDevice{Device: dev, NPU: npu}
}

// OpenFile opens a client file that is closed when the test ends
func (d *SimDevice) OpenFile(t testing.TB) *device.File {
	t.Helper()
	f, err := d.Open()
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// Tasks returns n tasks whose command streams start at regcmd
func Tasks(regcmd uint32, n int) []driver.Task {
	tasks := make([]driver.Task, n)
	for i := range tasks {
		tasks[i] = driver.Task{RegCmd: regcmd + uint32(i)*0x100, RegCmdCount: 16}
	}
	return tasks
}
