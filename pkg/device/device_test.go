//go:build unit

package device_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emergingrobotics/go-rocket/pkg/device"
	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/job"
	"github.com/emergingrobotics/go-rocket/pkg/sim"
	"github.com/emergingrobotics/go-rocket/testutil"
)

const waitTimeout = 2 * time.Second

func createBuffer(t *testing.T, f *device.File, size uint32) driver.CreateBo {
	t.Helper()
	bo, err := f.CreateBuffer(size)
	testutil.AssertNoError(t, err, "CreateBuffer")
	return bo
}

func submit(t *testing.T, f *device.File, jobs ...driver.Job) []*job.Job {
	t.Helper()
	out, err := f.SubmitJobs(jobs)
	testutil.AssertNoError(t, err, "SubmitJobs")
	return out
}

func waitJob(t *testing.T, j *job.Job) {
	t.Helper()
	if err := j.Wait(waitTimeout); err != nil {
		t.Fatalf("%s: %v", j, err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	npu := sim.New(1)
	hw := device.Hardware{Cores: npu.CoreHardware(), IOMMU: npu.Memory, Cache: npu.Memory}

	tests := []struct {
		name   string
		mutate func(*device.Config)
	}{
		{"zero cores", func(c *device.Config) { c.NumCores = 0 }},
		{"too many cores", func(c *device.Config) { c.NumCores = driver.MaxNumCores + 1 }},
		{"more cores than hardware", func(c *device.Config) { c.NumCores = 2 }},
		{"zero hang timeout", func(c *device.Config) { c.NumCores = 1; c.HangTimeout = 0 }},
		{"fixed core out of range", func(c *device.Config) {
			c.NumCores = 1
			c.CorePolicy = device.Fixed
			c.FixedCore = 1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := device.DefaultConfig()
			tt.mutate(&cfg)
			if _, err := device.New(cfg, hw); !errors.Is(err, driver.ErrInvalidArgument) {
				t.Errorf("New() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestParseCorePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    device.CorePolicy
		wantErr bool
	}{
		{"round-robin", device.RoundRobin, false},
		{"rr", device.RoundRobin, false},
		{"fixed", device.Fixed, false},
		{"random", 0, true},
	}
	for _, tt := range tests {
		got, err := device.ParseCorePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCorePolicy(%q) error = %v", tt.in, err)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseCorePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, core := range []int32{0, 1} {
		t.Run(map[int32]string{0: "primary", 1: "secondary"}[core], func(t *testing.T) {
			dev := testutil.NewSimDevice(t, time.Millisecond)
			f := dev.OpenFile(t)

			in := createBuffer(t, f, 4096)
			out := createBuffer(t, f, 4096)

			// the device copies the input to the output, inverted
			dev.NPU.Cores[core].OnTask(func(c int, s sim.Submission) {
				data, ok := dev.NPU.Memory.DeviceRead(c, in.DMAAddress, 4096)
				if !ok {
					t.Errorf("input not visible on core %d", c)
					return
				}
				for i := range data {
					data[i] = ^data[i]
				}
				if !dev.NPU.Memory.DeviceWrite(c, out.DMAAddress, data) {
					t.Errorf("output not writable on core %d", c)
				}
			})

			testutil.AssertNoError(t, f.PrepareBuffer(in.Handle, driver.PrepWrite, 0), "prepare input")
			host, err := f.Mmap(in.Offset)
			testutil.AssertNoError(t, err, "Mmap")
			defer host.Close()
			want := testutil.MakeRandomBytes(4096)
			copy(host.Data(), want)
			testutil.AssertNoError(t, f.FinishBuffer(in.Handle), "finish input")

			seen, ok := dev.NPU.Memory.DeviceRead(driver.PrimaryCore, in.DMAAddress, 4096)
			if !ok {
				t.Fatal("input not mapped on primary core")
			}
			testutil.AssertBytesEqual(t, seen, want, "device view after finish")

			jobs := submit(t, f, driver.Job{
				Tasks:      testutil.Tasks(0x1000, 1),
				InHandles:  []uint32{in.Handle},
				OutHandles: []uint32{out.Handle},
				Core:       core,
			})
			waitJob(t, jobs[0])

			testutil.AssertNoError(t, f.PrepareBuffer(out.Handle, driver.PrepRead, -1), "prepare output")
			result, err := f.Mmap(out.Offset)
			testutil.AssertNoError(t, err, "Mmap output")
			defer result.Close()
			for i, v := range result.Data() {
				if v != ^want[i] {
					t.Fatalf("output[%d] = %d, want %d", i, v, ^want[i])
				}
			}
		})
	}
}

func TestResidencyFollowsQueuedJobs(t *testing.T) {
	dev := testutil.NewSimDevice(t, 20*time.Millisecond)
	f := dev.OpenFile(t)
	mem := dev.NPU.Memory

	bo := createBuffer(t, f, 4096)

	var violations atomic.Int32
	for i := range dev.NPU.Cores {
		dev.NPU.Cores[i].OnTask(func(c int, s sim.Submission) {
			if !mem.IsMapped(c, bo.DMAAddress) {
				violations.Add(1)
			}
		})
	}

	mapped := func() []bool {
		out := make([]bool, dev.NumCores())
		for c := range out {
			out[c] = mem.IsMapped(c, bo.DMAAddress)
		}
		return out
	}

	if got := mapped(); !got[0] || got[1] || got[2] {
		t.Fatalf("after create: mapped = %v, want primary only", got)
	}

	jobs := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x1000, 1), InHandles: []uint32{bo.Handle}, Core: 1})
	if got := mapped(); !got[0] || !got[1] || got[2] {
		t.Errorf("with job queued on core 1: mapped = %v", got)
	}

	more := submit(t, f,
		driver.Job{Tasks: testutil.Tasks(0x2000, 1), InHandles: []uint32{bo.Handle}, Core: 1},
		driver.Job{Tasks: testutil.Tasks(0x3000, 1), InHandles: []uint32{bo.Handle}, Core: 2},
	)
	waitJob(t, jobs[0])
	if !mem.IsMapped(1, bo.DMAAddress) && more[0].State() != job.Retired {
		t.Error("core 1 unmapped while a second job still references the buffer")
	}

	for _, j := range more {
		waitJob(t, j)
	}
	if got := mapped(); !got[0] || got[1] || got[2] {
		t.Errorf("after retire: mapped = %v, want primary only", got)
	}
	if n := violations.Load(); n != 0 {
		t.Errorf("%d tasks ran without their buffer mapped", n)
	}
}

func TestCrossCoreDependency(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	dev.NPU.Cores[0].SetLatency(30 * time.Millisecond)
	f := dev.OpenFile(t)

	x := createBuffer(t, f, 4096)

	jobs := submit(t, f,
		driver.Job{Tasks: testutil.Tasks(0x1000, 1), OutHandles: []uint32{x.Handle}, Core: 0},
		driver.Job{Tasks: testutil.Tasks(0x2000, 1), InHandles: []uint32{x.Handle}, Core: 1},
	)
	a, b := jobs[0], jobs[1]

	found := false
	for _, dep := range b.Dependencies() {
		if dep == a.Finished() {
			found = true
		}
	}
	if !found {
		t.Fatal("reader does not depend on the writer's completion")
	}

	waitJob(t, b)
	subs := dev.NPU.Cores[1].Submissions()
	if len(subs) != 1 {
		t.Fatalf("core 1 ran %d tasks, want 1", len(subs))
	}
	if subs[0].At.Before(a.HardwareFence().Timestamp()) {
		t.Errorf("reader started at %v, before the writer completed at %v", subs[0].At, a.HardwareFence().Timestamp())
	}
}

func TestFIFOOrderOnOneCore(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f := dev.OpenFile(t)

	var reqs []driver.Job
	for i := 0; i < 3; i++ {
		reqs = append(reqs, driver.Job{Tasks: testutil.Tasks(uint32(0x1000*(i+1)), 1), Core: 2})
	}
	jobs := submit(t, f, reqs...)
	for _, j := range jobs {
		waitJob(t, j)
	}

	subs := dev.NPU.Cores[2].Submissions()
	if len(subs) != 3 {
		t.Fatalf("got %d submissions, want 3", len(subs))
	}
	for i, s := range subs {
		if want := uint32(0x1000 * (i + 1)); s.BaseAddress != want {
			t.Errorf("submission %d ran 0x%x, want 0x%x", i, s.BaseAddress, want)
		}
	}
}

func TestHangRecovery(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond, testutil.WithHangTimeout(30*time.Millisecond))
	f := dev.OpenFile(t)

	dev.NPU.Cores[1].SetHang(true)
	hung := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: 1})[0]
	other := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x2000, 1), Core: 0})[0]

	err := hung.Wait(waitTimeout)
	if !errors.Is(err, driver.ErrHardwareFault) {
		t.Fatalf("hung job error = %v, want ErrHardwareFault", err)
	}
	if !errors.Is(hung.HardwareFence().Err(), driver.ErrHardwareFault) {
		t.Errorf("hardware fence error = %v", hung.HardwareFence().Err())
	}
	waitJob(t, other)

	dev.NPU.Cores[1].SetHang(false)
	fresh := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x3000, 1), Core: 1})[0]
	waitJob(t, fresh)

	stats := dev.Stats()
	if stats[1].Resets != 1 {
		t.Errorf("core 1 resets = %d, want 1", stats[1].Resets)
	}
	if stats[0].Resets != 0 {
		t.Errorf("core 0 resets = %d, want 0", stats[0].Resets)
	}
	if dev.NPU.Cores[1].Resets() != 1 {
		t.Errorf("simulated core 1 went through %d resets", dev.NPU.Cores[1].Resets())
	}
}

func TestBatchIsAtomic(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f := dev.OpenFile(t)
	bo := createBuffer(t, f, 4096)
	b, err := f.Buffer(bo.Handle)
	testutil.AssertNoError(t, err, "Buffer")

	good := driver.Job{Tasks: testutil.Tasks(0x1000, 1), InHandles: []uint32{bo.Handle}}

	tests := []struct {
		name string
		bad  driver.Job
	}{
		{"unknown handle", driver.Job{Tasks: testutil.Tasks(0x2000, 1), OutHandles: []uint32{999}}},
		{"no tasks", driver.Job{InHandles: []uint32{bo.Handle}}},
		{"empty task", driver.Job{Tasks: []driver.Task{{RegCmd: 0x2000}}}},
		{"core out of range", driver.Job{Tasks: testutil.Tasks(0x2000, 1), Core: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.SubmitJobs([]driver.Job{good, good, tt.bad})
			if !errors.Is(err, driver.ErrInvalidArgument) {
				t.Fatalf("SubmitJobs() error = %v, want ErrInvalidArgument", err)
			}
			if n := b.RefCount(); n != 1 {
				t.Errorf("buffer references = %d, want 1", n)
			}
			if cores := b.MappedCores(); len(cores) != 1 || cores[0] != driver.PrimaryCore {
				t.Errorf("buffer mapped on %v, want primary only", cores)
			}
		})
	}

	for i, c := range dev.NPU.Cores {
		if n := len(c.Submissions()); n != 0 {
			t.Errorf("core %d ran %d tasks from rejected batches", i, n)
		}
	}

	// round robin restarts where it was before the rejected batches
	jobs := submit(t, f, good)
	waitJob(t, jobs[0])
	if jobs[0].Core() != 0 {
		t.Errorf("first admitted job on core %d, want 0", jobs[0].Core())
	}

	if _, err := f.SubmitJobs(nil); !errors.Is(err, driver.ErrInvalidArgument) {
		t.Errorf("empty batch error = %v", err)
	}
}

func TestCorePolicy(t *testing.T) {
	t.Run("round robin", func(t *testing.T) {
		dev := testutil.NewSimDevice(t, time.Millisecond)
		f := dev.OpenFile(t)
		var reqs []driver.Job
		for i := 0; i < 4; i++ {
			reqs = append(reqs, driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: driver.AnyCore})
		}
		jobs := submit(t, f, reqs...)
		for i, j := range jobs {
			if j.Core() != i%3 {
				t.Errorf("job %d on core %d, want %d", i, j.Core(), i%3)
			}
			waitJob(t, j)
		}
	})

	t.Run("fixed", func(t *testing.T) {
		dev := testutil.NewSimDevice(t, time.Millisecond, testutil.WithPolicy(device.Fixed, 2))
		f := dev.OpenFile(t)
		jobs := submit(t, f,
			driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: driver.AnyCore},
			driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: driver.AnyCore},
			driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: 0},
		)
		want := []int{2, 2, 0}
		for i, j := range jobs {
			if j.Core() != want[i] {
				t.Errorf("job %d on core %d, want %d", i, j.Core(), want[i])
			}
			waitJob(t, j)
		}
	})
}

func TestPrepareWaitsForWriters(t *testing.T) {
	dev := testutil.NewSimDevice(t, 100*time.Millisecond)
	f := dev.OpenFile(t)

	in := createBuffer(t, f, 4096)
	out := createBuffer(t, f, 4096)
	j := submit(t, f, driver.Job{
		Tasks:      testutil.Tasks(0x1000, 1),
		InHandles:  []uint32{in.Handle},
		OutHandles: []uint32{out.Handle},
		Core:       0,
	})[0]

	err := f.PrepareBuffer(out.Handle, driver.PrepRead, 0)
	testutil.AssertErrorIs(t, err, driver.ErrBusy, "poll output")

	err = f.PrepareBuffer(out.Handle, driver.PrepRead, time.Millisecond)
	testutil.AssertErrorIs(t, err, driver.ErrTimedOut, "short wait on output")

	// the job only reads the input, so reading it needs no wait
	testutil.AssertNoError(t, f.PrepareBuffer(in.Handle, driver.PrepRead, 0), "read input")
	err = f.PrepareBuffer(in.Handle, driver.PrepWrite, 0)
	testutil.AssertErrorIs(t, err, driver.ErrBusy, "write input")

	testutil.AssertNoError(t, f.PrepareBuffer(out.Handle, driver.PrepRead, -1), "wait output")
	if j.State() != job.Retired {
		t.Errorf("job state after prepare = %v", j.State())
	}
}

func TestPrepareValidation(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f := dev.OpenFile(t)
	bo := createBuffer(t, f, 4096)

	err := f.PrepareBuffer(bo.Handle, driver.PrepOp(0x4), 0)
	testutil.AssertErrorIs(t, err, driver.ErrInvalidArgument, "bad op")
	err = f.PrepareBuffer(bo.Handle+100, driver.PrepRead, 0)
	testutil.AssertErrorIs(t, err, driver.ErrNotFound, "bad handle")
	err = f.FinishBuffer(bo.Handle + 100)
	testutil.AssertErrorIs(t, err, driver.ErrNotFound, "finish bad handle")

	// finish without prepare warns and succeeds
	testutil.AssertNoError(t, f.FinishBuffer(bo.Handle), "finish without prepare")
}

func TestReleaseTwice(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f := dev.OpenFile(t)
	bo := createBuffer(t, f, 4096)
	b, err := f.Buffer(bo.Handle)
	testutil.AssertNoError(t, err, "Buffer")

	testutil.AssertNoError(t, f.CloseBuffer(bo.Handle), "CloseBuffer")
	testutil.AssertErrorIs(t, f.CloseBuffer(bo.Handle), driver.ErrNotFound, "second CloseBuffer")
	testutil.AssertErrorIs(t, dev.Manager().Release(b), driver.ErrInvalidArgument, "Release after free")

	if _, err := f.Mmap(bo.Offset); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Mmap of freed buffer error = %v", err)
	}
}

func TestMmapOutlivesHandle(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f := dev.OpenFile(t)
	bo := createBuffer(t, f, 4096)
	b, err := f.Buffer(bo.Handle)
	testutil.AssertNoError(t, err, "Buffer")

	m, err := f.Mmap(bo.Offset)
	testutil.AssertNoError(t, err, "Mmap")
	testutil.AssertEqual(t, b.CPUMappings(), 1, "open mappings")

	testutil.AssertNoError(t, f.CloseBuffer(bo.Handle), "CloseBuffer")

	// the mapping keeps the pages alive after the handle is gone
	data := m.Data()
	data[0] = 0x5a
	data[len(data)-1] = 0xa5
	testutil.AssertEqual(t, b.RefCount(), 1, "refs held by mapping")
	if !b.IsMapped(driver.PrimaryCore) {
		t.Fatal("buffer left the primary core while mapped")
	}

	testutil.AssertNoError(t, m.Close(), "Close")
	testutil.AssertNoError(t, m.Close(), "second Close")
	testutil.AssertEqual(t, b.RefCount(), 0, "refs after Close")
	if b.IsMapped(driver.PrimaryCore) {
		t.Error("buffer still resident after last mapping closed")
	}
	if m.Data() != nil || b.Data() != nil {
		t.Error("closed mapping still exposes memory")
	}
}

func TestMmapForeignOffset(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	owner := dev.OpenFile(t)
	other := dev.OpenFile(t)
	bo := createBuffer(t, owner, 4096)

	if _, err := other.Mmap(bo.Offset); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Mmap of another file's buffer error = %v, want ErrNotFound", err)
	}

	m, err := owner.Mmap(bo.Offset)
	testutil.AssertNoError(t, err, "owner Mmap")
	testutil.AssertNoError(t, m.Close(), "Close")
}

func TestCloseBufferWhileQueued(t *testing.T) {
	dev := testutil.NewSimDevice(t, 20*time.Millisecond)
	f := dev.OpenFile(t)
	bo := createBuffer(t, f, 4096)
	b, err := f.Buffer(bo.Handle)
	testutil.AssertNoError(t, err, "Buffer")

	j := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x1000, 1), InHandles: []uint32{bo.Handle}, Core: 1})[0]
	testutil.AssertNoError(t, f.CloseBuffer(bo.Handle), "CloseBuffer")
	if b.RefCount() != 1 {
		t.Errorf("references with job queued = %d, want 1", b.RefCount())
	}

	waitJob(t, j)
	if b.RefCount() != 0 {
		t.Errorf("references after retire = %d, want 0", b.RefCount())
	}
	if dev.NPU.Memory.IsMapped(driver.PrimaryCore, bo.DMAAddress) {
		t.Error("freed buffer still mapped on primary core")
	}
}

func TestSuspendRefusedWhileBusy(t *testing.T) {
	dev := testutil.NewSimDevice(t, 30*time.Millisecond)
	f := dev.OpenFile(t)

	j := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: 1})[0]
	testutil.AssertErrorIs(t, dev.Suspend(), driver.ErrBusy, "Suspend while busy")
	for i, c := range dev.NPU.Cores {
		if !c.ClocksEnabled() {
			t.Errorf("core %d gated by a refused suspend", i)
		}
	}

	waitJob(t, j)
	testutil.Eventually(t, waitTimeout, dev.IsIdle, "device idle")
	testutil.AssertNoError(t, dev.Suspend(), "Suspend")
	if !dev.Suspended() {
		t.Fatal("device not suspended")
	}
	for i, c := range dev.NPU.Cores {
		if c.ClocksEnabled() {
			t.Errorf("core %d clocks still running", i)
		}
	}
	for i, clk := range dev.NPU.DeviceClocks {
		if clk.Enabled() {
			t.Errorf("device clock %d still running", i)
		}
	}

	// submission resumes the device
	j = submit(t, f, driver.Job{Tasks: testutil.Tasks(0x2000, 1), Core: 2})[0]
	waitJob(t, j)
	if dev.Suspended() {
		t.Error("device still suspended after submission")
	}
}

func TestCloseDrainsJobs(t *testing.T) {
	dev := testutil.NewSimDevice(t, 10*time.Millisecond)
	f, err := dev.Open()
	testutil.AssertNoError(t, err, "Open")

	bo := createBuffer(t, f, 4096)
	var reqs []driver.Job
	for i := 0; i < 3; i++ {
		reqs = append(reqs, driver.Job{Tasks: testutil.Tasks(0x1000, 2), OutHandles: []uint32{bo.Handle}, Core: 0})
	}
	jobs := submit(t, f, reqs...)

	testutil.AssertNoError(t, f.Close(), "Close")
	for _, j := range jobs {
		if !j.Finished().IsSignaled() {
			t.Errorf("%s still pending after close", j)
		}
	}

	_, err = f.CreateBuffer(4096)
	testutil.AssertErrorIs(t, err, driver.ErrDeviceClosed, "CreateBuffer after close")
	_, err = f.SubmitJobs([]driver.Job{{Tasks: testutil.Tasks(0x1000, 1)}})
	testutil.AssertErrorIs(t, err, driver.ErrDeviceClosed, "SubmitJobs after close")
}

func TestCloseContextTimesOut(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond, testutil.WithHangTimeout(200*time.Millisecond))
	f, err := dev.Open()
	testutil.AssertNoError(t, err, "Open")

	dev.NPU.Cores[0].SetHang(true)
	j := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x1000, 1), Core: 0})[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = f.CloseContext(ctx)
	testutil.AssertErrorIs(t, err, driver.ErrTimedOut, "CloseContext")

	// the job still resolves through hang recovery
	if err := j.Wait(waitTimeout); !errors.Is(err, driver.ErrHardwareFault) {
		t.Errorf("job error = %v, want ErrHardwareFault", err)
	}
}

func TestDeviceClose(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f, err := dev.Open()
	testutil.AssertNoError(t, err, "Open")
	j := submit(t, f, driver.Job{Tasks: testutil.Tasks(0x1000, 1)})[0]

	testutil.AssertNoError(t, dev.Close(), "Close")
	if !j.Finished().IsSignaled() {
		t.Error("job pending after device close")
	}
	_, err = dev.Open()
	testutil.AssertErrorIs(t, err, driver.ErrDeviceClosed, "Open after close")
	testutil.AssertNoError(t, dev.Close(), "second Close")
}

func TestIoctlDispatch(t *testing.T) {
	dev := testutil.NewSimDevice(t, time.Millisecond)
	f := dev.OpenFile(t)

	bo := driver.CreateBo{Size: 8192}
	testutil.AssertNoError(t, f.Ioctl(driver.IoctlCmdCreateBo, &bo), "CREATE_BO")
	if bo.Handle == 0 || bo.DMAAddress == 0 || bo.Offset == 0 {
		t.Fatalf("CREATE_BO outputs not filled: %+v", bo)
	}

	testutil.AssertNoError(t, f.Ioctl(driver.IoctlCmdPrepBo,
		&driver.PrepBo{Handle: bo.Handle, Op: driver.PrepWrite}), "PREP_BO")
	testutil.AssertNoError(t, f.Ioctl(driver.IoctlCmdFiniBo, &driver.FiniBo{Handle: bo.Handle}), "FINI_BO")

	err := f.Ioctl(driver.IoctlCmdFiniBo, &driver.FiniBo{Handle: bo.Handle, Flags: 1})
	testutil.AssertErrorIs(t, err, driver.ErrInvalidArgument, "FINI_BO flags")

	submitReq := &driver.Submit{Jobs: []driver.Job{{
		Tasks:     testutil.Tasks(0x1000, 1),
		InHandles: []uint32{bo.Handle},
		Core:      driver.AnyCore,
	}}}
	testutil.AssertNoError(t, f.Ioctl(driver.IoctlCmdSubmit, submitReq), "SUBMIT")
	testutil.AssertNoError(t, f.Ioctl(driver.IoctlCmdPrepBo,
		&driver.PrepBo{Handle: bo.Handle, Op: driver.PrepWrite, TimeoutNs: -1}), "PREP_BO wait")

	err = f.Ioctl(driver.IoctlCmdSubmit, &driver.CreateBo{})
	testutil.AssertErrorIs(t, err, driver.ErrInvalidArgument, "wrong argument type")
	err = f.Ioctl(0xdeadbeef, nil)
	testutil.AssertErrorIs(t, err, driver.ErrInvalidArgument, "unknown command")
	if driver.ToErrno(err) == 0 {
		t.Error("unknown command maps to no errno")
	}
}

func TestConcurrentFiles(t *testing.T) {
	dev := testutil.NewSimDevice(t, 200*time.Microsecond)

	const files, perFile = 4, 15
	var wg sync.WaitGroup
	errs := make(chan error, files)
	for i := 0; i < files; i++ {
		f := dev.OpenFile(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bo, err := f.CreateBuffer(4096)
			if err != nil {
				errs <- err
				return
			}
			var last *job.Job
			for k := 0; k < perFile; k++ {
				jobs, err := f.SubmitJobs([]driver.Job{{
					Tasks:      testutil.Tasks(0x1000, 1),
					OutHandles: []uint32{bo.Handle},
					Core:       driver.AnyCore,
				}})
				if err != nil {
					errs <- err
					return
				}
				last = jobs[0]
			}
			if err := last.Wait(waitTimeout); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	var total int64
	for i, s := range dev.Stats() {
		total += s.Completed
		if n := dev.NPU.Cores[i].Overlaps(); n != 0 {
			t.Errorf("core %d launched %d overlapping tasks", i, n)
		}
	}
	if total != files*perFile {
		t.Errorf("completed %d jobs, want %d", total, files*perFile)
	}
}
