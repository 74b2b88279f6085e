package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/emergingrobotics/go-rocket/pkg/device"
	"github.com/emergingrobotics/go-rocket/pkg/driver"
	"github.com/emergingrobotics/go-rocket/pkg/job"
	"github.com/emergingrobotics/go-rocket/pkg/sim"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		return
	}
	defer klog.Flush()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "scan":
		err = scanDevices(os.Stdout)
	case "debug":
		printDebugInfo(os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "simulate":
		err = runSimulate(args, os.Stdout)
	case "batch":
		err = runBatch(args, os.Stdout)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage(os.Stdout)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Rocket NPU control CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: rocketctl <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  scan              Scan for rocket accel nodes")
	fmt.Fprintln(w, "  debug             Print IOCTL debug information")
	fmt.Fprintln(w, "  simulate          Run jobs on a simulated NPU")
	fmt.Fprintln(w, "  batch <file>      Submit an encoded job batch to a simulated NPU")
	fmt.Fprintln(w, "  version           Print version information")
	fmt.Fprintln(w, "  help              Show this help")
}

func printDebugInfo(w io.Writer) {
	fmt.Fprintln(w, "IOCTL Debug Information")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Driver Version: %d.%d\n", driver.RocketDrvVerMajor, driver.RocketDrvVerMinor)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Struct Sizes:")
	fmt.Fprintf(w, "  CreateBo:  %d bytes\n", driver.SizeOfCreateBo)
	fmt.Fprintf(w, "  PrepBo:    %d bytes\n", driver.SizeOfPrepBo)
	fmt.Fprintf(w, "  FiniBo:    %d bytes\n", driver.SizeOfFiniBo)
	fmt.Fprintf(w, "  Task:      %d bytes\n", driver.SizeOfTask)
	fmt.Fprintf(w, "  Job:       %d bytes\n", driver.SizeOfJobArgs)
	fmt.Fprintf(w, "  Submit:    %d bytes\n", driver.SizeOfSubmitArgs)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "IOCTL Command Codes:")
	for _, cmd := range []uint32{driver.IoctlCmdCreateBo, driver.IoctlCmdSubmit, driver.IoctlCmdPrepBo, driver.IoctlCmdFiniBo} {
		fmt.Fprintf(w, "  %-26s 0x%08x\n", driver.IoctlName(cmd)+":", cmd)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "rocketctl version %s\n", Version)
	fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go version: %s\n", GoVersion)
}

func scanDevices(w io.Writer) error {
	devices, err := device.Scan()
	if err != nil {
		return fmt.Errorf("scanning devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No rocket devices found")
		return nil
	}

	fmt.Fprintf(w, "Found %d rocket device(s):\n", len(devices))
	for i, dev := range devices {
		fmt.Fprintf(w, "  [%d] %s (%s)\n", i, dev.Path, dev.Driver)
	}
	return nil
}

// simFlags are the device options shared by the simulated commands
type simFlags struct {
	cores   int
	timeout time.Duration
	latency time.Duration
	policy  string
	fixed   int
}

func newFlagSet(name string, sf *simFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	klog.InitFlags(fs)

	def := device.DefaultConfig()
	fs.IntVar(&sf.cores, "cores", def.NumCores, "number of NPU cores")
	fs.DurationVar(&sf.timeout, "timeout", def.HangTimeout, "hang detection interval")
	fs.DurationVar(&sf.latency, "latency", sim.DefaultLatency, "simulated task duration")
	fs.StringVar(&sf.policy, "policy", def.CorePolicy.String(), "core policy for unhinted jobs (round-robin, fixed)")
	fs.IntVar(&sf.fixed, "fixed-core", 0, "core used by the fixed policy")
	return fs
}

func (sf *simFlags) open() (*device.Device, *sim.NPU, error) {
	cfg := device.DefaultConfig()
	cfg.NumCores = sf.cores
	cfg.HangTimeout = sf.timeout
	cfg.FixedCore = sf.fixed

	policy, err := device.ParseCorePolicy(sf.policy)
	if err != nil {
		return nil, nil, err
	}
	cfg.CorePolicy = policy
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	npu := sim.New(cfg.NumCores, sim.WithLatency(sf.latency))
	dev, err := device.New(cfg, device.Hardware{
		Cores:  npu.CoreHardware(),
		IOMMU:  npu.Memory,
		Cache:  npu.Memory,
		Clocks: npu.Clocks(),
	})
	if err != nil {
		return nil, nil, err
	}
	return dev, npu, nil
}

func runSimulate(args []string, w io.Writer) error {
	var sf simFlags
	fs := newFlagSet("simulate", &sf)
	fs.SetOutput(w)
	jobs := fs.Int("jobs", 9, "number of jobs to submit")
	tasks := fs.Int("tasks", 2, "tasks per job")
	hang := fs.Int("hang", -1, "core that never completes its tasks (-1 for none)")
	chain := fs.Bool("chain", false, "make each job read the previous job's output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobs < 1 || *tasks < 1 {
		return fmt.Errorf("need at least one job and one task per job")
	}

	dev, npu, err := sf.open()
	if err != nil {
		return err
	}
	defer dev.Close()

	if *hang >= 0 {
		if *hang >= len(npu.Cores) {
			return fmt.Errorf("hang core %d out of range", *hang)
		}
		npu.Cores[*hang].SetHang(true)
	}

	f, err := dev.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	cmds, err := uploadCommands(f, *tasks)
	if err != nil {
		return err
	}

	reqs := make([]driver.Job, *jobs)
	var prev uint32
	for i := range reqs {
		out, err := f.CreateBuffer(4096)
		if err != nil {
			return err
		}
		reqs[i] = driver.Job{
			Tasks:      cmds,
			OutHandles: []uint32{out.Handle},
			Core:       driver.AnyCore,
		}
		if *chain && prev != 0 {
			reqs[i].InHandles = []uint32{prev}
		}
		prev = out.Handle
	}

	start := time.Now()
	submitted, err := f.SubmitJobs(reqs)
	if err != nil {
		return fmt.Errorf("submitting: %w", err)
	}
	report(w, submitted, sf.timeout)
	fmt.Fprintf(w, "Elapsed: %v\n", time.Since(start).Round(time.Microsecond))
	printStats(w, dev)
	return nil
}

// uploadCommands writes a register command stream per task into one buffer
// and returns the tasks pointing into it
func uploadCommands(f *device.File, n int) ([]driver.Task, error) {
	var streams []driver.RegCmdStream
	for i := 0; i < n; i++ {
		var s driver.RegCmdStream
		s.Emit(driver.TargetCNA, 0x1040, uint32(i))
		s.Emit(driver.TargetCore, 0x3010, 0x1)
		s.Emit(driver.TargetDPU, 0x4004, 0x0)
		s.Emit(driver.TargetRDMA, 0x5004, 0x0)
		s.Emit(driver.TargetPC, uint16(driver.RegPcOperationEnable), 0x0d)
		streams = append(streams, s)
	}

	size := 0
	for i := range streams {
		size += len(streams[i].Bytes())
	}
	bo, err := f.CreateBuffer(uint32(size))
	if err != nil {
		return nil, err
	}
	if err := f.PrepareBuffer(bo.Handle, driver.PrepWrite, 0); err != nil {
		return nil, err
	}
	m, err := f.Mmap(bo.Offset)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	data := m.Data()

	tasks := make([]driver.Task, 0, n)
	off := 0
	for i := range streams {
		b := streams[i].Bytes()
		copy(data[off:], b)
		tasks = append(tasks, driver.Task{
			RegCmd:      uint32(bo.DMAAddress) + uint32(off),
			RegCmdCount: uint32(streams[i].Len()),
		})
		off += len(b)
	}
	return tasks, f.FinishBuffer(bo.Handle)
}

func runBatch(args []string, w io.Writer) error {
	var sf simFlags
	fs := newFlagSet("batch", &sf)
	fs.SetOutput(w)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rocketctl batch [options] <file>")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	batch, err := driver.UnmarshalSubmit(raw)
	if err != nil {
		return err
	}

	dev, _, err := sf.open()
	if err != nil {
		return err
	}
	defer dev.Close()

	f, err := dev.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	// handles are numbered from 1 in a new file, so create as many
	// buffers as the highest handle the batch names
	var maxHandle uint32
	for _, j := range batch.Jobs {
		for _, h := range append(append([]uint32(nil), j.InHandles...), j.OutHandles...) {
			maxHandle = max(maxHandle, h)
		}
	}
	for i := uint32(0); i < maxHandle; i++ {
		if _, err := f.CreateBuffer(4096); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "Submitting %d job(s), %d buffer(s)\n", len(batch.Jobs), maxHandle)
	if err := f.Ioctl(driver.IoctlCmdSubmit, batch); err != nil {
		return fmt.Errorf("submitting: %w", err)
	}

	for h := uint32(1); h <= maxHandle; h++ {
		if err := f.PrepBo(&driver.PrepBo{Handle: h, Op: driver.PrepRead, TimeoutNs: -1}); err != nil {
			fmt.Fprintf(w, "  buffer %d: %v\n", h, err)
		}
	}
	printStats(w, dev)
	return nil
}

func report(w io.Writer, jobs []*job.Job, timeout time.Duration) {
	// every job resolves within its own runtime plus one hang interval
	budget := time.Duration(len(jobs)+1) * (timeout + time.Second)
	for _, j := range jobs {
		err := j.Wait(budget)
		status := "ok"
		if err != nil {
			status = err.Error()
		}
		fmt.Fprintf(w, "  %-24s tasks=%d %s\n", j, len(j.Tasks()), status)
	}
}

func printStats(w io.Writer, dev *device.Device) {
	fmt.Fprintln(w, "Cores:")
	for _, s := range dev.Stats() {
		major, minor := dev.Core(s.Index).Version()
		fmt.Fprintf(w, "  core%d  version=0x%08x/0x%08x completed=%d resets=%d queued=%d\n",
			s.Index, major, minor, s.Completed, s.Resets, s.QueueDepth)
	}
}
